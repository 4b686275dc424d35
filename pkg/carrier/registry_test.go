package carrier_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tournevent/cartship/pkg/carrier"
	"github.com/tournevent/cartship/pkg/carrier/mock"
)

func TestRegistry_Register(t *testing.T) {
	registry := carrier.NewRegistry()

	registry.Register(mock.New("test-integration"))

	got, err := registry.Get("test-integration")
	require.NoError(t, err, "integration should be registered")
	assert.Equal(t, "test-integration", got.Name())
}

func TestRegistry_Register_Override(t *testing.T) {
	registry := carrier.NewRegistry()

	registry.Register(mock.New("test-integration"))
	assert.Equal(t, 1, registry.Count())

	// Same name replaces the previous entry
	registry.Register(mock.New("test-integration"))
	assert.Equal(t, 1, registry.Count())
}

func TestRegistry_Get_NotFound(t *testing.T) {
	registry := carrier.NewRegistry()

	_, err := registry.Get("nonexistent")
	assert.Error(t, err)
	assert.True(t, errors.Is(err, carrier.ErrIntegrationNotFound))
}

func TestRegistry_All_Sorted(t *testing.T) {
	registry := carrier.NewRegistry()

	registry.Register(mock.New("shippo"))
	registry.Register(mock.New("freightcom"))
	registry.Register(mock.New("easypost"))

	all := registry.All()
	require.Len(t, all, 3)
	assert.Equal(t, "easypost", all[0].Name())
	assert.Equal(t, "freightcom", all[1].Name())
	assert.Equal(t, "shippo", all[2].Name())
}

func TestRegistry_Names(t *testing.T) {
	registry := carrier.NewRegistry()

	registry.Register(mock.New("freightcom"))
	registry.Register(mock.New("shippo"))

	assert.Equal(t, []string{"freightcom", "shippo"}, registry.Names())
}

func TestParcel_Volume(t *testing.T) {
	p := carrier.Parcel{Width: 2, Length: 5, Height: 10}
	assert.Equal(t, 100.0, p.Volume())
	assert.Zero(t, carrier.Parcel{Width: 2, Length: 5}.Volume())
}
