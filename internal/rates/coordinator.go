package rates

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tournevent/cartship/internal/keylock"
	"github.com/tournevent/cartship/internal/shipping"
)

// Coordinator tracks the status and retry targets of the latest quote pass
// per (cart, merchant). Passes for the same pair are serialized: Begin
// blocks until the previous pass has finished.
type Coordinator struct {
	states StateStore
	locks  *keylock.Locks
	now    func() time.Time
}

// NewCoordinator creates a Coordinator persisting to states.
func NewCoordinator(states StateStore) *Coordinator {
	return &Coordinator{
		states: states,
		locks:  keylock.New(),
		now:    time.Now,
	}
}

// Pass is an in-flight quote pass. It must be ended with Finish or Abort.
type Pass struct {
	CartID     string
	MerchantID string
	// Previous is the state left by the last finished pass.
	Previous State

	key     string
	release func()
	once    sync.Once
}

func stateKey(cartID, merchantID string) string {
	return cartID + ":" + merchantID
}

// Begin starts a pass, marking the pair pending while keeping the previous
// retry targets and quotes visible.
func (c *Coordinator) Begin(ctx context.Context, cartID, merchantID string) (*Pass, error) {
	key := stateKey(cartID, merchantID)
	release, err := c.locks.Acquire(ctx, key)
	if err != nil {
		return nil, err
	}

	prev, _, err := c.states.Load(ctx, key)
	if err != nil {
		release()
		return nil, err
	}

	pending := prev
	pending.Status = shipping.QueryStatus{RequestStatus: shipping.StatusPending}
	pending.UpdatedAt = c.now().UTC()
	if err := c.states.Save(ctx, key, pending); err != nil {
		release()
		return nil, err
	}

	return &Pass{
		CartID:     cartID,
		MerchantID: merchantID,
		Previous:   prev,
		key:        key,
		release:    release,
	}, nil
}

// Finish records the outcome of p and ends it.
func (c *Coordinator) Finish(ctx context.Context, p *Pass, st State) error {
	defer p.end()
	if st.Status.RequestStatus != shipping.StatusError {
		st.Status.FailingProvider = ""
	}
	st.UpdatedAt = c.now().UTC()
	if err := c.states.Save(context.WithoutCancel(ctx), p.key, st); err != nil {
		return fmt.Errorf("record quote pass: %w", err)
	}
	return nil
}

// Abort ends p and restores the state it started from.
func (c *Coordinator) Abort(ctx context.Context, p *Pass) {
	defer p.end()
	_ = c.states.Save(context.WithoutCancel(ctx), p.key, p.Previous)
}

func (p *Pass) end() {
	p.once.Do(p.release)
}

// State returns the latest recorded state for the pair.
func (c *Coordinator) State(ctx context.Context, cartID, merchantID string) (State, error) {
	st, _, err := c.states.Load(ctx, stateKey(cartID, merchantID))
	return st, err
}

// IsPending reports whether a pass is running for the pair.
func (c *Coordinator) IsPending(ctx context.Context, cartID, merchantID string) bool {
	st, err := c.State(ctx, cartID, merchantID)
	return err == nil && st.Status.RequestStatus == shipping.StatusPending
}

// FailingProvider returns the integration that failed the latest pass, or
// shipping.AllProviders when every integration failed. ok is false when the
// latest pass did not fail.
func (c *Coordinator) FailingProvider(ctx context.Context, cartID, merchantID string) (string, bool) {
	st, err := c.State(ctx, cartID, merchantID)
	if err != nil || st.Status.RequestStatus != shipping.StatusError {
		return "", false
	}
	return st.Status.FailingProvider, true
}

// RetryTargets returns the targets to query on the next pass.
func (c *Coordinator) RetryTargets(ctx context.Context, cartID, merchantID string) ([]shipping.RetryTarget, error) {
	st, err := c.State(ctx, cartID, merchantID)
	if err != nil {
		return nil, err
	}
	return st.RetryTargets, nil
}

// Reset forgets the pair's state, so the next pass queries every integration.
func (c *Coordinator) Reset(ctx context.Context, cartID, merchantID string) error {
	key := stateKey(cartID, merchantID)
	release, err := c.locks.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer release()
	return c.states.Delete(ctx, key)
}
