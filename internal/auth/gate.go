// Package auth implements the capability gate consulted before mutating
// shipping operations.
package auth

import (
	"context"

	"github.com/tournevent/cartship/internal/store"
)

// Gate answers whether actor holds one of roles for merchantID.
type Gate interface {
	HasRole(ctx context.Context, actor string, roles []string, merchantID string) (bool, error)
}

// StoreGate checks merchant memberships. Service actors are always allowed.
type StoreGate struct {
	memberships   store.MembershipStore
	serviceActors map[string]struct{}
}

// NewStoreGate creates a StoreGate.
func NewStoreGate(memberships store.MembershipStore, serviceActors ...string) *StoreGate {
	g := &StoreGate{
		memberships:   memberships,
		serviceActors: make(map[string]struct{}, len(serviceActors)),
	}
	for _, a := range serviceActors {
		if a != "" {
			g.serviceActors[a] = struct{}{}
		}
	}
	return g
}

// HasRole implements Gate.
func (g *StoreGate) HasRole(ctx context.Context, actor string, roles []string, merchantID string) (bool, error) {
	if actor == "" {
		return false, nil
	}
	if _, ok := g.serviceActors[actor]; ok {
		return true, nil
	}
	held, err := g.memberships.RolesFor(ctx, actor, merchantID)
	if err != nil {
		return false, err
	}
	for _, h := range held {
		for _, r := range roles {
			if h == r {
				return true, nil
			}
		}
	}
	return false, nil
}

var _ Gate = (*StoreGate)(nil)
