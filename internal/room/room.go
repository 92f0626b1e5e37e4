// Package room names room channels and resolves the channels a session joins
// when it connects.
package room

import (
	"context"
	"fmt"
)

// GlobalRoom is the channel every session joins on connect.
const GlobalRoom = "global"

// ChannelFor returns the channel name of a persisted room.
func ChannelFor(roomID int64) string {
	return fmt.Sprintf("room_%d", roomID)
}

// PrivateRoomKey returns the canonical private room for an unordered pair of
// subjects: PrivateRoomKey(a, b) == PrivateRoomKey(b, a).
func PrivateRoomKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return "private_" + a + "_" + b
}

// MembershipStore returns the rooms a user belongs to.
type MembershipStore interface {
	QueryMemberships(ctx context.Context, userID int64) ([]int64, error)
}

// Resolver computes the channels a connecting user is joined to.
type Resolver struct {
	store MembershipStore
}

// NewResolver returns a Resolver. A nil store yields only the global room.
func NewResolver(store MembershipStore) *Resolver {
	return &Resolver{store: store}
}

// Channels returns the persisted membership channels for userID followed by
// GlobalRoom.
func (r *Resolver) Channels(ctx context.Context, userID int64) ([]string, error) {
	if r.store == nil {
		return []string{GlobalRoom}, nil
	}

	ids, err := r.store.QueryMemberships(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("room: query memberships for user %d: %w", userID, err)
	}

	channels := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		channels = append(channels, ChannelFor(id))
	}
	return append(channels, GlobalRoom), nil
}
