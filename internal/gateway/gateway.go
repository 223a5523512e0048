// Package gateway defines the capabilities the chat client consumes from its
// backend: relational tables, a realtime change feed, blob storage, identity
// and a presence channel.
package gateway

import (
	"context"
	"errors"

	"github.com/zrchat/zrchat-client/internal/model"
)

var (
	ErrNotFound        = errors.New("gateway: not found")
	ErrPermission      = errors.New("gateway: permission denied")
	ErrUnavailable     = errors.New("gateway: unavailable")
	ErrUnauthenticated = errors.New("gateway: not authenticated")
)

// Tables is row access to the relational store.
type Tables interface {
	Query(ctx context.Context, table string, filter Filter, order Order) ([]model.Row, error)
	Insert(ctx context.Context, table string, row model.Row) (model.Row, error)
	Update(ctx context.Context, table string, filter Filter, patch model.Row) error
	Delete(ctx context.Context, table string, filter Filter) error
}

// Subscription delivers change events in arrival order. The channel is
// closed when the feed is lost or Close is called.
type Subscription interface {
	Events() <-chan model.ChangeEvent
	Close() error
}

// ChangeFeed subscribes to row changes of one table. An empty kinds list
// means all kinds.
type ChangeFeed interface {
	Subscribe(ctx context.Context, table string, kinds ...model.ChangeKind) (Subscription, error)
}

// Blobs stores files and returns their public URL.
type Blobs interface {
	Upload(ctx context.Context, bucket, key, contentType string, data []byte) (string, error)
}

// Identity resolves the authenticated user.
type Identity interface {
	CurrentUser(ctx context.Context) (model.Identity, error)
}

// PresenceSubscription delivers presence events until Leave is called.
type PresenceSubscription interface {
	Events() <-chan model.PresenceEvent
	Leave() error
}

// PresenceChannel joins a named presence channel advertising state.
type PresenceChannel interface {
	JoinPresence(ctx context.Context, channel string, state model.PresenceState) (PresenceSubscription, error)
}

// Pinger checks backend reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Gateway is the full set of backend capabilities.
type Gateway interface {
	Tables
	ChangeFeed
	Blobs
	Identity
	PresenceChannel
}

// MatchesKind reports whether k is selected by kinds. An empty list selects every kind.
func MatchesKind(kinds []model.ChangeKind, k model.ChangeKind) bool {
	if len(kinds) == 0 {
		return true
	}
	for _, want := range kinds {
		if want == k {
			return true
		}
	}
	return false
}
