// Package storage defines the engine-agnostic persistence contract of the
// repository and its sqlx implementation. Retrieval is two-phase: predicates
// select event primary keys, then the aggregates are hydrated for exactly
// those keys.
package storage

import (
	"context"
	"time"

	"github.com/trackvision/tv-epcis-repository/types"
)

// Tx is the transactional surface. Implementations must give snapshot reads
// (hydrated aggregates carry no tracking state) and roll back on error.
type Tx interface {
	// InsertCapture persists a capture aggregate with all owned children.
	// Assigns Capture.ID, Capture.Events[i].ID and stamps every event's
	// RecordTime with the capture's.
	InsertCapture(ctx context.Context, capture *types.Capture) error

	// EventIDsMatching runs phase 1: primary keys of events matching the
	// ANDed predicate chain, in the requested order.
	EventIDsMatching(ctx context.Context, preds []Predicate, order Order, limit Limit) ([]int64, error)

	// HydrateEvents runs phase 2: full event aggregates for exactly the
	// given ids, preserving the given order.
	HydrateEvents(ctx context.Context, ids []int64) ([]types.Event, error)

	// CountEventsMatching returns the match count for a chain, ignoring
	// limit and cursor predicates. Used for eventCountLimit enforcement.
	CountEventsMatching(ctx context.Context, preds []Predicate) (int64, error)

	GetCapture(ctx context.Context, tenantID, captureID string) (*types.Capture, error)
	ListCaptures(ctx context.Context, tenantID string, limit, offset int) ([]types.Capture, error)

	// DistinctEventValues returns the distinct values of one discovery
	// dimension (eventType, bizStep, disposition, readPoint, bizLocation,
	// epc) scoped to a tenant.
	DistinctEventValues(ctx context.Context, tenantID, dimension string, limit int) ([]string, error)

	// DescendantURIs returns uri plus every masterdata URI reachable from
	// it through child references, scoped to a tenant. Supports WD_*.
	DescendantURIs(ctx context.Context, tenantID, uri string) ([]string, error)

	UpsertSubscription(ctx context.Context, sub *types.Subscription) error
	GetSubscription(ctx context.Context, tenantID, name string) (*types.Subscription, error)
	ListSubscriptions(ctx context.Context, tenantID string) ([]types.Subscription, error)
	ListActiveSubscriptions(ctx context.Context) ([]types.Subscription, error)
	DeleteSubscription(ctx context.Context, tenantID, name string) error

	// AdvanceSubscriptionCursor moves lastExecutedTime forward. Never moves
	// it backwards.
	AdvanceSubscriptionCursor(ctx context.Context, subscriptionID int64, to time.Time) error

	SaveNamedQuery(ctx context.Context, q *types.NamedQuery) error
	GetNamedQuery(ctx context.Context, tenantID, name string) (*types.NamedQuery, error)
	ListNamedQueries(ctx context.Context, tenantID string) ([]types.NamedQuery, error)
	DeleteNamedQuery(ctx context.Context, tenantID, name string) error
}

// Store runs closures inside one transaction each, rolling back on error or
// panic. The handle is process-wide; connection concurrency belongs to the
// underlying engine's pool.
type Store interface {
	Tx(ctx context.Context, fn func(Tx) error) error
	Close() error
}
