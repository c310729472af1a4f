package query

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/trackvision/tv-epcis-repository/configs"
	"github.com/trackvision/tv-epcis-repository/logger"
	"github.com/trackvision/tv-epcis-repository/storage"
	"github.com/trackvision/tv-epcis-repository/types"
)

// Engine runs parameterized event queries. It is stateless between requests;
// every call opens one storage transaction for both retrieval phases.
type Engine struct {
	store  storage.Store
	cfg    *configs.Config
	cursor *CursorCodec
}

func NewEngine(store storage.Store, cfg *configs.Config) *Engine {
	return &Engine{
		store:  store,
		cfg:    cfg,
		cursor: NewCursorCodec(cfg.PaginationSecret),
	}
}

// Result is one page of events plus the cursor for the next page, when more
// rows match.
type Result struct {
	Events        []types.Event
	NextPageToken string
}

// Run executes a query for one tenant. The tenant predicate is prepended
// and cannot be displaced by user parameters; the configured superuser
// tenant sees across tenants.
func (e *Engine) Run(ctx context.Context, tenantID string, params []types.QueryParam) (*Result, error) {
	parsed, err := ParseParams(params)
	if err != nil {
		return nil, err
	}
	return e.run(ctx, tenantID, parsed)
}

func (e *Engine) run(ctx context.Context, tenantID string, parsed *Parsed) (*Result, error) {
	preds := make([]storage.Predicate, 0, len(parsed.Preds)+len(parsed.Descendants)+2)
	if e.cfg.SuperUserTenant == "" || tenantID != e.cfg.SuperUserTenant {
		preds = append(preds, storage.TenantIs{Tenant: tenantID})
	}
	preds = append(preds, parsed.Preds...)

	pageSize := e.pageSize(parsed)

	var cursorPred storage.Predicate
	if parsed.PageToken != "" {
		cursor, err := e.cursor.Decode(parsed.PageToken, parsed.Order)
		if err != nil {
			return nil, err
		}
		cursorPred = cursor
	}

	result := &Result{}
	err := e.store.Tx(ctx, func(tx storage.Tx) error {
		for _, wd := range parsed.Descendants {
			uris, err := expandDescendants(ctx, tx, tenantID, wd.URIs)
			if err != nil {
				return err
			}
			preds = append(preds, storage.LocationIn{Field: wd.Field, URIs: uris})
		}

		// eventCountLimit is a promise, not a truncation: when more rows
		// match than the caller allowed for, the whole query fails.
		if parsed.EventCountLimit > 0 {
			count, err := tx.CountEventsMatching(ctx, preds)
			if err != nil {
				return err
			}
			if count > int64(parsed.EventCountLimit) {
				return fmt.Errorf("%w: %d matches over limit %d", types.ErrQueryTooLarge, count, parsed.EventCountLimit)
			}
		}

		if cursorPred != nil {
			preds = append(preds, cursorPred)
		}

		// one extra row decides whether a next page exists
		ids, err := tx.EventIDsMatching(ctx, preds, parsed.Order, storage.Limit{Max: pageSize + 1})
		if err != nil {
			return err
		}
		hasMore := len(ids) > pageSize
		if hasMore {
			ids = ids[:pageSize]
		}

		events, err := tx.HydrateEvents(ctx, ids)
		if err != nil {
			return err
		}
		result.Events = events

		if hasMore && len(events) > 0 {
			last := events[len(events)-1]
			orderValue := last.EventTime
			if parsed.Order.Key == "recordTime" {
				orderValue = last.RecordTime
			}
			result.NextPageToken = e.cursor.Encode(parsed.Order, orderValue, last.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Debug("query executed",
		zap.String("tenant_id", tenantID),
		zap.Int("events", len(result.Events)),
		zap.Bool("has_more", result.NextPageToken != ""))
	return result, nil
}

// pageSize resolves the effective phase-1 limit from perPage, maxEventCount
// and the configured hard cap. maxEventCount truncates silently.
func (e *Engine) pageSize(parsed *Parsed) int {
	size := e.cfg.MaxEventsReturnedInQuery
	if parsed.MaxEventCount > 0 && parsed.MaxEventCount < size {
		size = parsed.MaxEventCount
	}
	if parsed.PerPage > 0 && parsed.PerPage < size {
		size = parsed.PerPage
	}
	return size
}

func expandDescendants(ctx context.Context, tx storage.Tx, tenantID string, uris []string) ([]string, error) {
	seen := map[string]bool{}
	out := make([]string, 0, len(uris))
	for _, uri := range uris {
		expanded, err := tx.DescendantURIs(ctx, tenantID, uri)
		if err != nil {
			return nil, err
		}
		for _, u := range expanded {
			if !seen[u] {
				seen[u] = true
				out = append(out, u)
			}
		}
	}
	return out, nil
}
