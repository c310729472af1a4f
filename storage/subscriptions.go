package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/trackvision/tv-epcis-repository/types"
)

// subscriptionRow mirrors the subscriptions table; parameters travel as JSON.
type subscriptionRow struct {
	ID                int64     `db:"id"`
	SubscriptionID    string    `db:"subscription_id"`
	TenantID          string    `db:"tenant_id"`
	Name              string    `db:"name"`
	QueryName         string    `db:"query_name"`
	Parameters        string    `db:"parameters"`
	Destination       string    `db:"destination"`
	SignatureSecret   string    `db:"signature_secret"`
	ReportIfEmpty     bool      `db:"report_if_empty"`
	Trigger           string    `db:"trigger_spec"`
	InitialRecordTime time.Time `db:"initial_record_time"`
	LastExecutedTime  time.Time `db:"last_executed_time"`
	Active            bool      `db:"active"`
}

func (r *subscriptionRow) toSubscription() (*types.Subscription, error) {
	var params []types.QueryParam
	if err := json.Unmarshal([]byte(r.Parameters), &params); err != nil {
		return nil, fmt.Errorf("decoding parameters of subscription %s: %w", r.SubscriptionID, err)
	}
	return &types.Subscription{
		ID:                r.ID,
		SubscriptionID:    r.SubscriptionID,
		TenantID:          r.TenantID,
		Name:              r.Name,
		QueryName:         r.QueryName,
		Parameters:        params,
		Destination:       r.Destination,
		SignatureSecret:   r.SignatureSecret,
		ReportIfEmpty:     r.ReportIfEmpty,
		Trigger:           r.Trigger,
		InitialRecordTime: r.InitialRecordTime,
		LastExecutedTime:  r.LastExecutedTime,
		Active:            r.Active,
	}, nil
}

// UpsertSubscription inserts a new subscription or rewrites an existing one
// in place (matched by ID). A fresh subscription whose (tenant, name) pair is
// already taken fails with ErrSubscriptionExists.
func (t *sqlTx) UpsertSubscription(ctx context.Context, sub *types.Subscription) error {
	params, err := json.Marshal(sub.Parameters)
	if err != nil {
		return fmt.Errorf("encoding parameters: %w", err)
	}
	if sub.Parameters == nil {
		params = []byte("[]")
	}

	if sub.ID != 0 {
		_, err := t.tx.ExecContext(ctx, t.rebind(`
			UPDATE subscriptions SET query_name = ?, parameters = ?, destination = ?,
			    signature_secret = ?, report_if_empty = ?, trigger_spec = ?, active = ?
			WHERE id = ?`),
			sub.QueryName, string(params), sub.Destination, sub.SignatureSecret,
			sub.ReportIfEmpty, sub.Trigger, sub.Active, sub.ID)
		if err != nil {
			return fmt.Errorf("updating subscription %s: %w", sub.SubscriptionID, err)
		}
		return nil
	}

	var existing int
	err = t.tx.GetContext(ctx, &existing, t.rebind(
		`SELECT COUNT(*) FROM subscriptions WHERE tenant_id = ? AND name = ?`),
		sub.TenantID, sub.Name)
	if err != nil {
		return fmt.Errorf("checking subscription name: %w", err)
	}
	if existing > 0 {
		return types.ErrSubscriptionExists
	}

	id, err := t.insertReturningID(ctx, `
		INSERT INTO subscriptions (subscription_id, tenant_id, name, query_name, parameters,
		    destination, signature_secret, report_if_empty, trigger_spec,
		    initial_record_time, last_executed_time, active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.SubscriptionID, sub.TenantID, sub.Name, sub.QueryName, string(params),
		sub.Destination, sub.SignatureSecret, sub.ReportIfEmpty, sub.Trigger,
		sub.InitialRecordTime.UTC(), sub.LastExecutedTime.UTC(), sub.Active)
	if err != nil {
		return fmt.Errorf("inserting subscription %s: %w", sub.SubscriptionID, err)
	}
	sub.ID = id
	return nil
}

func (t *sqlTx) GetSubscription(ctx context.Context, tenantID, name string) (*types.Subscription, error) {
	var row subscriptionRow
	err := t.tx.GetContext(ctx, &row, t.rebind(
		`SELECT * FROM subscriptions WHERE tenant_id = ? AND name = ?`), tenantID, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading subscription %s: %w", name, err)
	}
	return row.toSubscription()
}

func (t *sqlTx) ListSubscriptions(ctx context.Context, tenantID string) ([]types.Subscription, error) {
	var rows []subscriptionRow
	err := t.tx.SelectContext(ctx, &rows, t.rebind(
		`SELECT * FROM subscriptions WHERE tenant_id = ? ORDER BY name`), tenantID)
	if err != nil {
		return nil, fmt.Errorf("listing subscriptions: %w", err)
	}
	return rowsToSubscriptions(rows)
}

func (t *sqlTx) ListActiveSubscriptions(ctx context.Context) ([]types.Subscription, error) {
	var rows []subscriptionRow
	err := t.tx.SelectContext(ctx, &rows,
		`SELECT * FROM subscriptions WHERE active ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing active subscriptions: %w", err)
	}
	return rowsToSubscriptions(rows)
}

func rowsToSubscriptions(rows []subscriptionRow) ([]types.Subscription, error) {
	subs := make([]types.Subscription, 0, len(rows))
	for i := range rows {
		sub, err := rows[i].toSubscription()
		if err != nil {
			return nil, err
		}
		subs = append(subs, *sub)
	}
	return subs, nil
}

func (t *sqlTx) DeleteSubscription(ctx context.Context, tenantID, name string) error {
	res, err := t.tx.ExecContext(ctx, t.rebind(
		`DELETE FROM subscriptions WHERE tenant_id = ? AND name = ?`), tenantID, name)
	if err != nil {
		return fmt.Errorf("deleting subscription %s: %w", name, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting subscription %s: %w", name, err)
	}
	if affected == 0 {
		return types.ErrSubscriptionNotFound
	}
	return nil
}

// AdvanceSubscriptionCursor moves the watermark forward only. A run that
// observed nothing newer leaves the cursor where it was.
func (t *sqlTx) AdvanceSubscriptionCursor(ctx context.Context, subscriptionID int64, to time.Time) error {
	_, err := t.tx.ExecContext(ctx, t.rebind(
		`UPDATE subscriptions SET last_executed_time = ? WHERE id = ? AND last_executed_time < ?`),
		to.UTC(), subscriptionID, to.UTC())
	if err != nil {
		return fmt.Errorf("advancing cursor of subscription %d: %w", subscriptionID, err)
	}
	return nil
}

type namedQueryRow struct {
	ID         int64     `db:"id"`
	TenantID   string    `db:"tenant_id"`
	Name       string    `db:"name"`
	Parameters string    `db:"parameters"`
	CreatedAt  time.Time `db:"created_at"`
}

func (r *namedQueryRow) toNamedQuery() (*types.NamedQuery, error) {
	var params []types.QueryParam
	if err := json.Unmarshal([]byte(r.Parameters), &params); err != nil {
		return nil, fmt.Errorf("decoding parameters of query %s: %w", r.Name, err)
	}
	return &types.NamedQuery{
		ID:         r.ID,
		TenantID:   r.TenantID,
		Name:       r.Name,
		Parameters: params,
		CreatedAt:  r.CreatedAt,
	}, nil
}

func (t *sqlTx) SaveNamedQuery(ctx context.Context, q *types.NamedQuery) error {
	var existing int
	err := t.tx.GetContext(ctx, &existing, t.rebind(
		`SELECT COUNT(*) FROM named_queries WHERE tenant_id = ? AND name = ?`),
		q.TenantID, q.Name)
	if err != nil {
		return fmt.Errorf("checking query name: %w", err)
	}
	if existing > 0 {
		return types.ErrQueryExists
	}

	params, err := json.Marshal(q.Parameters)
	if err != nil {
		return fmt.Errorf("encoding parameters: %w", err)
	}
	if q.Parameters == nil {
		params = []byte("[]")
	}

	id, err := t.insertReturningID(ctx,
		`INSERT INTO named_queries (tenant_id, name, parameters, created_at) VALUES (?, ?, ?, ?)`,
		q.TenantID, q.Name, string(params), q.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("inserting query %s: %w", q.Name, err)
	}
	q.ID = id
	return nil
}

func (t *sqlTx) GetNamedQuery(ctx context.Context, tenantID, name string) (*types.NamedQuery, error) {
	var row namedQueryRow
	err := t.tx.GetContext(ctx, &row, t.rebind(
		`SELECT * FROM named_queries WHERE tenant_id = ? AND name = ?`), tenantID, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrQueryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading query %s: %w", name, err)
	}
	return row.toNamedQuery()
}

func (t *sqlTx) ListNamedQueries(ctx context.Context, tenantID string) ([]types.NamedQuery, error) {
	var rows []namedQueryRow
	err := t.tx.SelectContext(ctx, &rows, t.rebind(
		`SELECT * FROM named_queries WHERE tenant_id = ? ORDER BY name`), tenantID)
	if err != nil {
		return nil, fmt.Errorf("listing queries: %w", err)
	}
	queries := make([]types.NamedQuery, 0, len(rows))
	for i := range rows {
		q, err := rows[i].toNamedQuery()
		if err != nil {
			return nil, err
		}
		queries = append(queries, *q)
	}
	return queries, nil
}

func (t *sqlTx) DeleteNamedQuery(ctx context.Context, tenantID, name string) error {
	res, err := t.tx.ExecContext(ctx, t.rebind(
		`DELETE FROM named_queries WHERE tenant_id = ? AND name = ?`), tenantID, name)
	if err != nil {
		return fmt.Errorf("deleting query %s: %w", name, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting query %s: %w", name, err)
	}
	if affected == 0 {
		return types.ErrQueryNotFound
	}
	return nil
}
