package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/trackvision/tv-epcis-repository/types"
)

// EventIDsMatching runs phase 1 of two-phase retrieval: only primary keys
// are projected, with just enough child joins (via EXISTS) to express each
// predicate.
func (t *sqlTx) EventIDsMatching(ctx context.Context, preds []Predicate, order Order, limit Limit) ([]int64, error) {
	conds, args, err := buildWhere(preds)
	if err != nil {
		return nil, err
	}

	orderBy, err := orderClause(order)
	if err != nil {
		return nil, err
	}

	query := "SELECT e.id FROM epcis_events e"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " " + orderBy

	if limit.Max > 0 {
		query += " LIMIT ?"
		args = append(args, limit.Max)
	}
	if limit.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, limit.Offset)
	}

	var ids []int64
	if err := t.tx.SelectContext(ctx, &ids, t.rebind(query), args...); err != nil {
		return nil, fmt.Errorf("selecting event ids: %w", err)
	}
	return ids, nil
}

// CountEventsMatching counts matches for the chain without limit or cursor
// predicates; callers strip those before calling.
func (t *sqlTx) CountEventsMatching(ctx context.Context, preds []Predicate) (int64, error) {
	conds, args, err := buildWhere(preds)
	if err != nil {
		return 0, err
	}

	query := "SELECT COUNT(*) FROM epcis_events e"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}

	var count int64
	if err := t.tx.GetContext(ctx, &count, t.rebind(query), args...); err != nil {
		return 0, fmt.Errorf("counting events: %w", err)
	}
	return count, nil
}

// HydrateEvents runs phase 2: full aggregates for exactly the given ids.
// Result order preserves the id order from phase 1 via an id -> position
// map; a linear indexOf per row would be quadratic with large pages.
func (t *sqlTx) HydrateEvents(ctx context.Context, ids []int64) ([]types.Event, error) {
	if len(ids) == 0 {
		return []types.Event{}, nil
	}

	position := make(map[int64]int, len(ids))
	for i, id := range ids {
		position[id] = i
	}

	events := make([]types.Event, len(ids))

	rows, err := t.selectIn(ctx, `
		SELECT id, capture_id, event_type, event_id, event_time, event_timezone_offset,
		       record_time, action, biz_step, disposition, read_point, biz_location,
		       transformation_id, certification_info, corrective_declaration_time, corrective_reason
		FROM epcis_events WHERE id IN (?)`, ids)
	if err != nil {
		return nil, fmt.Errorf("hydrating events: %w", err)
	}
	defer rows.Close()

	found := 0
	for rows.Next() {
		var ev types.Event
		var declTime sql.NullTime
		if err := rows.Scan(&ev.ID, &ev.CaptureID, &ev.Type, &ev.EventID, &ev.EventTime,
			&ev.EventTimeZoneOffset, &ev.RecordTime, &ev.Action, &ev.BizStep, &ev.Disposition,
			&ev.ReadPoint, &ev.BizLocation, &ev.TransformationID, &ev.CertificationInfo,
			&declTime, &ev.CorrectiveReason); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		if declTime.Valid {
			t := declTime.Time
			ev.CorrectiveDeclarationTime = &t
		}
		pos, ok := position[ev.ID]
		if !ok {
			continue
		}
		events[pos] = ev
		found++
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if found < len(ids) {
		// Ids came from phase 1 inside the same transaction; a gap means a
		// caller bug, not a race.
		compact := make([]types.Event, 0, found)
		for _, ev := range events {
			if ev.ID != 0 {
				compact = append(compact, ev)
			}
		}
		events = compact
		position = make(map[int64]int, len(events))
		for i, ev := range events {
			position[ev.ID] = i
		}
	}

	if err := t.loadEventChildren(ctx, ids, events, position); err != nil {
		return nil, err
	}
	return events, nil
}

func (t *sqlTx) loadEventChildren(ctx context.Context, ids []int64, events []types.Event, position map[int64]int) error {
	// EPCs
	if err := t.eachIn(ctx, `SELECT event_id, epc_type, epc, quantity, uom FROM event_epcs WHERE event_id IN (?) ORDER BY event_id, seq`, ids,
		func(rows *sqlx.Rows) error {
			var eventID int64
			var epc types.Epc
			var qty sql.NullFloat64
			if err := rows.Scan(&eventID, &epc.Type, &epc.ID, &qty, &epc.UnitOfMeasure); err != nil {
				return err
			}
			if qty.Valid {
				v := qty.Float64
				epc.Quantity = &v
			}
			if pos, ok := position[eventID]; ok {
				events[pos].Epcs = append(events[pos].Epcs, epc)
			}
			return nil
		}); err != nil {
		return fmt.Errorf("loading epcs: %w", err)
	}

	// Business transactions
	if err := t.eachIn(ctx, `SELECT event_id, btt_type, btt_id FROM event_biz_transactions WHERE event_id IN (?) ORDER BY event_id, seq`, ids,
		func(rows *sqlx.Rows) error {
			var eventID int64
			var bt types.BusinessTransaction
			if err := rows.Scan(&eventID, &bt.Type, &bt.ID); err != nil {
				return err
			}
			if pos, ok := position[eventID]; ok {
				events[pos].Transactions = append(events[pos].Transactions, bt)
			}
			return nil
		}); err != nil {
		return fmt.Errorf("loading biz transactions: %w", err)
	}

	// Sources
	if err := t.eachIn(ctx, `SELECT event_id, source_type, source_id FROM event_sources WHERE event_id IN (?) ORDER BY event_id, seq`, ids,
		func(rows *sqlx.Rows) error {
			var eventID int64
			var s types.Source
			if err := rows.Scan(&eventID, &s.Type, &s.ID); err != nil {
				return err
			}
			if pos, ok := position[eventID]; ok {
				events[pos].Sources = append(events[pos].Sources, s)
			}
			return nil
		}); err != nil {
		return fmt.Errorf("loading sources: %w", err)
	}

	// Destinations
	if err := t.eachIn(ctx, `SELECT event_id, destination_type, destination_id FROM event_destinations WHERE event_id IN (?) ORDER BY event_id, seq`, ids,
		func(rows *sqlx.Rows) error {
			var eventID int64
			var d types.Destination
			if err := rows.Scan(&eventID, &d.Type, &d.ID); err != nil {
				return err
			}
			if pos, ok := position[eventID]; ok {
				events[pos].Destinations = append(events[pos].Destinations, d)
			}
			return nil
		}); err != nil {
		return fmt.Errorf("loading destinations: %w", err)
	}

	// Persistent dispositions
	if err := t.eachIn(ctx, `SELECT event_id, pd_type, disposition FROM event_persistent_dispositions WHERE event_id IN (?) ORDER BY event_id, seq`, ids,
		func(rows *sqlx.Rows) error {
			var eventID int64
			var pd types.PersistentDisposition
			if err := rows.Scan(&eventID, &pd.Type, &pd.ID); err != nil {
				return err
			}
			if pos, ok := position[eventID]; ok {
				events[pos].PersistentDispositions = append(events[pos].PersistentDispositions, pd)
			}
			return nil
		}); err != nil {
		return fmt.Errorf("loading persistent dispositions: %w", err)
	}

	// Corrective event references
	if err := t.eachIn(ctx, `SELECT event_id, ref FROM event_corrective_ids WHERE event_id IN (?) ORDER BY event_id, seq`, ids,
		func(rows *sqlx.Rows) error {
			var eventID int64
			var ref string
			if err := rows.Scan(&eventID, &ref); err != nil {
				return err
			}
			if pos, ok := position[eventID]; ok {
				events[pos].CorrectiveEventIDs = append(events[pos].CorrectiveEventIDs, ref)
			}
			return nil
		}); err != nil {
		return fmt.Errorf("loading corrective ids: %w", err)
	}

	// Sensor elements, then their reports keyed by (event, sensor_index)
	type elemKey struct {
		eventID int64
		index   int
	}
	elemPos := make(map[elemKey]int)
	if err := t.eachIn(ctx, `SELECT event_id, sensor_index, metadata_time, device_id, device_metadata, raw_data, biz_rules FROM event_sensor_elements WHERE event_id IN (?) ORDER BY event_id, sensor_index`, ids,
		func(rows *sqlx.Rows) error {
			var eventID int64
			var se types.SensorElement
			var mt sql.NullTime
			if err := rows.Scan(&eventID, &se.Index, &mt, &se.DeviceID, &se.DeviceMetadata, &se.RawData, &se.BizRules); err != nil {
				return err
			}
			if mt.Valid {
				v := mt.Time
				se.Time = &v
			}
			if pos, ok := position[eventID]; ok {
				elemPos[elemKey{eventID, se.Index}] = len(events[pos].SensorElements)
				events[pos].SensorElements = append(events[pos].SensorElements, se)
			}
			return nil
		}); err != nil {
		return fmt.Errorf("loading sensor elements: %w", err)
	}

	if err := t.eachIn(ctx, `
		SELECT event_id, sensor_index, report_index, report_type, device_id, device_metadata,
		       raw_data, data_processing_method, report_time, microorganism, chemical_substance,
		       value, string_value, boolean_value, hex_binary_value, uri_value, min_value,
		       max_value, mean_value, s_dev, perc_rank, perc_value, uom, coordinate_reference_system
		FROM event_sensor_reports WHERE event_id IN (?) ORDER BY event_id, sensor_index, report_index`, ids,
		func(rows *sqlx.Rows) error {
			var eventID int64
			var r types.SensorReport
			var rt sql.NullTime
			var value, minV, maxV, meanV, sDev, percRank, percValue sql.NullFloat64
			var boolV sql.NullBool
			if err := rows.Scan(&eventID, &r.SensorIndex, &r.Index, &r.Type, &r.DeviceID,
				&r.DeviceMetadata, &r.RawData, &r.DataProcessingMethod, &rt, &r.Microorganism,
				&r.ChemicalSubstance, &value, &r.StringValue, &boolV, &r.HexBinaryValue,
				&r.URIValue, &minV, &maxV, &meanV, &sDev, &percRank, &percValue,
				&r.UnitOfMeasure, &r.CoordinateReferenceSystem); err != nil {
				return err
			}
			if rt.Valid {
				v := rt.Time
				r.Time = &v
			}
			assignFloat := func(n sql.NullFloat64, dst **float64) {
				if n.Valid {
					v := n.Float64
					*dst = &v
				}
			}
			assignFloat(value, &r.Value)
			assignFloat(minV, &r.MinValue)
			assignFloat(maxV, &r.MaxValue)
			assignFloat(meanV, &r.MeanValue)
			assignFloat(sDev, &r.SDev)
			assignFloat(percRank, &r.PercRank)
			assignFloat(percValue, &r.PercValue)
			if boolV.Valid {
				v := boolV.Bool
				r.BooleanValue = &v
			}
			pos, ok := position[eventID]
			if !ok {
				return nil
			}
			if ep, ok := elemPos[elemKey{eventID, r.SensorIndex}]; ok {
				se := &events[pos].SensorElements[ep]
				se.Reports = append(se.Reports, r)
			}
			return nil
		}); err != nil {
		return fmt.Errorf("loading sensor reports: %w", err)
	}

	// Flattened extension fields, in DFS (index) order
	if err := t.eachIn(ctx, `
		SELECT event_id, field_type, namespace, name, text_value, numeric_value, date_value,
		       field_index, parent_index, entity_index
		FROM event_fields WHERE event_id IN (?) ORDER BY event_id, field_index`, ids,
		func(rows *sqlx.Rows) error {
			var eventID int64
			var f types.Field
			var text sql.NullString
			var num sql.NullFloat64
			var date sql.NullTime
			var parent, entity sql.NullInt64
			if err := rows.Scan(&eventID, &f.Type, &f.Namespace, &f.Name, &text, &num, &date,
				&f.Index, &parent, &entity); err != nil {
				return err
			}
			if text.Valid {
				v := text.String
				f.TextValue = &v
			}
			if num.Valid {
				v := num.Float64
				f.NumericValue = &v
			}
			if date.Valid {
				v := date.Time
				f.DateValue = &v
			}
			if parent.Valid {
				v := int(parent.Int64)
				f.ParentIndex = &v
			}
			if entity.Valid {
				v := int(entity.Int64)
				f.EntityIndex = &v
			}
			if pos, ok := position[eventID]; ok {
				events[pos].Fields = append(events[pos].Fields, f)
			}
			return nil
		}); err != nil {
		return fmt.Errorf("loading fields: %w", err)
	}

	return nil
}

// selectIn expands an IN (?) query with sqlx.In and rebinds for the engine.
func (t *sqlTx) selectIn(ctx context.Context, query string, ids []int64) (*sqlx.Rows, error) {
	q, args, err := sqlx.In(query, ids)
	if err != nil {
		return nil, err
	}
	return t.tx.QueryxContext(ctx, t.rebind(q), args...)
}

// eachIn runs an IN (?) query and applies scan to every row.
func (t *sqlTx) eachIn(ctx context.Context, query string, ids []int64, scan func(*sqlx.Rows) error) error {
	rows, err := t.selectIn(ctx, query, ids)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := scan(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

// GetCapture loads a capture header, its events (hydrated) and masterdata.
func (t *sqlTx) GetCapture(ctx context.Context, tenantID, captureID string) (*types.Capture, error) {
	var c types.Capture
	var sender, receiver, docID string
	var sbdhTime sql.NullTime
	err := t.tx.QueryRowxContext(ctx, t.rebind(`
		SELECT id, capture_id, tenant_id, schema_version, document_time, record_time,
		       sender, receiver, document_identifier, sbdh_creation_time
		FROM captures WHERE tenant_id = ? AND capture_id = ?`), tenantID, captureID).
		Scan(&c.ID, &c.CaptureID, &c.TenantID, &c.SchemaVersion, &c.DocumentTime, &c.RecordTime,
			&sender, &receiver, &docID, &sbdhTime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrCaptureNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading capture: %w", err)
	}
	if sender != "" || receiver != "" || docID != "" {
		c.SBDH = &types.StandardBusinessHeader{
			Sender:             sender,
			Receiver:           receiver,
			DocumentIdentifier: docID,
		}
		if sbdhTime.Valid {
			c.SBDH.CreationDateTime = sbdhTime.Time
		}
	}

	var ids []int64
	if err := t.tx.SelectContext(ctx, &ids, t.rebind(
		`SELECT id FROM epcis_events WHERE capture_id = ? ORDER BY id`), c.ID); err != nil {
		return nil, fmt.Errorf("listing capture events: %w", err)
	}
	events, err := t.HydrateEvents(ctx, ids)
	if err != nil {
		return nil, err
	}
	c.Events = events

	md, err := t.loadMasterData(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	c.MasterData = md

	return &c, nil
}

// ListCaptures returns capture headers for a tenant, newest first.
func (t *sqlTx) ListCaptures(ctx context.Context, tenantID string, limit, offset int) ([]types.Capture, error) {
	rows, err := t.tx.QueryxContext(ctx, t.rebind(`
		SELECT id, capture_id, tenant_id, schema_version, document_time, record_time
		FROM captures WHERE tenant_id = ? ORDER BY record_time DESC, id DESC LIMIT ? OFFSET ?`),
		tenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing captures: %w", err)
	}
	defer rows.Close()

	captures := make([]types.Capture, 0, limit)
	for rows.Next() {
		var c types.Capture
		if err := rows.Scan(&c.ID, &c.CaptureID, &c.TenantID, &c.SchemaVersion,
			&c.DocumentTime, &c.RecordTime); err != nil {
			return nil, err
		}
		captures = append(captures, c)
	}
	return captures, rows.Err()
}

var discoveryColumns = map[string]string{
	"eventType":   "event_type",
	"bizStep":     "biz_step",
	"disposition": "disposition",
	"readPoint":   "read_point",
	"bizLocation": "biz_location",
}

// DistinctEventValues backs the discovery endpoints.
func (t *sqlTx) DistinctEventValues(ctx context.Context, tenantID, dimension string, limit int) ([]string, error) {
	var query string
	if dimension == "epc" {
		query = `SELECT DISTINCT p.epc FROM event_epcs p
			JOIN epcis_events e ON e.id = p.event_id
			WHERE e.tenant_id = ? ORDER BY p.epc LIMIT ?`
	} else {
		col, ok := discoveryColumns[dimension]
		if !ok {
			return nil, fmt.Errorf("unknown discovery dimension %q", dimension)
		}
		query = fmt.Sprintf(`SELECT DISTINCT %s FROM epcis_events e
			WHERE e.tenant_id = ? AND %s <> '' ORDER BY %s LIMIT ?`, col, col, col)
	}

	var values []string
	if err := t.tx.SelectContext(ctx, &values, t.rebind(query), tenantID, limit); err != nil {
		return nil, fmt.Errorf("listing distinct %s: %w", dimension, err)
	}
	return values, nil
}

// DescendantURIs walks masterdata child references breadth-first from uri.
// Vocabularies are shallow (spec caps ownership recursion at three levels)
// so the per-level query loop stays small.
func (t *sqlTx) DescendantURIs(ctx context.Context, tenantID, uri string) ([]string, error) {
	seen := map[string]bool{uri: true}
	result := []string{uri}
	frontier := []string{uri}

	for len(frontier) > 0 {
		q, args, err := sqlx.In(`
			SELECT DISTINCT c.child_uri FROM master_data_children c
			JOIN master_data m ON m.id = c.master_data_id
			WHERE m.tenant_id = ? AND m.uri IN (?)`, tenantID, frontier)
		if err != nil {
			return nil, err
		}
		var children []string
		if err := t.tx.SelectContext(ctx, &children, t.rebind(q), args...); err != nil {
			return nil, fmt.Errorf("expanding descendants of %s: %w", uri, err)
		}

		frontier = frontier[:0]
		for _, child := range children {
			if !seen[child] {
				seen[child] = true
				result = append(result, child)
				frontier = append(frontier, child)
			}
		}
	}

	return result, nil
}

func (t *sqlTx) loadMasterData(ctx context.Context, captureID int64) ([]types.MasterData, error) {
	rows, err := t.tx.QueryxContext(ctx, t.rebind(
		`SELECT id, capture_id, vocab_type, uri FROM master_data WHERE capture_id = ? ORDER BY id`), captureID)
	if err != nil {
		return nil, fmt.Errorf("loading masterdata: %w", err)
	}
	defer rows.Close()

	var entries []types.MasterData
	pos := make(map[int64]int)
	for rows.Next() {
		var m types.MasterData
		if err := rows.Scan(&m.ID, &m.CaptureID, &m.Type, &m.URI); err != nil {
			return nil, err
		}
		pos[m.ID] = len(entries)
		entries = append(entries, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}

	mdIDs := make([]int64, 0, len(entries))
	for _, m := range entries {
		mdIDs = append(mdIDs, m.ID)
	}

	if err := t.eachIn(ctx, `SELECT master_data_id, attr_name, attr_value FROM master_data_attributes WHERE master_data_id IN (?)`, mdIDs,
		func(rows *sqlx.Rows) error {
			var id int64
			var attr types.MasterDataAttribute
			if err := rows.Scan(&id, &attr.Name, &attr.Value); err != nil {
				return err
			}
			if p, ok := pos[id]; ok {
				entries[p].Attributes = append(entries[p].Attributes, attr)
			}
			return nil
		}); err != nil {
		return nil, fmt.Errorf("loading masterdata attributes: %w", err)
	}

	if err := t.eachIn(ctx, `SELECT master_data_id, child_uri FROM master_data_children WHERE master_data_id IN (?)`, mdIDs,
		func(rows *sqlx.Rows) error {
			var id int64
			var child string
			if err := rows.Scan(&id, &child); err != nil {
				return err
			}
			if p, ok := pos[id]; ok {
				entries[p].Children = append(entries[p].Children, child)
			}
			return nil
		}); err != nil {
		return nil, fmt.Errorf("loading masterdata children: %w", err)
	}

	return entries, nil
}
