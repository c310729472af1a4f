package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/trackvision/tv-epcis-repository/configs"
	"github.com/trackvision/tv-epcis-repository/types"
)

// insertReturningID runs an INSERT and returns the generated key. Postgres
// needs RETURNING; mysql reports it through LastInsertId.
func (t *sqlTx) insertReturningID(ctx context.Context, query string, args ...interface{}) (int64, error) {
	if t.provider == configs.ProviderPostgres {
		var id int64
		err := t.tx.QueryRowxContext(ctx, t.rebind(query+" RETURNING id"), args...).Scan(&id)
		return id, err
	}
	res, err := t.tx.ExecContext(ctx, t.rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// InsertCapture persists the whole aggregate. All child rows carry the
// parent keys assigned here; RecordTime is stamped onto every event from
// the capture so ordering within one capture is stable.
func (t *sqlTx) InsertCapture(ctx context.Context, capture *types.Capture) error {
	var sender, receiver, docID string
	var sbdhTime sql.NullTime
	if capture.SBDH != nil {
		sender = capture.SBDH.Sender
		receiver = capture.SBDH.Receiver
		docID = capture.SBDH.DocumentIdentifier
		if !capture.SBDH.CreationDateTime.IsZero() {
			sbdhTime = sql.NullTime{Time: capture.SBDH.CreationDateTime.UTC(), Valid: true}
		}
	}

	captureID, err := t.insertReturningID(ctx, `
		INSERT INTO captures (capture_id, tenant_id, schema_version, document_time, record_time,
		                      sender, receiver, document_identifier, sbdh_creation_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		capture.CaptureID, capture.TenantID, capture.SchemaVersion,
		capture.DocumentTime.UTC(), capture.RecordTime.UTC(),
		sender, receiver, docID, sbdhTime)
	if err != nil {
		return fmt.Errorf("inserting capture: %w", err)
	}
	capture.ID = captureID

	for i := range capture.Events {
		if err := t.insertEvent(ctx, capture, &capture.Events[i]); err != nil {
			return fmt.Errorf("inserting event %d: %w", i, err)
		}
	}

	for i := range capture.MasterData {
		if err := t.insertMasterData(ctx, capture, &capture.MasterData[i]); err != nil {
			return fmt.Errorf("inserting masterdata %d: %w", i, err)
		}
	}

	return nil
}

func (t *sqlTx) insertEvent(ctx context.Context, capture *types.Capture, ev *types.Event) error {
	ev.CaptureID = capture.ID
	ev.RecordTime = capture.RecordTime

	var declTime sql.NullTime
	if ev.CorrectiveDeclarationTime != nil {
		declTime = sql.NullTime{Time: ev.CorrectiveDeclarationTime.UTC(), Valid: true}
	}

	id, err := t.insertReturningID(ctx, `
		INSERT INTO epcis_events (capture_id, tenant_id, event_type, event_id, event_time,
		                          event_timezone_offset, record_time, action, biz_step, disposition,
		                          read_point, biz_location, transformation_id, certification_info,
		                          corrective_declaration_time, corrective_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		capture.ID, capture.TenantID, ev.Type, ev.EventID, ev.EventTime.UTC(),
		ev.EventTimeZoneOffset, ev.RecordTime.UTC(), ev.Action, ev.BizStep, ev.Disposition,
		ev.ReadPoint, ev.BizLocation, ev.TransformationID, ev.CertificationInfo,
		declTime, ev.CorrectiveReason)
	if err != nil {
		return err
	}
	ev.ID = id

	for seq, epc := range ev.Epcs {
		var qty sql.NullFloat64
		if epc.Quantity != nil {
			qty = sql.NullFloat64{Float64: *epc.Quantity, Valid: true}
		}
		if _, err := t.tx.ExecContext(ctx, t.rebind(
			`INSERT INTO event_epcs (event_id, seq, epc_type, epc, quantity, uom) VALUES (?, ?, ?, ?, ?, ?)`),
			id, seq, epc.Type, epc.ID, qty, epc.UnitOfMeasure); err != nil {
			return fmt.Errorf("epc %d: %w", seq, err)
		}
	}

	for seq, bt := range ev.Transactions {
		if _, err := t.tx.ExecContext(ctx, t.rebind(
			`INSERT INTO event_biz_transactions (event_id, seq, btt_type, btt_id) VALUES (?, ?, ?, ?)`),
			id, seq, bt.Type, bt.ID); err != nil {
			return fmt.Errorf("biz transaction %d: %w", seq, err)
		}
	}

	for seq, s := range ev.Sources {
		if _, err := t.tx.ExecContext(ctx, t.rebind(
			`INSERT INTO event_sources (event_id, seq, source_type, source_id) VALUES (?, ?, ?, ?)`),
			id, seq, s.Type, s.ID); err != nil {
			return fmt.Errorf("source %d: %w", seq, err)
		}
	}

	for seq, d := range ev.Destinations {
		if _, err := t.tx.ExecContext(ctx, t.rebind(
			`INSERT INTO event_destinations (event_id, seq, destination_type, destination_id) VALUES (?, ?, ?, ?)`),
			id, seq, d.Type, d.ID); err != nil {
			return fmt.Errorf("destination %d: %w", seq, err)
		}
	}

	for seq, pd := range ev.PersistentDispositions {
		if _, err := t.tx.ExecContext(ctx, t.rebind(
			`INSERT INTO event_persistent_dispositions (event_id, seq, pd_type, disposition) VALUES (?, ?, ?, ?)`),
			id, seq, pd.Type, pd.ID); err != nil {
			return fmt.Errorf("persistent disposition %d: %w", seq, err)
		}
	}

	for seq, ref := range ev.CorrectiveEventIDs {
		if _, err := t.tx.ExecContext(ctx, t.rebind(
			`INSERT INTO event_corrective_ids (event_id, seq, ref) VALUES (?, ?, ?)`),
			id, seq, ref); err != nil {
			return fmt.Errorf("corrective id %d: %w", seq, err)
		}
	}

	for _, se := range ev.SensorElements {
		var mt sql.NullTime
		if se.Time != nil {
			mt = sql.NullTime{Time: se.Time.UTC(), Valid: true}
		}
		if _, err := t.tx.ExecContext(ctx, t.rebind(
			`INSERT INTO event_sensor_elements (event_id, sensor_index, metadata_time, device_id, device_metadata, raw_data, biz_rules)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`),
			id, se.Index, mt, se.DeviceID, se.DeviceMetadata, se.RawData, se.BizRules); err != nil {
			return fmt.Errorf("sensor element %d: %w", se.Index, err)
		}

		for _, r := range se.Reports {
			var rt sql.NullTime
			if r.Time != nil {
				rt = sql.NullTime{Time: r.Time.UTC(), Valid: true}
			}
			nullFloat := func(v *float64) sql.NullFloat64 {
				if v == nil {
					return sql.NullFloat64{}
				}
				return sql.NullFloat64{Float64: *v, Valid: true}
			}
			var boolV sql.NullBool
			if r.BooleanValue != nil {
				boolV = sql.NullBool{Bool: *r.BooleanValue, Valid: true}
			}
			if _, err := t.tx.ExecContext(ctx, t.rebind(`
				INSERT INTO event_sensor_reports (event_id, sensor_index, report_index, report_type,
				    device_id, device_metadata, raw_data, data_processing_method, report_time,
				    microorganism, chemical_substance, value, string_value, boolean_value,
				    hex_binary_value, uri_value, min_value, max_value, mean_value, s_dev,
				    perc_rank, perc_value, uom, coordinate_reference_system)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
				id, r.SensorIndex, r.Index, r.Type, r.DeviceID, r.DeviceMetadata, r.RawData,
				r.DataProcessingMethod, rt, r.Microorganism, r.ChemicalSubstance,
				nullFloat(r.Value), r.StringValue, boolV, r.HexBinaryValue, r.URIValue,
				nullFloat(r.MinValue), nullFloat(r.MaxValue), nullFloat(r.MeanValue),
				nullFloat(r.SDev), nullFloat(r.PercRank), nullFloat(r.PercValue),
				r.UnitOfMeasure, r.CoordinateReferenceSystem); err != nil {
				return fmt.Errorf("sensor report %d/%d: %w", r.SensorIndex, r.Index, err)
			}
		}
	}

	for _, f := range ev.Fields {
		var text sql.NullString
		if f.TextValue != nil {
			text = sql.NullString{String: *f.TextValue, Valid: true}
		}
		var num sql.NullFloat64
		if f.NumericValue != nil {
			num = sql.NullFloat64{Float64: *f.NumericValue, Valid: true}
		}
		var date sql.NullTime
		if f.DateValue != nil {
			date = sql.NullTime{Time: f.DateValue.UTC(), Valid: true}
		}
		var parent, entity sql.NullInt64
		if f.ParentIndex != nil {
			parent = sql.NullInt64{Int64: int64(*f.ParentIndex), Valid: true}
		}
		if f.EntityIndex != nil {
			entity = sql.NullInt64{Int64: int64(*f.EntityIndex), Valid: true}
		}
		if _, err := t.tx.ExecContext(ctx, t.rebind(`
			INSERT INTO event_fields (event_id, field_type, namespace, name, text_value,
			    numeric_value, date_value, field_index, parent_index, entity_index)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			id, f.Type, f.Namespace, f.Name, text, num, date, f.Index, parent, entity); err != nil {
			return fmt.Errorf("field %d: %w", f.Index, err)
		}
	}

	return nil
}

func (t *sqlTx) insertMasterData(ctx context.Context, capture *types.Capture, md *types.MasterData) error {
	md.CaptureID = capture.ID

	id, err := t.insertReturningID(ctx,
		`INSERT INTO master_data (capture_id, tenant_id, vocab_type, uri) VALUES (?, ?, ?, ?)`,
		capture.ID, capture.TenantID, md.Type, md.URI)
	if err != nil {
		return err
	}
	md.ID = id

	for _, attr := range md.Attributes {
		if _, err := t.tx.ExecContext(ctx, t.rebind(
			`INSERT INTO master_data_attributes (master_data_id, attr_name, attr_value) VALUES (?, ?, ?)`),
			id, attr.Name, attr.Value); err != nil {
			return fmt.Errorf("attribute %s: %w", attr.Name, err)
		}
	}

	for _, child := range md.Children {
		if _, err := t.tx.ExecContext(ctx, t.rebind(
			`INSERT INTO master_data_children (master_data_id, child_uri) VALUES (?, ?)`),
			id, child); err != nil {
			return fmt.Errorf("child %s: %w", child, err)
		}
	}

	return nil
}
