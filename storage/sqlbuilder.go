package storage

import (
	"fmt"
	"strings"

	"github.com/trackvision/tv-epcis-repository/gs1"
	"github.com/trackvision/tv-epcis-repository/types"
)

// Column mappings from EPCIS field names to epcis_events columns. The query
// engine only ever hands over names present here; anything else is a
// programming error and fails the build.
var scalarColumns = map[string]string{
	"action":            "action",
	"bizStep":           "biz_step",
	"disposition":       "disposition",
	"readPoint":         "read_point",
	"bizLocation":       "biz_location",
	"transformationID":  "transformation_id",
	"certificationInfo": "certification_info",
	"eventID":           "event_id",
	"correctiveReason":  "corrective_reason",
}

var timeColumns = map[string]string{
	"eventTime":                 "event_time",
	"recordTime":                "record_time",
	"correctiveDeclarationTime": "corrective_declaration_time",
}

var sensorColumns = map[string]string{
	"type":                      "report_type",
	"deviceID":                  "device_id",
	"deviceMetadata":            "device_metadata",
	"rawData":                   "raw_data",
	"dataProcessingMethod":      "data_processing_method",
	"time":                      "report_time",
	"microorganism":             "microorganism",
	"chemicalSubstance":         "chemical_substance",
	"value":                     "value",
	"stringValue":               "string_value",
	"hexBinaryValue":            "hex_binary_value",
	"uriValue":                  "uri_value",
	"minValue":                  "min_value",
	"maxValue":                  "max_value",
	"meanValue":                 "mean_value",
	"sDev":                      "s_dev",
	"percRank":                  "perc_rank",
	"percValue":                 "perc_value",
	"uom":                       "uom",
	"coordinateReferenceSystem": "coordinate_reference_system",
}

// likeEscape escapes LIKE metacharacters with "!" so prefix patterns stay
// literal across engines (both engines accept ESCAPE '!').
func likeEscape(s string) string {
	r := strings.NewReplacer("!", "!!", "%", "!%", "_", "!_")
	return r.Replace(s)
}

// buildWhere translates a predicate chain into SQL conjunctions over the
// "e" (epcis_events) alias, with "?" placeholders.
func buildWhere(preds []Predicate) ([]string, []interface{}, error) {
	conds := make([]string, 0, len(preds)+1)
	args := make([]interface{}, 0, len(preds)*2)

	for _, p := range preds {
		switch pred := p.(type) {
		case TenantIs:
			conds = append(conds, "e.tenant_id = ?")
			args = append(args, pred.Tenant)

		case EventTypeIn:
			placeholders := make([]string, len(pred.Types))
			for i, t := range pred.Types {
				placeholders[i] = "?"
				args = append(args, string(t))
			}
			conds = append(conds, fmt.Sprintf("e.event_type IN (%s)", strings.Join(placeholders, ", ")))

		case ScalarEq:
			col, ok := scalarColumns[pred.Field]
			if !ok {
				return nil, nil, fmt.Errorf("no column for scalar field %q", pred.Field)
			}
			placeholders := make([]string, len(pred.Values))
			for i, v := range pred.Values {
				placeholders[i] = "?"
				args = append(args, v)
			}
			conds = append(conds, fmt.Sprintf("e.%s IN (%s)", col, strings.Join(placeholders, ", ")))

		case ScalarExists:
			if col, ok := scalarColumns[pred.Field]; ok {
				conds = append(conds, fmt.Sprintf("e.%s <> ''", col))
			} else if col, ok := timeColumns[pred.Field]; ok {
				conds = append(conds, fmt.Sprintf("e.%s IS NOT NULL", col))
			} else {
				return nil, nil, fmt.Errorf("no column for exists field %q", pred.Field)
			}

		case TimeCmp:
			col, ok := timeColumns[pred.Field]
			if !ok {
				return nil, nil, fmt.Errorf("no column for time field %q", pred.Field)
			}
			conds = append(conds, fmt.Sprintf("e.%s %s ?", col, pred.Op))
			args = append(args, pred.Value.UTC())

		case MatchEpc:
			typePlaceholders := make([]string, len(pred.EpcTypes))
			typeArgs := make([]interface{}, len(pred.EpcTypes))
			for i, t := range pred.EpcTypes {
				typePlaceholders[i] = "?"
				typeArgs[i] = string(t)
			}
			patternConds := make([]string, 0, len(pred.Patterns))
			patternArgs := make([]interface{}, 0, len(pred.Patterns))
			for _, pat := range pred.Patterns {
				prefix, isPrefix := gs1.PatternToSQLPrefix(pat)
				if isPrefix {
					patternConds = append(patternConds, "p.epc LIKE ? ESCAPE '!'")
					patternArgs = append(patternArgs, likeEscape(prefix)+"%")
				} else {
					patternConds = append(patternConds, "p.epc = ?")
					patternArgs = append(patternArgs, pat)
				}
			}
			conds = append(conds, fmt.Sprintf(
				"EXISTS (SELECT 1 FROM event_epcs p WHERE p.event_id = e.id AND p.epc_type IN (%s) AND (%s))",
				strings.Join(typePlaceholders, ", "), strings.Join(patternConds, " OR ")))
			args = append(args, typeArgs...)
			args = append(args, patternArgs...)

		case LocationIn:
			col := "read_point"
			if pred.Field == "bizLocation" {
				col = "biz_location"
			}
			placeholders := make([]string, len(pred.URIs))
			for i, u := range pred.URIs {
				placeholders[i] = "?"
				args = append(args, u)
			}
			conds = append(conds, fmt.Sprintf("e.%s IN (%s)", col, strings.Join(placeholders, ", ")))

		case FieldExists:
			cond, condArgs := fieldMatchClause(pred.FieldTypes, pred.Namespace, pred.Name)
			conds = append(conds, fmt.Sprintf("EXISTS (SELECT 1 FROM event_fields f WHERE f.event_id = e.id AND %s)", cond))
			args = append(args, condArgs...)

		case FieldCmp:
			cond, condArgs := fieldMatchClause(pred.FieldTypes, pred.Namespace, pred.Name)
			var valueCond string
			switch pred.Slot {
			case SlotText:
				valueCond = fmt.Sprintf("f.text_value %s ?", pred.Op)
				condArgs = append(condArgs, pred.Text)
			case SlotNumeric:
				valueCond = fmt.Sprintf("f.numeric_value %s ?", pred.Op)
				condArgs = append(condArgs, pred.Number)
			case SlotDate:
				valueCond = fmt.Sprintf("f.date_value %s ?", pred.Op)
				condArgs = append(condArgs, pred.Date.UTC())
			default:
				return nil, nil, fmt.Errorf("unknown field slot %q", pred.Slot)
			}
			conds = append(conds, fmt.Sprintf(
				"EXISTS (SELECT 1 FROM event_fields f WHERE f.event_id = e.id AND %s AND %s)", cond, valueCond))
			args = append(args, condArgs...)

		case SensorReportWith:
			// Conjunction binds within a single report: one EXISTS with all
			// conditions on the same row, never independent ANDs per event.
			reportConds := make([]string, 0, len(pred.Conds))
			for _, c := range pred.Conds {
				col, ok := sensorColumns[c.Attr]
				if !ok {
					return nil, nil, fmt.Errorf("no column for sensor attribute %q", c.Attr)
				}
				reportConds = append(reportConds, fmt.Sprintf("r.%s %s ?", col, c.Op))
				switch c.Slot {
				case SlotNumeric:
					args = append(args, c.Number)
				case SlotDate:
					args = append(args, c.Time.UTC())
				default:
					args = append(args, c.Text)
				}
			}
			conds = append(conds, fmt.Sprintf(
				"EXISTS (SELECT 1 FROM event_sensor_reports r WHERE r.event_id = e.id AND %s)",
				strings.Join(reportConds, " AND ")))

		case MasterDataAttr:
			col := "read_point"
			if pred.LocationField == "bizLocation" {
				col = "biz_location"
			}
			sub := fmt.Sprintf(
				"EXISTS (SELECT 1 FROM master_data m JOIN master_data_attributes a ON a.master_data_id = m.id "+
					"WHERE m.tenant_id = e.tenant_id AND m.uri = e.%s AND a.attr_name = ?", col)
			args = append(args, pred.AttrName)
			if len(pred.Values) > 0 {
				placeholders := make([]string, len(pred.Values))
				for i, v := range pred.Values {
					placeholders[i] = "?"
					args = append(args, v)
				}
				sub += fmt.Sprintf(" AND a.attr_value IN (%s)", strings.Join(placeholders, ", "))
			}
			conds = append(conds, sub+")")

		case CursorAfter:
			col, ok := timeColumns[pred.Order.Key]
			if !ok {
				return nil, nil, fmt.Errorf("no column for order key %q", pred.Order.Key)
			}
			cmp, tie := ">", ">"
			if pred.Order.Desc {
				cmp, tie = "<", "<"
			}
			conds = append(conds, fmt.Sprintf("(e.%s %s ? OR (e.%s = ? AND e.id %s ?))", col, cmp, col, tie))
			args = append(args, pred.OrderValue.UTC(), pred.OrderValue.UTC(), pred.ID)

		default:
			return nil, nil, fmt.Errorf("unknown predicate type %T", p)
		}
	}

	return conds, args, nil
}

// fieldMatchClause builds the namespace/name/type condition over the "f"
// alias shared by FieldExists and FieldCmp.
func fieldMatchClause(fieldTypes []types.FieldType, namespace, name string) (string, []interface{}) {
	parts := []string{"f.namespace = ?", "f.name = ?"}
	args := []interface{}{namespace, name}
	if len(fieldTypes) > 0 {
		placeholders := make([]string, len(fieldTypes))
		for i, t := range fieldTypes {
			placeholders[i] = "?"
			args = append(args, string(t))
		}
		parts = append(parts, fmt.Sprintf("f.field_type IN (%s)", strings.Join(placeholders, ", ")))
	}
	return strings.Join(parts, " AND "), args
}

// orderClause renders the deterministic ORDER BY: primary key from Order,
// persisted id as tiebreaker in the same direction.
func orderClause(order Order) (string, error) {
	col, ok := timeColumns[order.Key]
	if !ok {
		return "", fmt.Errorf("no column for order key %q", order.Key)
	}
	dir := "ASC"
	if order.Desc {
		dir = "DESC"
	}
	return fmt.Sprintf("ORDER BY e.%s %s, e.id %s", col, dir, dir), nil
}
