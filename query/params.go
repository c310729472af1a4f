// Package query converts the closed EPCIS parameter grammar into predicate
// chains, enforces tenant scoping and result caps, and runs two-phase
// retrieval against storage.
package query

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/trackvision/tv-epcis-repository/gs1"
	"github.com/trackvision/tv-epcis-repository/storage"
	"github.com/trackvision/tv-epcis-repository/types"
)

// Parsed is a parameter list lowered to predicates, ordering and caps.
// Descendant expansion (WD_*) and cursor decoding still need storage, so
// they stay symbolic until execution.
type Parsed struct {
	Preds       []storage.Predicate
	SensorConds []storage.SensorCond
	Descendants []DescendantParam
	Order       storage.Order

	EventCountLimit int // fail when exceeded; 0 = unset
	MaxEventCount   int // truncate silently; 0 = unset
	PerPage         int
	PageToken       string
}

// DescendantParam is a WD_readPoint / WD_bizLocation parameter awaiting
// masterdata expansion.
type DescendantParam struct {
	Field string // "readPoint" or "bizLocation"
	URIs  []string
}

var eventTypeNames = map[string]types.EventType{
	"ObjectEvent":         types.ObjectEvent,
	"AggregationEvent":    types.AggregationEvent,
	"TransactionEvent":    types.TransactionEvent,
	"TransformationEvent": types.TransformationEvent,
	"QuantityEvent":       types.QuantityEvent,
}

// scalarFields are event columns reachable by EQ_<name>.
var scalarFields = map[string]bool{
	"action": true, "bizStep": true, "disposition": true, "readPoint": true,
	"bizLocation": true, "transformationID": true, "certificationInfo": true,
	"eventID": true, "correctiveReason": true,
}

// timeFields are event columns reachable by GE_/GT_/LE_/LT_<name>.
var timeFields = map[string]string{
	"eventTime":            "eventTime",
	"recordTime":           "recordTime",
	"errorDeclarationTime": "correctiveDeclarationTime",
}

// sensorStringFields take EQ_ against a report's text attributes.
var sensorStringFields = map[string]bool{
	"type": true, "deviceID": true, "deviceMetadata": true, "rawData": true,
	"dataProcessingMethod": true, "microorganism": true, "chemicalSubstance": true,
	"stringValue": true, "hexBinaryValue": true, "uriValue": true, "uom": true,
	"coordinateReferenceSystem": true,
}

// sensorNumericFields take EQ_/GE_/GT_/LE_/LT_ against a report's numeric
// attributes.
var sensorNumericFields = map[string]bool{
	"value": true, "minValue": true, "maxValue": true, "meanValue": true,
	"sDev": true, "percRank": true, "percValue": true,
}

var matchFields = map[string][]types.EpcType{
	"epc":         {types.EpcList, types.EpcChild},
	"parentID":    {types.EpcParent},
	"inputEPC":    {types.EpcInput},
	"outputEPC":   {types.EpcOutput},
	"anyEPC":      {types.EpcList, types.EpcChild, types.EpcParent, types.EpcInput, types.EpcOutput},
	"epcClass":    {types.EpcQuantity},
	"anyEPCClass": {types.EpcQuantity},
}

var cmpOps = map[string]storage.CmpOp{
	"EQ": storage.OpEq,
	"GE": storage.OpGe,
	"GT": storage.OpGt,
	"LE": storage.OpLe,
	"LT": storage.OpLt,
}

func unsupported(name string) error {
	return &types.ParameterError{Kind: types.ErrUnsupportedParameter, Parameter: name}
}

func invalid(name, detail string) error {
	return &types.ParameterError{Kind: types.ErrInvalidParameterValue, Parameter: name, Detail: detail}
}

// ParseParams lowers a parameter list. Unknown names fail, as do malformed
// values for known names. Sensor conditions accumulate so they can bind
// within a single report downstream.
func ParseParams(params []types.QueryParam) (*Parsed, error) {
	p := &Parsed{Order: storage.Order{Key: "eventTime"}}
	orderDirection := ""

	for _, param := range params {
		name := param.Name
		values := param.Values
		switch {
		case name == "eventType":
			eventTypes := make([]types.EventType, 0, len(values))
			for _, v := range values {
				et, ok := eventTypeNames[v]
				if !ok {
					return nil, invalid(name, fmt.Sprintf("unknown event type %q", v))
				}
				eventTypes = append(eventTypes, et)
			}
			if len(eventTypes) == 0 {
				return nil, invalid(name, "needs at least one value")
			}
			p.Preds = append(p.Preds, storage.EventTypeIn{Types: eventTypes})

		case name == "orderBy":
			v := single(values)
			if v != "eventTime" && v != "recordTime" {
				return nil, invalid(name, "must be eventTime or recordTime")
			}
			p.Order.Key = v

		case name == "orderDirection":
			v := strings.ToLower(single(values))
			if v != "asc" && v != "desc" {
				return nil, invalid(name, "must be asc or desc")
			}
			orderDirection = v

		case name == "eventCountLimit":
			n, err := positiveInt(single(values))
			if err != nil {
				return nil, invalid(name, err.Error())
			}
			p.EventCountLimit = n

		case name == "maxEventCount":
			n, err := positiveInt(single(values))
			if err != nil {
				return nil, invalid(name, err.Error())
			}
			p.MaxEventCount = n

		case name == "perPage":
			n, err := positiveInt(single(values))
			if err != nil {
				return nil, invalid(name, err.Error())
			}
			p.PerPage = n

		case name == "nextPageToken":
			p.PageToken = single(values)

		case strings.HasPrefix(name, "MATCH_"):
			if err := p.parseMatch(name, values); err != nil {
				return nil, err
			}

		case strings.HasPrefix(name, "WD_"):
			field := strings.TrimPrefix(name, "WD_")
			if field != "readPoint" && field != "bizLocation" {
				return nil, unsupported(name)
			}
			if len(values) == 0 {
				return nil, invalid(name, "needs at least one value")
			}
			p.Descendants = append(p.Descendants, DescendantParam{Field: field, URIs: values})

		case strings.HasPrefix(name, "HASATTR_"):
			field := strings.TrimPrefix(name, "HASATTR_")
			if field != "readPoint" && field != "bizLocation" {
				return nil, unsupported(name)
			}
			for _, attrName := range values {
				p.Preds = append(p.Preds, storage.MasterDataAttr{LocationField: field, AttrName: attrName})
			}

		case strings.HasPrefix(name, "EQATTR_"):
			rest := strings.TrimPrefix(name, "EQATTR_")
			field, attrName, ok := strings.Cut(rest, "_")
			if !ok || (field != "readPoint" && field != "bizLocation") {
				return nil, unsupported(name)
			}
			p.Preds = append(p.Preds, storage.MasterDataAttr{LocationField: field, AttrName: attrName, Values: values})

		case strings.HasPrefix(name, "EXISTS_"):
			if err := p.parseExists(name); err != nil {
				return nil, err
			}

		default:
			op, rest, ok := splitComparator(name)
			if !ok {
				return nil, unsupported(name)
			}
			if err := p.parseComparison(name, op, rest, values); err != nil {
				return nil, err
			}
		}
	}

	p.Order.Desc = orderDirection == "desc"
	if len(p.SensorConds) > 0 {
		p.Preds = append(p.Preds, storage.SensorReportWith{Conds: p.SensorConds})
	}
	return p, nil
}

func (p *Parsed) parseMatch(name string, values []string) error {
	field := strings.TrimPrefix(name, "MATCH_")
	epcTypes, ok := matchFields[field]
	if !ok {
		return unsupported(name)
	}
	if len(values) == 0 {
		return invalid(name, "needs at least one pattern")
	}
	patterns := append([]string{}, values...)
	for i, pat := range patterns {
		if !gs1.ValidPattern(pat) {
			return invalid(name, fmt.Sprintf("bad pattern %q", pat))
		}
		// quantity rows hold class-level identifiers, so instance-level
		// patterns against epcClass get lowered to their class form
		if field == "epcClass" || field == "anyEPCClass" {
			if cls := gs1.ClassLevel(pat); cls != "" {
				patterns[i] = cls
			}
		}
	}
	p.Preds = append(p.Preds, storage.MatchEpc{EpcTypes: epcTypes, Patterns: patterns})
	return nil
}

func (p *Parsed) parseExists(name string) error {
	rest := strings.TrimPrefix(name, "EXISTS_")
	switch {
	case rest == "errorDeclaration":
		p.Preds = append(p.Preds, storage.ScalarExists{Field: "correctiveDeclarationTime"})
	case scalarFields[rest]:
		p.Preds = append(p.Preds, storage.ScalarExists{Field: rest})
	case strings.HasPrefix(rest, "ILMD_"):
		ns, local, err := splitFieldName(name, strings.TrimPrefix(rest, "ILMD_"))
		if err != nil {
			return err
		}
		p.Preds = append(p.Preds, storage.FieldExists{
			FieldTypes: []types.FieldType{types.FieldIlmd},
			Namespace:  ns, Name: local,
		})
	case strings.HasPrefix(rest, "INNER_"):
		ns, local, err := splitFieldName(name, strings.TrimPrefix(rest, "INNER_"))
		if err != nil {
			return err
		}
		p.Preds = append(p.Preds, storage.FieldExists{
			FieldTypes: []types.FieldType{types.FieldIlmd, types.FieldExtension},
			Namespace:  ns, Name: local,
		})
	default:
		ns, local, err := splitFieldName(name, rest)
		if err != nil {
			return err
		}
		p.Preds = append(p.Preds, storage.FieldExists{
			FieldTypes: []types.FieldType{types.FieldExtension},
			Namespace:  ns, Name: local,
		})
	}
	return nil
}

// parseComparison handles EQ_/GE_/GT_/LE_/LT_ against scalars, timestamps,
// sensor attributes, ILMD and custom fields.
func (p *Parsed) parseComparison(name string, op storage.CmpOp, rest string, values []string) error {
	if len(values) == 0 {
		return invalid(name, "needs at least one value")
	}

	switch {
	case op == storage.OpEq && scalarFields[rest]:
		p.Preds = append(p.Preds, storage.ScalarEq{Field: rest, Values: values})
		return nil

	case timeFields[rest] != "":
		if op == storage.OpEq {
			return unsupported(name)
		}
		t, ok := parseTimeValue(single(values))
		if !ok {
			return invalid(name, "not an ISO-8601 timestamp")
		}
		p.Preds = append(p.Preds, storage.TimeCmp{Field: timeFields[rest], Op: op, Value: t})
		return nil

	case sensorStringFields[rest]:
		if op != storage.OpEq {
			return unsupported(name)
		}
		p.SensorConds = append(p.SensorConds, storage.SensorCond{
			Attr: rest, Op: op, Slot: storage.SlotText, Text: single(values),
		})
		return nil

	case sensorNumericFields[rest]:
		v, err := strconv.ParseFloat(single(values), 64)
		if err != nil {
			return invalid(name, "not a number")
		}
		p.SensorConds = append(p.SensorConds, storage.SensorCond{
			Attr: rest, Op: op, Slot: storage.SlotNumeric, Number: v,
		})
		return nil

	case rest == "time":
		t, ok := parseTimeValue(single(values))
		if !ok {
			return invalid(name, "not an ISO-8601 timestamp")
		}
		p.SensorConds = append(p.SensorConds, storage.SensorCond{
			Attr: rest, Op: op, Slot: storage.SlotDate, Time: t,
		})
		return nil

	case strings.HasPrefix(rest, "ILMD_"):
		return p.addFieldCmp(name, op, strings.TrimPrefix(rest, "ILMD_"),
			[]types.FieldType{types.FieldIlmd}, values)

	case strings.HasPrefix(rest, "INNER_ILMD_"):
		return p.addFieldCmp(name, op, strings.TrimPrefix(rest, "INNER_ILMD_"),
			[]types.FieldType{types.FieldIlmd}, values)

	case strings.HasPrefix(rest, "INNER_"):
		return p.addFieldCmp(name, op, strings.TrimPrefix(rest, "INNER_"),
			[]types.FieldType{types.FieldIlmd, types.FieldExtension}, values)

	case strings.HasPrefix(rest, "ERROR_DECLARATION_"):
		return p.addFieldCmp(name, op, strings.TrimPrefix(rest, "ERROR_DECLARATION_"),
			[]types.FieldType{types.FieldErrorDeclaration}, values)

	case strings.HasPrefix(rest, "SENSORELEMENT_"):
		return p.addFieldCmp(name, op, strings.TrimPrefix(rest, "SENSORELEMENT_"),
			[]types.FieldType{types.FieldSensorElementExtension, types.FieldSensorReportExtension}, values)

	default:
		// custom top-level extension field
		return p.addFieldCmp(name, op, rest, []types.FieldType{types.FieldExtension}, values)
	}
}

// addFieldCmp picks the value slot from the literal's shape: timestamps use
// the date slot, numbers the numeric slot (except EQ, which is always text).
func (p *Parsed) addFieldCmp(name string, op storage.CmpOp, fieldName string, fieldTypes []types.FieldType, values []string) error {
	ns, local, err := splitFieldName(name, fieldName)
	if err != nil {
		return err
	}
	value := single(values)

	cmp := storage.FieldCmp{FieldTypes: fieldTypes, Namespace: ns, Name: local, Op: op}
	if op == storage.OpEq {
		cmp.Slot = storage.SlotText
		cmp.Text = value
	} else if t, ok := parseTimeValue(value); ok {
		cmp.Slot = storage.SlotDate
		cmp.Date = t
	} else if v, err := strconv.ParseFloat(value, 64); err == nil {
		cmp.Slot = storage.SlotNumeric
		cmp.Number = v
	} else {
		return invalid(name, "not a number or ISO-8601 timestamp")
	}
	p.Preds = append(p.Preds, cmp)
	return nil
}

func splitComparator(name string) (storage.CmpOp, string, bool) {
	prefix, rest, ok := strings.Cut(name, "_")
	if !ok {
		return "", "", false
	}
	op, known := cmpOps[prefix]
	return op, rest, known
}

// splitFieldName separates "<namespace>#<name>" (preferred) or falls back to
// the last underscore for legacy "<ns>_<name>" spellings.
func splitFieldName(param, s string) (string, string, error) {
	if i := strings.LastIndexByte(s, '#'); i > 0 {
		return s[:i], s[i+1:], nil
	}
	if i := strings.LastIndexByte(s, '_'); i > 0 {
		return s[:i], s[i+1:], nil
	}
	if s == "" {
		return "", "", invalid(param, "empty field name")
	}
	return "", s, nil
}

func single(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

func positiveInt(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("not an integer")
	}
	if n <= 0 {
		return 0, fmt.Errorf("must be positive")
	}
	return n, nil
}

var timeValueLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"}

func parseTimeValue(s string) (time.Time, bool) {
	for _, layout := range timeValueLayouts {
		if t, err := time.Parse(layout, strings.TrimSpace(s)); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
