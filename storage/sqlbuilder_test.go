package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trackvision/tv-epcis-repository/types"
)

func TestBuildWhereTenantAndType(t *testing.T) {
	conds, args, err := buildWhere([]Predicate{
		TenantIs{Tenant: "t1"},
		EventTypeIn{Types: []types.EventType{types.ObjectEvent, types.AggregationEvent}},
	})
	require.NoError(t, err)

	require.Len(t, conds, 2)
	assert.Equal(t, "e.tenant_id = ?", conds[0])
	assert.Equal(t, "e.event_type IN (?, ?)", conds[1])
	assert.Equal(t, []interface{}{"t1", "ObjectEvent", "AggregationEvent"}, args)
}

func TestBuildWhereScalar(t *testing.T) {
	conds, args, err := buildWhere([]Predicate{
		ScalarEq{Field: "bizStep", Values: []string{"shipping", "receiving"}},
		ScalarExists{Field: "disposition"},
		ScalarExists{Field: "correctiveDeclarationTime"},
	})
	require.NoError(t, err)

	assert.Equal(t, "e.biz_step IN (?, ?)", conds[0])
	assert.Equal(t, "e.disposition <> ''", conds[1])
	assert.Equal(t, "e.corrective_declaration_time IS NOT NULL", conds[2])
	assert.Len(t, args, 2)
}

func TestBuildWhereScalarUnknownField(t *testing.T) {
	_, _, err := buildWhere([]Predicate{ScalarEq{Field: "frobnicate", Values: []string{"x"}}})
	assert.Error(t, err)
}

func TestBuildWhereTimeCmp(t *testing.T) {
	at := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	conds, args, err := buildWhere([]Predicate{
		TimeCmp{Field: "eventTime", Op: OpGe, Value: at},
	})
	require.NoError(t, err)
	assert.Equal(t, "e.event_time >= ?", conds[0])
	assert.Equal(t, []interface{}{at}, args)
}

func TestBuildWhereMatchEpc(t *testing.T) {
	conds, args, err := buildWhere([]Predicate{
		MatchEpc{
			EpcTypes: []types.EpcType{types.EpcList, types.EpcChild},
			Patterns: []string{"urn:epc:id:sgtin:0368462.050165.*", "urn:epc:id:sgtin:0368462.050165.1"},
		},
	})
	require.NoError(t, err)

	require.Len(t, conds, 1)
	assert.Contains(t, conds[0], "EXISTS (SELECT 1 FROM event_epcs p")
	assert.Contains(t, conds[0], "p.epc_type IN (?, ?)")
	assert.Contains(t, conds[0], "p.epc LIKE ? ESCAPE '!'")
	assert.Contains(t, conds[0], "p.epc = ?")

	// wildcard becomes an escaped prefix, exact value passes through
	assert.Contains(t, args, "urn:epc:id:sgtin:0368462.050165.%")
	assert.Contains(t, args, "urn:epc:id:sgtin:0368462.050165.1")
}

func TestBuildWhereMatchEpcEscapesLikeMeta(t *testing.T) {
	_, args, err := buildWhere([]Predicate{
		MatchEpc{EpcTypes: []types.EpcType{types.EpcList}, Patterns: []string{"urn:epc:id:gdti:06%_41.*"}},
	})
	require.NoError(t, err)
	assert.Contains(t, args, "urn:epc:id:gdti:06!%!_41.%")
}

func TestBuildWhereFieldCmpSlots(t *testing.T) {
	at := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		pred FieldCmp
		frag string
		arg  interface{}
	}{
		{
			name: "text slot",
			pred: FieldCmp{FieldTypes: []types.FieldType{types.FieldIlmd}, Namespace: "ns", Name: "lot", Op: OpEq, Slot: SlotText, Text: "LOT-42"},
			frag: "f.text_value = ?",
			arg:  "LOT-42",
		},
		{
			name: "numeric slot",
			pred: FieldCmp{FieldTypes: []types.FieldType{types.FieldExtension}, Namespace: "ns", Name: "weight", Op: OpGe, Slot: SlotNumeric, Number: 12.5},
			frag: "f.numeric_value >= ?",
			arg:  12.5,
		},
		{
			name: "date slot",
			pred: FieldCmp{FieldTypes: []types.FieldType{types.FieldExtension}, Namespace: "ns", Name: "bestBefore", Op: OpLt, Slot: SlotDate, Date: at},
			frag: "f.date_value < ?",
			arg:  at,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conds, args, err := buildWhere([]Predicate{tt.pred})
			require.NoError(t, err)
			assert.Contains(t, conds[0], "EXISTS (SELECT 1 FROM event_fields f")
			assert.Contains(t, conds[0], tt.frag)
			assert.Contains(t, conds[0], "f.field_type IN (?)")
			assert.Contains(t, args, tt.arg)
		})
	}
}

func TestBuildWhereSensorConjunctionSingleExists(t *testing.T) {
	conds, args, err := buildWhere([]Predicate{
		SensorReportWith{Conds: []SensorCond{
			{Attr: "type", Op: OpEq, Slot: SlotText, Text: "gs1:Temperature"},
			{Attr: "value", Op: OpGe, Slot: SlotNumeric, Number: 20},
			{Attr: "value", Op: OpLe, Slot: SlotNumeric, Number: 30},
		}},
	})
	require.NoError(t, err)

	// one EXISTS, all conditions on the same report row
	require.Len(t, conds, 1)
	assert.Equal(t,
		"EXISTS (SELECT 1 FROM event_sensor_reports r WHERE r.event_id = e.id AND r.report_type = ? AND r.value >= ? AND r.value <= ?)",
		conds[0])
	assert.Equal(t, []interface{}{"gs1:Temperature", 20.0, 30.0}, args)
}

func TestBuildWhereMasterDataAttr(t *testing.T) {
	conds, args, err := buildWhere([]Predicate{
		MasterDataAttr{LocationField: "bizLocation", AttrName: "urn:epcglobal:cbv:mda:sst"},
		MasterDataAttr{LocationField: "readPoint", AttrName: "urn:epcglobal:cbv:mda:sst", Values: []string{"201", "202"}},
	})
	require.NoError(t, err)

	assert.Contains(t, conds[0], "m.uri = e.biz_location")
	assert.NotContains(t, conds[0], "attr_value")
	assert.Contains(t, conds[1], "m.uri = e.read_point")
	assert.Contains(t, conds[1], "a.attr_value IN (?, ?)")
	assert.Len(t, args, 4)
}

func TestBuildWhereCursor(t *testing.T) {
	at := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

	conds, args, err := buildWhere([]Predicate{
		CursorAfter{Order: Order{Key: "eventTime"}, OrderValue: at, ID: 42},
	})
	require.NoError(t, err)
	assert.Equal(t, "(e.event_time > ? OR (e.event_time = ? AND e.id > ?))", conds[0])
	assert.Equal(t, []interface{}{at, at, int64(42)}, args)

	conds, _, err = buildWhere([]Predicate{
		CursorAfter{Order: Order{Key: "recordTime", Desc: true}, OrderValue: at, ID: 42},
	})
	require.NoError(t, err)
	assert.Equal(t, "(e.record_time < ? OR (e.record_time = ? AND e.id < ?))", conds[0])
}

func TestOrderClause(t *testing.T) {
	clause, err := orderClause(Order{Key: "eventTime"})
	require.NoError(t, err)
	assert.Equal(t, "ORDER BY e.event_time ASC, e.id ASC", clause)

	clause, err = orderClause(Order{Key: "recordTime", Desc: true})
	require.NoError(t, err)
	assert.Equal(t, "ORDER BY e.record_time DESC, e.id DESC", clause)

	_, err = orderClause(Order{Key: "bizStep"})
	assert.Error(t, err)
}
