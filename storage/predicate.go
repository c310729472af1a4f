package storage

import (
	"time"

	"github.com/trackvision/tv-epcis-repository/types"
)

// CmpOp is a comparison operator carried by a predicate.
type CmpOp string

const (
	OpEq CmpOp = "="
	OpGt CmpOp = ">"
	OpGe CmpOp = ">="
	OpLt CmpOp = "<"
	OpLe CmpOp = "<="
)

// Order is the deterministic result ordering of a query.
type Order struct {
	Key  string // "eventTime" or "recordTime"
	Desc bool
}

// Limit bounds phase-1 id selection.
type Limit struct {
	Max    int
	Offset int
}

// Predicate is one node of the typed filter chain. The storage layer
// translates each variant into engine SQL; the query engine only composes
// them. All predicates in a chain are ANDed.
type Predicate interface {
	isPredicate()
}

// TenantIs scopes the query to one tenant via the owning capture. The query
// engine prepends it to every chain; user parameters can never remove it.
type TenantIs struct {
	Tenant string
}

// EventTypeIn is set membership over the event variant tag.
type EventTypeIn struct {
	Types []types.EventType
}

// ScalarEq is equality (set membership when multi-valued) on a scalar event
// column: action, bizStep, disposition, readPoint, bizLocation,
// transformationID, eventID.
type ScalarEq struct {
	Field  string
	Values []string
}

// ScalarExists requires a scalar event column to be non-empty.
type ScalarExists struct {
	Field string
}

// TimeCmp compares a timestamp column (eventTime, recordTime,
// correctiveDeclarationTime) against a bound.
type TimeCmp struct {
	Field string
	Op    CmpOp
	Value time.Time
}

// MatchEpc matches events owning at least one EPC of the given types whose
// id satisfies any of the patterns (trailing-* prefix match). When
// ClassLevel is set, patterns are matched against quantity/class EPCs.
type MatchEpc struct {
	EpcTypes []types.EpcType
	Patterns []string
}

// LocationIn matches readPoint/bizLocation against an expanded URI set. The
// query engine expands WD_ parameters to the URI plus all its masterdata
// descendants before building this predicate.
type LocationIn struct {
	Field string // "readPoint" or "bizLocation"
	URIs  []string
}

// FieldExists requires a flattened extension Field with the given
// namespace/name (and one of the given type tags) to exist on the event.
type FieldExists struct {
	FieldTypes []types.FieldType
	Namespace  string
	Name       string
}

// Value slots of a Field predicate.
type Slot string

const (
	SlotText    Slot = "text"
	SlotNumeric Slot = "numeric"
	SlotDate    Slot = "date"
)

// FieldCmp compares one value slot of a matching extension Field. The
// comparator chose the slot: EQ_* compares text, ordered comparators
// compare numeric or date depending on how the literal parsed.
type FieldCmp struct {
	FieldTypes []types.FieldType
	Namespace  string
	Name       string
	Op         CmpOp
	Slot       Slot
	Text       string
	Number     float64
	Date       time.Time
}

// SensorCond is one condition over a sensor-report attribute.
type SensorCond struct {
	Attr   string // type, deviceID, value, minValue, maxValue, meanValue, sDev, percRank, percValue, uom, time, ...
	Op     CmpOp
	Slot   Slot
	Text   string
	Number float64
	Time   time.Time
}

// SensorReportWith matches events having at least one SensorReport that
// satisfies ALL the conditions. The conjunction binds within a single
// report, so the storage layer must express this as one EXISTS join.
type SensorReportWith struct {
	Conds []SensorCond
}

// MasterDataAttr joins an event's readPoint or bizLocation to a vocabulary
// element and filters on its attributes. With Values empty it only requires
// the attribute to exist (HASATTR_*); otherwise the attribute value must
// equal one of Values (EQATTR_*).
type MasterDataAttr struct {
	LocationField string // "readPoint" or "bizLocation"
	AttrName      string
	Values        []string
}

// CursorAfter positions a page strictly after the (orderValue, id) pair of
// the previous page's last row, honoring the page's order direction.
type CursorAfter struct {
	Order      Order
	OrderValue time.Time
	ID         int64
}

func (TenantIs) isPredicate()         {}
func (EventTypeIn) isPredicate()      {}
func (ScalarEq) isPredicate()         {}
func (ScalarExists) isPredicate()     {}
func (TimeCmp) isPredicate()          {}
func (MatchEpc) isPredicate()         {}
func (LocationIn) isPredicate()       {}
func (FieldExists) isPredicate()      {}
func (FieldCmp) isPredicate()         {}
func (SensorReportWith) isPredicate() {}
func (MasterDataAttr) isPredicate()   {}
func (CursorAfter) isPredicate()      {}
