package types

import "time"

// Schema versions accepted at capture.
const (
	SchemaVersion10 = "1.0"
	SchemaVersion11 = "1.1"
	SchemaVersion12 = "1.2"
	SchemaVersion20 = "2.0"
)

// EventType identifies the EPCIS event variant.
type EventType string

const (
	ObjectEvent         EventType = "ObjectEvent"
	AggregationEvent    EventType = "AggregationEvent"
	TransactionEvent    EventType = "TransactionEvent"
	TransformationEvent EventType = "TransformationEvent"
	QuantityEvent       EventType = "QuantityEvent" // EPCIS 1.x only
)

// Action is the EPCIS action field. TransformationEvent carries none.
const (
	ActionAdd     = "ADD"
	ActionObserve = "OBSERVE"
	ActionDelete  = "DELETE"
)

// EpcType partitions an event's EPC list by role.
type EpcType string

const (
	EpcList      EpcType = "epcList"
	EpcChild     EpcType = "childEPC"
	EpcParent    EpcType = "parentID"
	EpcInput     EpcType = "inputEPC"
	EpcOutput    EpcType = "outputEPC"
	EpcQuantity  EpcType = "quantityElement"
)

// FieldType tags where a flattened extension field came from.
type FieldType string

const (
	FieldIlmd                   FieldType = "ilmd"
	FieldIlmdAttribute          FieldType = "ilmdAttr"
	FieldExtension              FieldType = "extension"
	FieldExtensionAttribute     FieldType = "extensionAttr"
	FieldSensorElementExtension FieldType = "sensorElementExt"
	FieldSensorReportExtension  FieldType = "sensorReportExt"
	FieldSensorMetadataAttr     FieldType = "sensorMetadataAttr"
	FieldErrorDeclaration       FieldType = "errorDeclarationExt"
)

// Capture is the transactional unit of ingestion: one submitted EPCIS
// document with everything it owns.
type Capture struct {
	ID            int64      `json:"-" db:"id"`
	CaptureID     string     `json:"captureID" db:"capture_id"`
	TenantID      string     `json:"-" db:"tenant_id"`
	SchemaVersion string     `json:"schemaVersion" db:"schema_version"`
	DocumentTime  time.Time  `json:"createdDate" db:"document_time"`
	RecordTime    time.Time  `json:"recordTime" db:"record_time"`
	SBDH          *StandardBusinessHeader `json:"standardBusinessHeader,omitempty"`

	Events     []Event      `json:"events"`
	MasterData []MasterData `json:"masterData,omitempty"`

	// Namespaces maps extension namespace URI -> document prefix, as seen
	// in the submitted document. Request-local, never shared.
	Namespaces map[string]string `json:"-"`
}

// StandardBusinessHeader is the SBDH routing envelope, when submitted.
type StandardBusinessHeader struct {
	Sender             string    `json:"sender" db:"sender"`
	Receiver           string    `json:"receiver" db:"receiver"`
	DocumentIdentifier string    `json:"documentIdentifier" db:"document_identifier"`
	CreationDateTime   time.Time `json:"creationDateTime" db:"creation_date_time"`
}

// Event is the canonical record shape shared by all variants. Variant
// invariants (action rules, EPC partitioning) are enforced by the validator,
// not the type.
type Event struct {
	ID        int64     `json:"-" db:"id"`
	CaptureID int64     `json:"-" db:"capture_id"`
	Type      EventType `json:"type" db:"event_type"`

	EventID             string    `json:"eventID" db:"event_id"`
	EventTime           time.Time `json:"eventTime" db:"event_time"`
	EventTimeZoneOffset string    `json:"eventTimeZoneOffset" db:"event_timezone_offset"`
	RecordTime          time.Time `json:"recordTime" db:"record_time"`

	Action            string `json:"action,omitempty" db:"action"`
	BizStep           string `json:"bizStep,omitempty" db:"biz_step"`
	Disposition       string `json:"disposition,omitempty" db:"disposition"`
	ReadPoint         string `json:"readPoint,omitempty" db:"read_point"`
	BizLocation       string `json:"bizLocation,omitempty" db:"biz_location"`
	TransformationID  string `json:"transformationID,omitempty" db:"transformation_id"`
	CertificationInfo string `json:"certificationInfo,omitempty" db:"certification_info"`

	// Error-declaration (corrective) fields.
	CorrectiveDeclarationTime *time.Time `json:"declarationTime,omitempty" db:"corrective_declaration_time"`
	CorrectiveReason          string     `json:"reason,omitempty" db:"corrective_reason"`
	CorrectiveEventIDs        []string   `json:"correctiveEventIDs,omitempty"`

	Epcs                   []Epc                   `json:"epcs,omitempty"`
	Transactions           []BusinessTransaction   `json:"bizTransactionList,omitempty"`
	Sources                []Source                `json:"sourceList,omitempty"`
	Destinations           []Destination           `json:"destinationList,omitempty"`
	SensorElements         []SensorElement         `json:"sensorElementList,omitempty"`
	PersistentDispositions []PersistentDisposition `json:"persistentDisposition,omitempty"`
	Fields                 []Field                 `json:"-"`
}

// Epc is one typed identifier reference owned by an event.
type Epc struct {
	Type          EpcType  `json:"type" db:"epc_type"`
	ID            string   `json:"epc" db:"epc"`
	Quantity      *float64 `json:"quantity,omitempty" db:"quantity"`
	UnitOfMeasure string   `json:"uom,omitempty" db:"uom"`
}

// BusinessTransaction references an external transaction document.
type BusinessTransaction struct {
	Type string `json:"type" db:"btt_type"`
	ID   string `json:"bizTransaction" db:"btt_id"`
}

// Source is a source party or location reference.
type Source struct {
	Type string `json:"type" db:"source_type"`
	ID   string `json:"source" db:"source_id"`
}

// Destination is a destination party or location reference.
type Destination struct {
	Type string `json:"type" db:"destination_type"`
	ID   string `json:"destination" db:"destination_id"`
}

// PersistentDisposition records dispositions set or unset by an event.
type PersistentDisposition struct {
	Type string `json:"type" db:"pd_type"` // "set" or "unset"
	ID   string `json:"disposition" db:"disposition"`
}

// SensorElement groups sensor reports captured together. Its extension
// payload lives in Field entries bound via EntityIndex.
type SensorElement struct {
	Index    int            `json:"-" db:"sensor_index"`
	Time     *time.Time     `json:"time,omitempty" db:"metadata_time"`
	DeviceID string         `json:"deviceID,omitempty" db:"device_id"`
	DeviceMetadata string   `json:"deviceMetadata,omitempty" db:"device_metadata"`
	RawData  string         `json:"rawData,omitempty" db:"raw_data"`
	BizRules string         `json:"bizRules,omitempty" db:"biz_rules"`
	Reports  []SensorReport `json:"sensorReport,omitempty"`
}

// SensorReport is a single measurement inside a SensorElement.
type SensorReport struct {
	Index       int        `json:"-" db:"report_index"`
	SensorIndex int        `json:"-" db:"sensor_index"`
	Type        string     `json:"type,omitempty" db:"report_type"`
	DeviceID    string     `json:"deviceID,omitempty" db:"device_id"`
	DeviceMetadata string  `json:"deviceMetadata,omitempty" db:"device_metadata"`
	RawData     string     `json:"rawData,omitempty" db:"raw_data"`
	DataProcessingMethod string `json:"dataProcessingMethod,omitempty" db:"data_processing_method"`
	Time        *time.Time `json:"time,omitempty" db:"report_time"`
	Microorganism string   `json:"microorganism,omitempty" db:"microorganism"`
	ChemicalSubstance string `json:"chemicalSubstance,omitempty" db:"chemical_substance"`
	Value       *float64   `json:"value,omitempty" db:"value"`
	StringValue string     `json:"stringValue,omitempty" db:"string_value"`
	BooleanValue *bool     `json:"booleanValue,omitempty" db:"boolean_value"`
	HexBinaryValue string  `json:"hexBinaryValue,omitempty" db:"hex_binary_value"`
	URIValue    string     `json:"uriValue,omitempty" db:"uri_value"`
	MinValue    *float64   `json:"minValue,omitempty" db:"min_value"`
	MaxValue    *float64   `json:"maxValue,omitempty" db:"max_value"`
	MeanValue   *float64   `json:"meanValue,omitempty" db:"mean_value"`
	SDev        *float64   `json:"sDev,omitempty" db:"s_dev"`
	PercRank    *float64   `json:"percRank,omitempty" db:"perc_rank"`
	PercValue   *float64   `json:"percValue,omitempty" db:"perc_value"`
	UnitOfMeasure string   `json:"uom,omitempty" db:"uom"`
	CoordinateReferenceSystem string `json:"coordinateReferenceSystem,omitempty" db:"coordinate_reference_system"`
}

// Field is one flattened node (or attribute) of a hierarchical extension
// subtree: ILMD, user extensions, sensor extensions. Hierarchy is encoded,
// not nested: Index is the DFS position within the event, ParentIndex points
// at the owning element, EntityIndex binds the field to a specific owned
// entity (a particular SensorElement or SensorReport).
//
// Leaf text is parsed speculatively three ways so any slot may satisfy a
// query predicate; unparseable slots stay nil.
type Field struct {
	Type        FieldType  `json:"type" db:"field_type"`
	Namespace   string     `json:"namespace" db:"namespace"`
	Name        string     `json:"name" db:"name"`
	TextValue   *string    `json:"textValue,omitempty" db:"text_value"`
	NumericValue *float64  `json:"numericValue,omitempty" db:"numeric_value"`
	DateValue   *time.Time `json:"dateValue,omitempty" db:"date_value"`
	Index       int        `json:"index" db:"field_index"`
	ParentIndex *int       `json:"parentIndex,omitempty" db:"parent_index"`
	EntityIndex *int       `json:"entityIndex,omitempty" db:"entity_index"`
}

// MasterData is one vocabulary element from an EPCISHeader.
type MasterData struct {
	ID         int64                 `json:"-" db:"id"`
	CaptureID  int64                 `json:"-" db:"capture_id"`
	Type       string                `json:"type" db:"vocab_type"`
	URI        string                `json:"id" db:"uri"`
	Attributes []MasterDataAttribute `json:"attributes,omitempty"`
	Children   []string              `json:"children,omitempty"`
}

// MasterDataAttribute is one name/value attribute of a vocabulary element.
type MasterDataAttribute struct {
	Name  string `json:"id" db:"attr_name"`
	Value string `json:"value" db:"attr_value"`
}

// Subscription triggers.
const (
	TriggerOnCapture = "stream" // fire when a matching capture lands
)

// Subscription is a standing named query with a delivery destination.
// Trigger is either TriggerOnCapture or a cron expression.
type Subscription struct {
	ID                int64     `json:"-" db:"id"`
	SubscriptionID    string    `json:"subscriptionID" db:"subscription_id"`
	Name              string    `json:"name" db:"name"`
	QueryName         string    `json:"queryName" db:"query_name"`
	Parameters        []QueryParam `json:"parameters"`
	Destination       string    `json:"dest" db:"destination"`
	SignatureSecret   string    `json:"-" db:"signature_secret"`
	TenantID          string    `json:"-" db:"tenant_id"`
	ReportIfEmpty     bool      `json:"reportIfEmpty" db:"report_if_empty"`
	Trigger           string    `json:"trigger" db:"trigger_spec"`
	InitialRecordTime time.Time `json:"initialRecordTime" db:"initial_record_time"`
	LastExecutedTime  time.Time `json:"lastExecutedTime" db:"last_executed_time"`
	Active            bool      `json:"active" db:"active"`
}

// QueryParam is one (name, values) pair of the closed EPCIS parameter
// grammar. Multi-valued parameters (eventType, EQ_bizStep, ...) carry all
// their values.
type QueryParam struct {
	Name   string   `json:"name"`
	Values []string `json:"values"`
}

// NamedQuery is a stored query created via POST /queries.
type NamedQuery struct {
	ID         int64        `json:"-" db:"id"`
	Name       string       `json:"name" db:"name"`
	TenantID   string       `json:"-" db:"tenant_id"`
	Parameters []QueryParam `json:"query"`
	CreatedAt  time.Time    `json:"createdAt" db:"created_at"`
}

// CapturedNotice is published on the event bus after a capture commits.
type CapturedNotice struct {
	CaptureID string `json:"captureID"`
	TenantID  string `json:"tenantID"`
	Events    int    `json:"events"`
}

// InputEpcs returns the transformation-input EPCs of an event.
func (e *Event) InputEpcs() []Epc {
	return e.epcsOfType(EpcInput)
}

// OutputEpcs returns the transformation-output EPCs of an event.
func (e *Event) OutputEpcs() []Epc {
	return e.epcsOfType(EpcOutput)
}

// ParentEpcs returns the parentID EPCs of an event.
func (e *Event) ParentEpcs() []Epc {
	return e.epcsOfType(EpcParent)
}

func (e *Event) epcsOfType(t EpcType) []Epc {
	out := make([]Epc, 0, len(e.Epcs))
	for _, epc := range e.Epcs {
		if epc.Type == t {
			out = append(out, epc)
		}
	}
	return out
}

// ValidSchemaVersion reports whether v is an accepted EPCIS schema version.
func ValidSchemaVersion(v string) bool {
	switch v {
	case SchemaVersion10, SchemaVersion11, SchemaVersion12, SchemaVersion20:
		return true
	}
	return false
}
