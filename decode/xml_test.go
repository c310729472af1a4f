package decode

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trackvision/tv-epcis-repository/types"
)

func TestDecodeXMLObjectEvent20(t *testing.T) {
	xml := `<?xml version="1.0" encoding="UTF-8"?>
<epcis:EPCISDocument xmlns:epcis="urn:epcglobal:epcis:xsd:2"
    xmlns:cbvmda="urn:epcglobal:cbv:mda"
    schemaVersion="2.0" creationDate="2024-01-15T09:00:00Z">
  <EPCISBody>
    <EventList>
      <ObjectEvent>
        <eventTime>2024-01-15T10:00:00+01:00</eventTime>
        <eventTimeZoneOffset>+01:00</eventTimeZoneOffset>
        <epcList>
          <epc>urn:epc:id:sgtin:0368462.050165.123456</epc>
          <epc>urn:epc:id:sgtin:0368462.050165.123457</epc>
        </epcList>
        <action>OBSERVE</action>
        <bizStep>urn:epcglobal:cbv:bizstep:shipping</bizStep>
        <disposition>urn:epcglobal:cbv:disp:in_transit</disposition>
        <readPoint><id>urn:epc:id:sgln:030001.111111.0</id></readPoint>
        <bizLocation><id>urn:epc:id:sgln:030001.222222.0</id></bizLocation>
        <bizTransactionList>
          <bizTransaction type="urn:epcglobal:cbv:btt:po">urn:epc:id:gdti:0614141.06012.1234</bizTransaction>
        </bizTransactionList>
        <persistentDisposition>
          <set>urn:epcglobal:cbv:disp:completeness_verified</set>
          <unset>urn:epcglobal:cbv:disp:completeness_inferred</unset>
        </persistentDisposition>
        <ilmd>
          <cbvmda:lotNumber>LOT-42</cbvmda:lotNumber>
        </ilmd>
      </ObjectEvent>
    </EventList>
  </EPCISBody>
</epcis:EPCISDocument>`

	capture, err := Decode([]byte(xml), ContentTypeXML, 0)
	require.NoError(t, err)

	assert.Equal(t, "2.0", capture.SchemaVersion)
	assert.Equal(t, time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC), capture.DocumentTime)
	assert.Equal(t, "cbvmda", capture.Namespaces["urn:epcglobal:cbv:mda"])
	require.Len(t, capture.Events, 1)

	ev := capture.Events[0]
	assert.Equal(t, types.ObjectEvent, ev.Type)
	assert.Equal(t, time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC), ev.EventTime)
	assert.Equal(t, "+01:00", ev.EventTimeZoneOffset)
	assert.Equal(t, "OBSERVE", ev.Action)
	assert.Equal(t, "urn:epcglobal:cbv:bizstep:shipping", ev.BizStep)
	assert.Equal(t, "urn:epc:id:sgln:030001.111111.0", ev.ReadPoint)
	assert.Equal(t, "urn:epc:id:sgln:030001.222222.0", ev.BizLocation)

	require.Len(t, ev.Epcs, 2)
	assert.Equal(t, types.EpcList, ev.Epcs[0].Type)
	assert.Equal(t, "urn:epc:id:sgtin:0368462.050165.123456", ev.Epcs[0].ID)

	require.Len(t, ev.Transactions, 1)
	assert.Equal(t, "urn:epcglobal:cbv:btt:po", ev.Transactions[0].Type)

	require.Len(t, ev.PersistentDispositions, 2)
	assert.Equal(t, "set", ev.PersistentDispositions[0].Type)
	assert.Equal(t, "unset", ev.PersistentDispositions[1].Type)

	require.Len(t, ev.Fields, 1)
	f := ev.Fields[0]
	assert.Equal(t, types.FieldIlmd, f.Type)
	assert.Equal(t, "urn:epcglobal:cbv:mda", f.Namespace)
	assert.Equal(t, "lotNumber", f.Name)
	require.NotNil(t, f.TextValue)
	assert.Equal(t, "LOT-42", *f.TextValue)
}

func TestDecodeXMLNamespacedAttributes(t *testing.T) {
	xml := `<?xml version="1.0" encoding="UTF-8"?>
<epcis:EPCISDocument xmlns:epcis="urn:epcglobal:epcis:xsd:2"
    xmlns:acme="https://acme.example/epcis"
    schemaVersion="2.0">
  <EPCISBody>
    <EventList>
      <ObjectEvent>
        <eventTime>2024-01-15T10:00:00Z</eventTime>
        <eventTimeZoneOffset>+00:00</eventTimeZoneOffset>
        <epcList/>
        <action>OBSERVE</action>
        <acme:shipment plain="outbound" acme:mode="air">SHP-1</acme:shipment>
      </ObjectEvent>
    </EventList>
  </EPCISBody>
</epcis:EPCISDocument>`

	capture, err := Decode([]byte(xml), ContentTypeXML, 0)
	require.NoError(t, err)
	require.Len(t, capture.Events, 1)

	fields := capture.Events[0].Fields
	require.Len(t, fields, 3)
	assert.Equal(t, types.FieldExtension, fields[0].Type)
	assert.Equal(t, "https://acme.example/epcis", fields[0].Namespace)
	assert.Equal(t, "shipment", fields[0].Name)

	byName := map[string]types.Field{}
	for _, f := range fields[1:] {
		assert.Equal(t, types.FieldExtensionAttribute, f.Type)
		require.NotNil(t, f.ParentIndex)
		assert.Equal(t, fields[0].Index, *f.ParentIndex)
		byName[f.Name] = f
	}
	// unprefixed attributes carry no namespace, prefixed ones resolve theirs
	assert.Equal(t, "", byName["plain"].Namespace)
	assert.Equal(t, "https://acme.example/epcis", byName["mode"].Namespace)
	assert.Equal(t, "air", *byName["mode"].TextValue)
}

func TestDecodeXMLLegacyExtensionWrappers(t *testing.T) {
	// EPCIS 1.2 wraps quantity lists, source/destination lists and whole
	// TransformationEvents inside <extension> elements.
	xml := `<?xml version="1.0" encoding="UTF-8"?>
<epcis:EPCISDocument xmlns:epcis="urn:epcglobal:epcis:xsd:1" schemaVersion="1.2">
  <EPCISBody>
    <EventList>
      <ObjectEvent>
        <eventTime>2024-01-15T10:00:00Z</eventTime>
        <eventTimeZoneOffset>+00:00</eventTimeZoneOffset>
        <epcList/>
        <action>ADD</action>
        <extension>
          <quantityList>
            <quantityElement>
              <epcClass>urn:epc:class:lgtin:4012345.012345.998877</epcClass>
              <quantity>200</quantity>
              <uom>KGM</uom>
            </quantityElement>
          </quantityList>
          <sourceList>
            <source type="urn:epcglobal:cbv:sdt:owning_party">urn:epc:id:sgln:030001.111111.0</source>
          </sourceList>
        </extension>
      </ObjectEvent>
      <extension>
        <TransformationEvent>
          <eventTime>2024-01-15T11:00:00Z</eventTime>
          <eventTimeZoneOffset>+00:00</eventTimeZoneOffset>
          <inputEPCList>
            <epc>urn:epc:id:sgtin:0368462.050165.1</epc>
          </inputEPCList>
          <outputEPCList>
            <epc>urn:epc:id:sgtin:0368462.050165.2</epc>
          </outputEPCList>
        </TransformationEvent>
      </extension>
    </EventList>
  </EPCISBody>
</epcis:EPCISDocument>`

	capture, err := Decode([]byte(xml), ContentTypeTextXML, 0)
	require.NoError(t, err)
	require.Len(t, capture.Events, 2)

	obj := capture.Events[0]
	require.Len(t, obj.Epcs, 1)
	assert.Equal(t, types.EpcQuantity, obj.Epcs[0].Type)
	assert.Equal(t, "urn:epc:class:lgtin:4012345.012345.998877", obj.Epcs[0].ID)
	require.NotNil(t, obj.Epcs[0].Quantity)
	assert.Equal(t, 200.0, *obj.Epcs[0].Quantity)
	assert.Equal(t, "KGM", obj.Epcs[0].UnitOfMeasure)
	require.Len(t, obj.Sources, 1)

	tf := capture.Events[1]
	assert.Equal(t, types.TransformationEvent, tf.Type)
	assert.Len(t, tf.InputEpcs(), 1)
	assert.Len(t, tf.OutputEpcs(), 1)
}

func TestDecodeXMLSensorElements(t *testing.T) {
	xml := `<?xml version="1.0" encoding="UTF-8"?>
<epcis:EPCISDocument xmlns:epcis="urn:epcglobal:epcis:xsd:2" schemaVersion="2.0">
  <EPCISBody>
    <EventList>
      <ObjectEvent>
        <eventTime>2024-01-15T10:00:00Z</eventTime>
        <eventTimeZoneOffset>+00:00</eventTimeZoneOffset>
        <epcList><epc>urn:epc:id:sgtin:0368462.050165.1</epc></epcList>
        <action>OBSERVE</action>
        <sensorElementList>
          <sensorElement>
            <sensorMetadata time="2024-01-15T10:00:00Z" deviceID="urn:epc:id:giai:4000001.111"/>
            <sensorReport type="gs1:Temperature" value="26.0" uom="CEL"/>
            <sensorReport type="gs1:Humidity" value="12.5" uom="A93"/>
          </sensorElement>
        </sensorElementList>
      </ObjectEvent>
    </EventList>
  </EPCISBody>
</epcis:EPCISDocument>`

	capture, err := Decode([]byte(xml), ContentTypeXML, 0)
	require.NoError(t, err)
	require.Len(t, capture.Events, 1)

	require.Len(t, capture.Events[0].SensorElements, 1)
	se := capture.Events[0].SensorElements[0]
	assert.Equal(t, "urn:epc:id:giai:4000001.111", se.DeviceID)
	require.NotNil(t, se.Time)

	require.Len(t, se.Reports, 2)
	assert.Equal(t, "gs1:Temperature", se.Reports[0].Type)
	require.NotNil(t, se.Reports[0].Value)
	assert.Equal(t, 26.0, *se.Reports[0].Value)
	assert.Equal(t, "CEL", se.Reports[0].UnitOfMeasure)
	assert.Equal(t, 0, se.Reports[0].SensorIndex)
	assert.Equal(t, 1, se.Reports[1].Index)
}

func TestDecodeXMLErrorDeclaration(t *testing.T) {
	xml := `<?xml version="1.0" encoding="UTF-8"?>
<epcis:EPCISDocument xmlns:epcis="urn:epcglobal:epcis:xsd:1" schemaVersion="1.2">
  <EPCISBody>
    <EventList>
      <ObjectEvent>
        <eventTime>2024-01-15T10:00:00Z</eventTime>
        <eventTimeZoneOffset>+00:00</eventTimeZoneOffset>
        <baseExtension>
          <eventID>ni:///sha-256;abc?ver=CBV2.0</eventID>
          <errorDeclaration>
            <declarationTime>2024-01-16T08:00:00Z</declarationTime>
            <reason>urn:epcglobal:cbv:er:incorrect_data</reason>
            <correctiveEventIDs>
              <correctiveEventID>ni:///sha-256;def?ver=CBV2.0</correctiveEventID>
            </correctiveEventIDs>
          </errorDeclaration>
        </baseExtension>
        <epcList><epc>urn:epc:id:sgtin:0368462.050165.1</epc></epcList>
        <action>OBSERVE</action>
      </ObjectEvent>
    </EventList>
  </EPCISBody>
</epcis:EPCISDocument>`

	capture, err := Decode([]byte(xml), ContentTypeXML, 0)
	require.NoError(t, err)

	ev := capture.Events[0]
	assert.Equal(t, "ni:///sha-256;abc?ver=CBV2.0", ev.EventID)
	require.NotNil(t, ev.CorrectiveDeclarationTime)
	assert.Equal(t, "urn:epcglobal:cbv:er:incorrect_data", ev.CorrectiveReason)
	assert.Equal(t, []string{"ni:///sha-256;def?ver=CBV2.0"}, ev.CorrectiveEventIDs)
}

func TestDecodeXMLHeaderAndMasterData(t *testing.T) {
	xml := `<?xml version="1.0" encoding="UTF-8"?>
<epcis:EPCISDocument xmlns:epcis="urn:epcglobal:epcis:xsd:1"
    xmlns:sbdh="http://www.unece.org/cefact/namespaces/StandardBusinessDocumentHeader"
    schemaVersion="1.2">
  <EPCISHeader>
    <sbdh:StandardBusinessDocumentHeader>
      <sbdh:Sender><sbdh:Identifier>urn:epc:id:sgln:030001.111111.0</sbdh:Identifier></sbdh:Sender>
      <sbdh:Receiver><sbdh:Identifier>urn:epc:id:sgln:030002.111111.0</sbdh:Identifier></sbdh:Receiver>
      <sbdh:DocumentIdentification>
        <sbdh:InstanceIdentifier>DOC-001</sbdh:InstanceIdentifier>
        <sbdh:CreationDateAndTime>2024-01-15T08:00:00Z</sbdh:CreationDateAndTime>
      </sbdh:DocumentIdentification>
    </sbdh:StandardBusinessDocumentHeader>
    <extension>
      <EPCISMasterData>
        <VocabularyList>
          <Vocabulary type="urn:epcglobal:epcis:vtype:BusinessLocation">
            <VocabularyElementList>
              <VocabularyElement id="urn:epc:id:sgln:030001.111111.0">
                <attribute id="urn:epcglobal:cbv:mda:sst">201</attribute>
                <children>
                  <id>urn:epc:id:sgln:030001.111111.1</id>
                </children>
              </VocabularyElement>
            </VocabularyElementList>
          </Vocabulary>
        </VocabularyList>
      </EPCISMasterData>
    </extension>
  </EPCISHeader>
  <EPCISBody>
    <EventList/>
  </EPCISBody>
</epcis:EPCISDocument>`

	capture, err := Decode([]byte(xml), ContentTypeXML, 0)
	require.NoError(t, err)

	require.NotNil(t, capture.SBDH)
	assert.Equal(t, "urn:epc:id:sgln:030001.111111.0", capture.SBDH.Sender)
	assert.Equal(t, "DOC-001", capture.SBDH.DocumentIdentifier)

	require.Len(t, capture.MasterData, 1)
	md := capture.MasterData[0]
	assert.Equal(t, "urn:epcglobal:epcis:vtype:BusinessLocation", md.Type)
	assert.Equal(t, "urn:epc:id:sgln:030001.111111.0", md.URI)
	require.Len(t, md.Attributes, 1)
	assert.Equal(t, "201", md.Attributes[0].Value)
	assert.Equal(t, []string{"urn:epc:id:sgln:030001.111111.1"}, md.Children)
}

func TestDecodeXMLRejections(t *testing.T) {
	tests := []struct {
		name string
		body string
		want error
	}{
		{
			name: "not xml",
			body: `{"type": "EPCISDocument"}`,
			want: types.ErrMalformedDocument,
		},
		{
			name: "wrong root",
			body: `<Inventory schemaVersion="2.0"/>`,
			want: types.ErrSchemaInvalid,
		},
		{
			name: "unknown schema version",
			body: `<epcis:EPCISDocument xmlns:epcis="urn:epcglobal:epcis:xsd:2" schemaVersion="9.9"><EPCISBody><EventList/></EPCISBody></epcis:EPCISDocument>`,
			want: types.ErrUnsupportedVersion,
		},
		{
			name: "missing body",
			body: `<epcis:EPCISDocument xmlns:epcis="urn:epcglobal:epcis:xsd:2" schemaVersion="2.0"/>`,
			want: types.ErrSchemaInvalid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.body), ContentTypeXML, 0)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestDecodeEnforcesSizeLimit(t *testing.T) {
	_, err := Decode(make([]byte, 1024), ContentTypeXML, 512)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrOversizedDocument))
}

func TestDecodeRejectsUnknownContentType(t *testing.T) {
	_, err := Decode([]byte("plain"), "text/csv", 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrMalformedDocument))
}
