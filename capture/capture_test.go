package capture

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trackvision/tv-epcis-repository/bus"
	"github.com/trackvision/tv-epcis-repository/configs"
	"github.com/trackvision/tv-epcis-repository/storage"
	"github.com/trackvision/tv-epcis-repository/types"
)

type fakeTx struct {
	storage.Tx
	inserted *types.Capture
	fail     error
}

func (f *fakeTx) InsertCapture(ctx context.Context, c *types.Capture) error {
	if f.fail != nil {
		return f.fail
	}
	f.inserted = c
	return nil
}

type fakeStore struct {
	tx *fakeTx
}

func (s *fakeStore) Tx(ctx context.Context, fn func(storage.Tx) error) error {
	return fn(s.tx)
}

func (s *fakeStore) Close() error { return nil }

func validCapture() *types.Capture {
	return &types.Capture{
		SchemaVersion: types.SchemaVersion20,
		Events: []types.Event{{
			Type:                types.ObjectEvent,
			EventTime:           time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC),
			EventTimeZoneOffset: "+00:00",
			Action:              types.ActionObserve,
			Epcs:                []types.Epc{{Type: types.EpcList, ID: "urn:epc:id:sgtin:0368462.050165.1"}},
		}},
	}
}

func newHandler(tx *fakeTx, maxEvents int) (*Handler, *bus.Bus) {
	b := bus.New()
	cfg := &configs.Config{MaxEventsPerCall: maxEvents}
	return NewHandler(&fakeStore{tx: tx}, b, cfg), b
}

func TestStoreAssignsIdentifiers(t *testing.T) {
	tx := &fakeTx{}
	h, b := newHandler(tx, 10)
	notices := b.Subscribe()

	doc := validCapture()
	require.NoError(t, h.Store(context.Background(), "t1", doc))

	assert.Equal(t, "t1", doc.TenantID)
	assert.NotEmpty(t, doc.CaptureID)
	assert.False(t, doc.RecordTime.IsZero())
	assert.Equal(t, doc.RecordTime, doc.DocumentTime)
	assert.True(t, strings.HasPrefix(doc.Events[0].EventID, "ni:///sha-256;"))
	assert.Same(t, doc, tx.inserted)

	notice := <-notices
	assert.Equal(t, doc.CaptureID, notice.CaptureID)
	assert.Equal(t, "t1", notice.TenantID)
	assert.Equal(t, 1, notice.Events)
}

func TestStoreKeepsSubmittedEventID(t *testing.T) {
	tx := &fakeTx{}
	h, _ := newHandler(tx, 10)

	doc := validCapture()
	doc.Events[0].EventID = "ni:///sha-256;submitted?ver=CBV2.0"
	require.NoError(t, h.Store(context.Background(), "t1", doc))
	assert.Equal(t, "ni:///sha-256;submitted?ver=CBV2.0", doc.Events[0].EventID)
}

func TestStoreRejectsIdenticalEventsWithoutIDs(t *testing.T) {
	tx := &fakeTx{}
	h, _ := newHandler(tx, 10)

	// two byte-identical events with no submitted ids hash to the same id
	doc := validCapture()
	doc.Events = append(doc.Events, doc.Events[0])
	err := h.Store(context.Background(), "t1", doc)

	var validation *types.ValidationError
	require.True(t, errors.As(err, &validation))
	require.Len(t, validation.Violations, 1)
	assert.Equal(t, "EventIDUniqueWithinCapture", validation.Violations[0].Rule)
	assert.Nil(t, tx.inserted)
}

func TestStoreClampsFutureDocumentTime(t *testing.T) {
	tx := &fakeTx{}
	h, _ := newHandler(tx, 10)

	doc := validCapture()
	doc.DocumentTime = time.Now().UTC().Add(48 * time.Hour)
	require.NoError(t, h.Store(context.Background(), "t1", doc))

	assert.Equal(t, doc.RecordTime, doc.DocumentTime)
}

func TestStoreKeepsPastDocumentTime(t *testing.T) {
	tx := &fakeTx{}
	h, _ := newHandler(tx, 10)

	submitted := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	doc := validCapture()
	doc.DocumentTime = submitted
	require.NoError(t, h.Store(context.Background(), "t1", doc))

	assert.Equal(t, submitted, doc.DocumentTime)
}

func TestStoreRejectsOversizedBatch(t *testing.T) {
	h, _ := newHandler(&fakeTx{}, 1)

	doc := validCapture()
	doc.Events = append(doc.Events, doc.Events[0])
	err := h.Store(context.Background(), "t1", doc)
	assert.True(t, errors.Is(err, types.ErrCaptureLimitExceeded))
}

func TestStoreRejectsInvalidCapture(t *testing.T) {
	tx := &fakeTx{}
	h, _ := newHandler(tx, 10)

	doc := validCapture()
	doc.Events[0].Action = ""
	err := h.Store(context.Background(), "t1", doc)

	var validation *types.ValidationError
	require.True(t, errors.As(err, &validation))
	assert.Nil(t, tx.inserted)
}

func TestStoreWrapsStorageFailure(t *testing.T) {
	boom := errors.New("connection reset")
	h, b := newHandler(&fakeTx{fail: boom}, 10)
	notices := b.Subscribe()

	err := h.Store(context.Background(), "t1", validCapture())
	require.True(t, errors.Is(err, boom))

	// no notice goes out for a capture that never committed
	assert.Len(t, notices, 0)
}
