package subscription

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trackvision/tv-epcis-repository/storage"
	"github.com/trackvision/tv-epcis-repository/types"
)

// fakeTx embeds the interface so only the methods a test touches need
// implementations.
type fakeTx struct {
	storage.Tx
	active []types.Subscription
}

func (f *fakeTx) ListActiveSubscriptions(ctx context.Context) ([]types.Subscription, error) {
	return f.active, nil
}

type fakeStore struct {
	tx *fakeTx
}

func (s *fakeStore) Tx(ctx context.Context, fn func(storage.Tx) error) error {
	return fn(s.tx)
}

func (s *fakeStore) Close() error { return nil }

type noopDispatcher struct{}

func (noopDispatcher) Deliver(ctx context.Context, sub *types.Subscription, payload []byte, contentType string) error {
	return nil
}

func startedEngine(t *testing.T) (*Engine, chan types.CapturedNotice) {
	t.Helper()
	e := NewEngine(&fakeStore{tx: &fakeTx{}}, nil, noopDispatcher{})
	notices := make(chan types.CapturedNotice)
	require.NoError(t, e.Start(context.Background(), notices))
	t.Cleanup(func() {
		close(notices)
		e.Stop()
	})
	return e, notices
}

func TestAddRejectsBadCron(t *testing.T) {
	e, _ := startedEngine(t)

	err := e.Add(types.Subscription{SubscriptionID: "bad", Trigger: "not a cron"})
	assert.Error(t, err)

	assert.NoError(t, e.Add(types.Subscription{SubscriptionID: "good", Trigger: "*/5 * * * *"}))
	assert.NoError(t, e.Add(types.Subscription{SubscriptionID: "stream", Trigger: types.TriggerOnCapture}))
}

func TestValidateTrigger(t *testing.T) {
	assert.NoError(t, ValidateTrigger(types.TriggerOnCapture))
	assert.NoError(t, ValidateTrigger("0 6 * * *"))
	assert.Error(t, ValidateTrigger("61 * * * *"))
	assert.Error(t, ValidateTrigger("not a cron"))
}

func TestRemoveUnknownIsNoop(t *testing.T) {
	e, _ := startedEngine(t)
	e.Remove("never-registered")
}

func TestFireCoalesces(t *testing.T) {
	r := &runner{trigger: make(chan struct{}, 1), stopped: make(chan struct{})}

	r.fire()
	r.fire()
	r.fire()

	assert.Len(t, r.trigger, 1)
}

func TestFireDebouncedCollapsesBursts(t *testing.T) {
	r := &runner{trigger: make(chan struct{}, 1), stopped: make(chan struct{})}

	for i := 0; i < 5; i++ {
		r.fireDebounced()
	}
	assert.Len(t, r.trigger, 0)

	select {
	case <-r.trigger:
	case <-time.After(captureDebounce * 4):
		t.Fatal("debounced fire never arrived")
	}
	assert.Len(t, r.trigger, 0)
}

func TestEncodeDeliveryFormats(t *testing.T) {
	events := []types.Event{{
		Type:                types.ObjectEvent,
		EventTime:           time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC),
		EventTimeZoneOffset: "+00:00",
	}}

	// legacy SOAP subscriptions carry the fixed query name and get 1.2 XML
	payload, contentType, err := encodeDelivery(&types.Subscription{
		SubscriptionID: "sub-1",
		QueryName:      "SimpleEventQuery",
	}, events)
	require.NoError(t, err)
	assert.Equal(t, "application/xml", contentType)
	assert.Contains(t, string(payload), "EPCISQueryDocument")
	assert.Contains(t, string(payload), "<subscriptionID>sub-1</subscriptionID>")

	payload, contentType, err = encodeDelivery(&types.Subscription{
		SubscriptionID: "sub-2",
		QueryName:      "rest-subscription",
	}, events)
	require.NoError(t, err)
	assert.Equal(t, "application/json", contentType)
	assert.Contains(t, string(payload), `"type": "EPCISDocument"`)
}
