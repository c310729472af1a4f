package subscription

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trackvision/tv-epcis-repository/types"
)

func TestWebhookDeliverySigned(t *testing.T) {
	payload := []byte(`{"type":"EPCISDocument"}`)

	var gotSignature, gotContentType, gotVersion string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSignature = r.Header.Get(signatureHeader)
		gotContentType = r.Header.Get("Content-Type")
		gotVersion = r.Header.Get("GS1-EPCIS-Version")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewDispatcher(nil)
	sub := &types.Subscription{
		SubscriptionID:  "sub-1",
		Destination:     srv.URL,
		SignatureSecret: "s3cret",
	}
	require.NoError(t, d.Deliver(context.Background(), sub, payload, "application/json"))

	assert.Equal(t, payload, gotBody)
	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, "2.0", gotVersion)
	assert.Equal(t, "sha256="+signPayload("s3cret", payload), gotSignature)
}

func TestWebhookUnsignedWithoutSecret(t *testing.T) {
	var signed bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		signed = r.Header.Get(signatureHeader) != ""
	}))
	defer srv.Close()

	d := NewDispatcher(nil)
	require.NoError(t, d.Deliver(context.Background(),
		&types.Subscription{Destination: srv.URL}, []byte("{}"), "application/json"))
	assert.False(t, signed)
}

func TestWebhookRejectionIsPermanent(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	d := NewDispatcher(nil)
	err := d.Deliver(context.Background(),
		&types.Subscription{Destination: srv.URL}, []byte("{}"), "application/json")

	// a 4xx answer means the receiver will never accept this document
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestWebhookRetriesServerErrors(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDispatcher(nil)
	err := d.Deliver(context.Background(),
		&types.Subscription{Destination: srv.URL}, []byte("{}"), "application/json")

	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))
}

func TestNATSDestinationWithoutBroker(t *testing.T) {
	d := NewDispatcher(nil)
	err := d.Deliver(context.Background(),
		&types.Subscription{SubscriptionID: "sub-1", Destination: "nats://epcis.deliveries"},
		[]byte("{}"), "application/json")
	assert.Error(t, err)
}
