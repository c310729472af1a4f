// Package subscription runs standing queries and delivers their results.
// Triggers come from the capture bus or cron schedules; deliveries go to
// webhooks or NATS subjects with retry and a recordTime watermark cursor.
package subscription

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"

	"github.com/trackvision/tv-epcis-repository/types"
)

const (
	maxDeliveryAttempts = 10
	signatureHeader     = "X-EPCIS-Signature"
)

// Dispatcher pushes one encoded result document to a destination.
type Dispatcher interface {
	Deliver(ctx context.Context, sub *types.Subscription, payload []byte, contentType string) error
}

// dispatcher routes on the destination scheme: nats:// subjects go through
// the broker, anything http(s) is a signed webhook.
type dispatcher struct {
	client *http.Client
	nc     *nats.Conn
}

// NewDispatcher builds the default dispatcher. nc may be nil when no broker
// is configured; nats:// destinations then fail delivery.
func NewDispatcher(nc *nats.Conn) Dispatcher {
	return &dispatcher{
		client: &http.Client{Timeout: 30 * time.Second},
		nc:     nc,
	}
}

func (d *dispatcher) Deliver(ctx context.Context, sub *types.Subscription, payload []byte, contentType string) error {
	op := func() error {
		if strings.HasPrefix(sub.Destination, "nats://") {
			return d.publishNATS(sub, payload)
		}
		return d.postWebhook(ctx, sub, payload, contentType)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.Multiplier = 2
	policy.RandomizationFactor = 0.25
	policy.MaxInterval = 5 * time.Minute
	policy.MaxElapsedTime = 0

	return backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(policy, maxDeliveryAttempts-1), ctx))
}

func (d *dispatcher) publishNATS(sub *types.Subscription, payload []byte) error {
	if d.nc == nil {
		return backoff.Permanent(fmt.Errorf("subscription %s targets %s but no broker is configured",
			sub.SubscriptionID, sub.Destination))
	}
	subject := strings.TrimPrefix(sub.Destination, "nats://")
	if err := d.nc.Publish(subject, payload); err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	return nil
}

func (d *dispatcher) postWebhook(ctx context.Context, sub *types.Subscription, payload []byte, contentType string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.Destination, bytes.NewReader(payload))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("building request for %s: %w", sub.Destination, err))
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("GS1-EPCIS-Version", "2.0")
	if sub.SignatureSecret != "" {
		req.Header.Set(signatureHeader, "sha256="+signPayload(sub.SignatureSecret, payload))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting to %s: %w", sub.Destination, err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// the receiver rejected the document; retrying cannot help
		return backoff.Permanent(fmt.Errorf("destination %s rejected delivery: %s", sub.Destination, resp.Status))
	default:
		return fmt.Errorf("destination %s answered %s", sub.Destination, resp.Status)
	}
}

func signPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
