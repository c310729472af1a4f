// Package bus is the in-process notification channel between the capture
// path and the subscription engine. Publishing never blocks the capture
// caller; a full subscriber drops the notice instead.
package bus

import (
	"sync"

	"go.uber.org/zap"

	"github.com/trackvision/tv-epcis-repository/logger"
	"github.com/trackvision/tv-epcis-repository/types"
)

const subscriberBuffer = 256

// Bus fans captured notices out to every subscriber.
type Bus struct {
	mu     sync.RWMutex
	subs   []chan types.CapturedNotice
	closed bool
}

func New() *Bus {
	return &Bus{}
}

// Subscribe returns a receive channel for captured notices. The channel is
// closed when the bus shuts down.
func (b *Bus) Subscribe() <-chan types.CapturedNotice {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan types.CapturedNotice, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

// Publish delivers a notice to every subscriber, best effort. Slow
// subscribers lose notices rather than stalling capture commits.
func (b *Bus) Publish(notice types.CapturedNotice) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- notice:
		default:
			logger.Warn("dropping capture notice for slow subscriber",
				zap.String("capture_id", notice.CaptureID))
		}
	}
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
