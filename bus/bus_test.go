package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trackvision/tv-epcis-repository/types"
)

func TestPublishFansOut(t *testing.T) {
	b := New()
	a := b.Subscribe()
	c := b.Subscribe()

	notice := types.CapturedNotice{CaptureID: "cap-1", TenantID: "t1", Events: 3}
	b.Publish(notice)

	assert.Equal(t, notice, <-a)
	assert.Equal(t, notice, <-c)
}

func TestPublishDropsWhenSubscriberFull(t *testing.T) {
	b := New()
	ch := b.Subscribe()

	for i := 0; i < subscriberBuffer+10; i++ {
		b.Publish(types.CapturedNotice{CaptureID: "cap"})
	}

	// the buffer holds what fits, the overflow is gone, Publish never blocked
	assert.Len(t, ch, subscriberBuffer)
}

func TestCloseClosesSubscribers(t *testing.T) {
	b := New()
	ch := b.Subscribe()
	b.Close()

	_, open := <-ch
	assert.False(t, open)

	// publish and a second close are no-ops after shutdown
	b.Publish(types.CapturedNotice{CaptureID: "cap"})
	b.Close()
}

func TestSubscribeAfterClose(t *testing.T) {
	b := New()
	b.Close()

	ch := b.Subscribe()
	require.NotNil(t, ch)
	_, open := <-ch
	assert.False(t, open)
}
