package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"logdeck/models"
)

func TestDispatcherFansOutToAllDeviceListeners(t *testing.T) {
	d := NewDispatcher()
	a, b := &collector{}, &collector{}
	d.SubscribeDevices(a)
	d.SubscribeDevices(b)

	d.PublishConnected(dev("SER1"))
	d.PublishDisconnected(dev("SER2"))
	d.PublishChanged([]models.Device{dev("SER1")})

	for _, c := range []*collector{a, b} {
		connected, disconnected, changed := c.snapshot()
		require.Len(t, connected, 1)
		assert.Equal(t, "SER1", connected[0].ID)
		require.Len(t, disconnected, 1)
		assert.Equal(t, "SER2", disconnected[0].ID)
		require.Len(t, changed, 1)
	}
}

func TestDispatcherUnsubscribeStopsDelivery(t *testing.T) {
	d := NewDispatcher()
	a, b := &collector{}, &collector{}
	d.SubscribeDevices(a)
	d.SubscribeDevices(b)
	d.UnsubscribeDevices(a)

	d.PublishConnected(dev("SER1"))

	connected, _, _ := a.snapshot()
	assert.Empty(t, connected, "unsubscribed listener must not receive events")
	connected, _, _ = b.snapshot()
	assert.Len(t, connected, 1)
}

func TestDispatcherLogBatchDelivery(t *testing.T) {
	d := NewDispatcher()
	sink := &collector{}
	d.SubscribeLogs(sink)

	d.PublishLogBatch("sess-1", "SER1", "line one\nline two", 2)
	d.UnsubscribeLogs(sink)
	d.PublishLogBatch("sess-1", "SER1", "line three", 1)

	batches := sink.batchSnapshot()
	require.Len(t, batches, 1)
	assert.Equal(t, "sess-1", batches[0].sessionID)
	assert.Equal(t, "SER1", batches[0].deviceID)
	assert.Equal(t, 2, batches[0].lines)
}

func TestDispatcherPublishWithNoListeners(t *testing.T) {
	d := NewDispatcher()
	assert.NotPanics(t, func() {
		d.PublishConnected(dev("SER1"))
		d.PublishLogBatch("sess-1", "SER1", "line", 1)
	})
}
