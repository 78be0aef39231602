package services

import (
	"context"
	"testing"
	"time"

	"puclima/observability"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestDispatcher(store DeviceStore, workers int) *Dispatcher {
	proc := newTestProcessor(store, func(c *ProcessorConfig) {
		c.UpdatesPerSample = 1
		c.HistMax = 1000
	})
	return NewDispatcher(proc, workers, 16, zap.NewNop(), observability.NewMetricsForTesting())
}

func TestDispatcher_PreservesPerDeviceOrder(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	d := newTestDispatcher(store, 4)
	d.Start(ctx)

	for i := 0; i < 50; i++ {
		require.True(t, d.Submit(senmlPayload(baseExterna, payloadBase+float64(i), 20, 0.01)))
		require.True(t, d.Submit(senmlPayload(baseInterna, payloadBase+float64(i), 20, 0.02)))
	}

	d.Stop()
	require.True(t, d.WaitForShutdown(5*time.Second))

	for _, key := range []string{"temp_externa", "temp_interna"} {
		entries, err := store.ListHistory(ctx, key)
		require.NoError(t, err)
		require.Len(t, entries, 50, key)
		for i, e := range entries {
			assert.Equal(t, payloadBase+float64(i), e.Entry.SourceTimestamp.Value, "%s entry %d", key, i)
		}
	}
}

func TestDispatcher_DropsUnknownInline(t *testing.T) {
	store := NewMemoryStore()
	d := newTestDispatcher(store, 2)
	d.Start(context.Background())

	assert.True(t, d.Submit([]byte(`garbage`)))
	assert.True(t, d.Submit(senmlPayload("DEADBEEF", payloadBase, 20, 0.01)))

	d.Stop()
	require.True(t, d.WaitForShutdown(time.Second))
	assert.Empty(t, store.Keys())
}

func TestDispatcher_RejectsAfterStop(t *testing.T) {
	store := NewMemoryStore()
	d := newTestDispatcher(store, 1)
	d.Start(context.Background())

	d.Stop()
	d.Stop()

	assert.False(t, d.Submit(senmlPayload(baseExterna, payloadBase, 20, 0.01)))
	require.True(t, d.WaitForShutdown(time.Second))
	assert.Empty(t, store.Keys())
}

func TestDispatcher_ShardIsStable(t *testing.T) {
	d := newTestDispatcher(NewMemoryStore(), 8)

	first := d.shard("temp_externa")
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, d.shard("temp_externa"))
	}
	assert.Less(t, first, 8)
	assert.Equal(t, 0, d.QueueDepth())
}

func TestDispatcher_TrySubmitDropsWhenQueueFull(t *testing.T) {
	d := newTestDispatcher(NewMemoryStore(), 1)

	// workers not started, so the single queue of 16 fills up
	for i := 0; i < 16; i++ {
		require.True(t, d.TrySubmit(senmlPayload(baseExterna, payloadBase+float64(i), 20, 0.01)))
	}

	start := time.Now()
	assert.False(t, d.TrySubmit(senmlPayload(baseExterna, payloadBase+16, 20, 0.01)))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 16, d.QueueDepth())
}
