package eventbus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryEventBus(t *testing.T) {
	bus := NewMemoryEventBus()
	ctx := context.Background()

	require.NoError(t, bus.PublishAnalysisEvent(ctx, "a-1", &AnalysisEvent{Type: EventStatus}))
	require.NoError(t, bus.PublishAnalysisEvent(ctx, "a-1", &AnalysisEvent{Type: EventStep}))
	require.NoError(t, bus.PublishAnalysisEvent(ctx, "a-2", &AnalysisEvent{Type: EventStatus}))

	evs, err := bus.GetAnalysisEvents(ctx, "a-1", 0)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, 2, evs[1].Seq)
	assert.Equal(t, "a-1", evs[1].AnalysisID)

	ch, err := bus.SubscribeAnalysisEvents(ctx, "a-2")
	require.NoError(t, err)
	n := 0
	for range ch {
		n++
	}
	assert.Equal(t, 1, n)

	require.NoError(t, bus.DeleteAnalysisEvents(ctx, "a-1"))
	evs, err = bus.GetAnalysisEvents(ctx, "a-1", 0)
	require.NoError(t, err)
	assert.Empty(t, evs)
}
