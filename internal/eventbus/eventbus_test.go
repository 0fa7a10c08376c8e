package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPublish_FanOut(t *testing.T) {
	b := NewBus()
	var mu sync.Mutex
	var got []Event
	b.Subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e)
	})

	b.Publish(Event{CorrelationID: "c1", Stage: "conversation", Type: EventStageStarted})
	b.Publish(Event{CorrelationID: "c1", Stage: "conversation", Type: EventStageCompleted})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	require.Equal(t, uint64(1), got[0].Seq)
	require.Equal(t, uint64(2), got[1].Seq)
}

func TestNextSeq_MonotonicPerCorrelationID(t *testing.T) {
	b := NewBus()
	require.Equal(t, uint64(1), b.NextSeq("a"))
	require.Equal(t, uint64(2), b.NextSeq("a"))
	require.Equal(t, uint64(1), b.NextSeq("b"))
}

func TestChannel_DropsWhenFull(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := NewBus()
	ch := b.Channel(ctx, 1)

	b.Publish(Event{CorrelationID: "c1", Type: EventStageStarted})
	b.Publish(Event{CorrelationID: "c1", Type: EventStageCompleted})

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected buffered event")
	}
}

func TestGenerateID_HasPrefix(t *testing.T) {
	id := GenerateID("corr")
	require.Contains(t, id, "corr-")
	require.Greater(t, len(id), len("corr-"))
}
