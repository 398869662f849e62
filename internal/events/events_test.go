package events

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type failingSink struct{}

func (failingSink) LogEvent(context.Context, Event) error { return errors.New("disk full") }

type memWriter struct{ got []Event }

func (w *memWriter) AppendEvent(_ context.Context, ev Event) error {
	w.got = append(w.got, ev)
	return nil
}

func TestMultiStampsOnceAndJoinsErrors(t *testing.T) {
	rec := NewRecorder()
	w := &memWriter{}
	err := Multi{rec, failingSink{}, NewStoreSink(w)}.LogEvent(context.Background(), Event{Type: TypeRunStart, RunID: "r1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	require.Len(t, rec.Events(), 1)
	require.Len(t, w.got, 1)
	assert.Equal(t, rec.Events()[0].ID, w.got[0].ID)
	assert.Equal(t, LevelInfo, w.got[0].Level)
	assert.False(t, w.got[0].At.IsZero())
}

func TestHubDeliversToRunSubscribersOnly(t *testing.T) {
	h := NewHub()
	ch, unsubscribe := h.Subscribe("run-a")
	other, unsubscribeOther := h.Subscribe("run-b")
	defer unsubscribeOther()

	require.NoError(t, h.LogEvent(context.Background(), Event{Type: TypeTurnEnd, RunID: "run-a", TurnIndex: 1}))
	ev := <-ch
	assert.Equal(t, 1, ev.TurnIndex)
	assert.Len(t, other, 0)

	unsubscribe()
	unsubscribe()
	_, open := <-ch
	assert.False(t, open)
}

func TestHubDropsWhenSubscriberIsFull(t *testing.T) {
	h := NewHub()
	_, unsubscribe := h.Subscribe("run-a")
	defer unsubscribe()
	for i := 0; i < subscriberBuffer+3; i++ {
		require.NoError(t, h.LogEvent(context.Background(), Event{Type: TypeTurnEnd, RunID: "run-a"}))
	}
	assert.Equal(t, 3, h.Dropped())
}

func TestZapSinkMapsLevels(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	s := NewZapSink(zap.New(core))
	require.NoError(t, s.LogEvent(context.Background(), Event{Level: LevelError, Type: TypeGenerationError, RunID: "r", Severity: SeverityHigh}))
	require.NoError(t, s.LogEvent(context.Background(), Event{Level: LevelWarn, Type: TypeSafetyEscalated, RunID: "r"}))

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "GENERATION.ERROR", entries[0].Message)
	assert.Equal(t, zap.ErrorLevel, entries[0].Level)
	assert.Equal(t, "high", entries[0].ContextMap()["severity"])
	assert.Equal(t, zap.WarnLevel, entries[1].Level)
}

func TestRecorderCount(t *testing.T) {
	r := NewRecorder()
	ctx := context.Background()
	_ = r.LogEvent(ctx, Event{Type: TypeGenerationError, Level: LevelError})
	_ = r.LogEvent(ctx, Event{Type: TypeGenerationError, Level: LevelError})
	_ = r.LogEvent(ctx, Event{Type: TypeTurnEnd})
	assert.Equal(t, 2, r.Count(TypeGenerationError, LevelError))
	assert.Equal(t, 3, r.Count("", ""))
}
