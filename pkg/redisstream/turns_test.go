package redisstream

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/go-go-golems/fluxloop/pkg/turns"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestTurnPublisher_PublishesRecord(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	bus := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	msgs, err := bus.Subscribe(ctx, "turns")
	require.NoError(t, err)

	p := NewTurnPublisherWith(bus, "turns", "exp_1")
	defer func() { _ = p.Close() }()

	rec := turns.Record{RunID: "r1", TurnID: "r1-t2", Sequence: 2, Role: turns.RoleAssistant, Content: "hello"}
	require.NoError(t, p.HandleTurn(ctx, rec))

	select {
	case msg := <-msgs:
		msg.Ack()
		require.Equal(t, "r1-t2", msg.Metadata.Get("turn_id"))
		require.Equal(t, "exp_1", msg.Metadata.Get("experiment_id"))
		ev, err := DecodeTurnEvent(msg)
		require.NoError(t, err)
		require.Equal(t, "exp_1", ev.ExperimentID)
		require.Equal(t, rec, ev.Record)
	case <-ctx.Done():
		t.Fatal("no message received")
	}
}

func TestWatermillLogger_WritesThroughZerolog(t *testing.T) {
	var buf bytes.Buffer
	l := NewWatermillLogger(zerolog.New(&buf).Level(zerolog.DebugLevel))

	l.With(watermill.LogFields{"topic": "turns"}).Info("published", watermill.LogFields{"n": 1})
	l.Trace("hidden", nil)

	out := buf.String()
	require.Contains(t, out, `"topic":"turns"`)
	require.Contains(t, out, `"n":1`)
	require.Contains(t, out, `"component":"watermill"`)
	require.NotContains(t, out, "hidden")
}
