package bundlesync

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-go-golems/fluxloop/pkg/turns"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const DefaultStreamWorkers = 2

type streamedTurn struct {
	RunID      string          `json:"run_id"`
	TurnID     string          `json:"turn_id"`
	Sequence   int             `json:"sequence"`
	Role       string          `json:"role"`
	Content    string          `json:"content"`
	Timestamp  string          `json:"timestamp"`
	DurationMs *int64          `json:"duration_ms"`
	Warnings   []turns.Warning `json:"warnings"`
}

// IdempotencyKey identifies one turn for the coordination service.
func IdempotencyKey(rec turns.Record) string {
	return rec.RunID + ":" + rec.TurnID
}

// Streamer sends turns to the coordination service as they are recorded. Turns
// are queued without blocking the caller and sent by a small pool of workers.
// Send failures are logged and counted, never returned.
type Streamer struct {
	client   *Client
	endpoint string
	workers  int

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []turns.Record
	closed bool

	eg     errgroup.Group
	ctx    context.Context
	sent   atomic.Int64
	failed atomic.Int64
}

var _ turns.Sink = (*Streamer)(nil)

type StreamerOption func(*Streamer)

func WithWorkers(n int) StreamerOption {
	return func(s *Streamer) {
		if n > 0 {
			s.workers = n
		}
	}
}

func WithEndpoint(endpoint string) StreamerOption {
	return func(s *Streamer) {
		if endpoint != "" {
			s.endpoint = endpoint
		}
	}
}

// NewStreamer starts the workers. Sends carry the values of ctx but not its
// cancellation: turns queued before an interrupt are still delivered by Close.
// Each send stays bounded by the client's attempt timeout and retry count.
func NewStreamer(ctx context.Context, c *Client, opts ...StreamerOption) *Streamer {
	s := &Streamer{
		client:   c,
		endpoint: TurnsEndpoint,
		workers:  DefaultStreamWorkers,
		ctx:      context.WithoutCancel(ctx),
	}
	s.cond = sync.NewCond(&s.mu)
	for _, o := range opts {
		o(s)
	}
	for i := 0; i < s.workers; i++ {
		s.eg.Go(s.work)
	}
	return s
}

// HandleTurn queues a turn. It never blocks on the network.
func (s *Streamer) HandleTurn(_ context.Context, rec turns.Record) error {
	if rec.RunID == "" || rec.TurnID == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		log.Warn().Str("turn_id", rec.TurnID).Msg("streamer closed, dropping turn")
		s.failed.Add(1)
		return nil
	}
	s.queue = append(s.queue, rec)
	s.cond.Signal()
	return nil
}

// Close stops accepting turns and waits until every queued turn was sent or
// failed.
func (s *Streamer) Close() error {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
	_ = s.eg.Wait()
	log.Debug().Int64("sent", s.sent.Load()).Int64("failed", s.failed.Load()).Msg("turn streaming drained")
	return nil
}

// Stats reports how many turns were delivered and how many were given up on.
func (s *Streamer) Stats() (sent int64, failed int64) {
	return s.sent.Load(), s.failed.Load()
}

func (s *Streamer) work() error {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return nil
		}
		rec := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.send(rec)
	}
}

func (s *Streamer) send(rec turns.Record) {
	payload := streamedTurn{
		RunID:      rec.RunID,
		TurnID:     rec.TurnID,
		Sequence:   rec.Sequence,
		Role:       rec.Role,
		Content:    rec.Content,
		Timestamp:  rec.Timestamp,
		DurationMs: rec.DurationMs,
		Warnings:   rec.Warnings,
	}
	if payload.Timestamp == "" {
		payload.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if payload.Warnings == nil {
		payload.Warnings = []turns.Warning{}
	}
	headers := map[string]string{"Idempotency-Key": IdempotencyKey(rec)}
	if err := s.client.PostJSON(s.ctx, s.endpoint, payload, headers, nil); err != nil {
		s.failed.Add(1)
		log.Warn().Err(err).Str("run_id", rec.RunID).Str("turn_id", rec.TurnID).Msg("turn stream failed")
		return
	}
	s.sent.Add(1)
	log.Debug().Str("turn_id", rec.TurnID).Msg("streamed turn")
}
