package turnscmd

import (
	"context"
	"fmt"
	"io"

	"github.com/go-go-golems/fluxloop/pkg/redisstream"
	"github.com/go-go-golems/fluxloop/pkg/turns"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// TurnsTailCommand prints turns published to Redis by a running experiment.
type TurnsTailCommand struct {
	*cmds.CommandDescription
}

var _ cmds.WriterCommand = (*TurnsTailCommand)(nil)

func NewTurnsTailCommand() (*TurnsTailCommand, error) {
	redisSection, err := redisstream.NewSection()
	if err != nil {
		return nil, errors.Wrap(err, "build redis section")
	}
	desc := cmds.NewCommandDescription(
		"tail",
		cmds.WithShort("Follow turns published to the Redis stream"),
		cmds.WithLong("Subscribe to the turn stream written by test and run --redis-enabled and print each turn as it arrives. Stops on Ctrl-C."),
		cmds.WithSections(redisSection),
	)
	return &TurnsTailCommand{CommandDescription: desc}, nil
}

func (c *TurnsTailCommand) RunIntoWriter(ctx context.Context, parsed *values.Values, w io.Writer) error {
	s := redisstream.Settings{}
	if err := parsed.DecodeSectionInto(redisstream.SectionSlug, &s); err != nil {
		return errors.Wrap(err, "decode redis settings")
	}
	msgs, closeFn, err := redisstream.Subscribe(ctx, s)
	if err != nil {
		return err
	}
	defer func() { _ = closeFn() }()

	log.Info().Str("addr", s.Addr).Str("group", s.Group).Msg("tailing turns")
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			ev, err := redisstream.DecodeTurnEvent(msg)
			msg.Ack()
			if err != nil {
				log.Warn().Err(err).Str("uuid", msg.UUID).Msg("skipping undecodable turn event")
				continue
			}
			if _, err := fmt.Fprintln(w, FormatTurnEvent(ev)); err != nil {
				return err
			}
		}
	}
}

// FormatTurnEvent renders one line per turn, e.g.
// "exp_1 run-1 #2 assistant: hello [empty_response]".
func FormatTurnEvent(ev redisstream.TurnEvent) string {
	line := fmt.Sprintf("%s %s #%d %s: %s", ev.ExperimentID, ev.RunID, ev.Sequence, ev.Role, ev.Content)
	if msg := turns.FormatWarning(ev.Warnings); msg != "" {
		line += " [" + msg + "]"
	}
	return line
}
