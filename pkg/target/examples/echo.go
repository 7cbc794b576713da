// Package examples registers small reference agents used by the smoke
// scenario and tests.
package examples

import (
	"context"
	"fmt"
	"time"

	"github.com/go-go-golems/fluxloop/pkg/target"
)

const EchoModule = "examples.echo"

func init() {
	Register(target.DefaultRegistry)
}

// Register adds the examples.echo module to reg.
//
//	examples.echo:run             returns its input unchanged
//	examples.echo:run_async       same, as a suspending target
//	examples.echo:Handler.handle  answers through send_message_callback
func Register(reg *target.Registry) {
	reg.MustRegister(EchoModule, target.Exports{
		"run": target.Func{
			Params: []target.Param{{Name: "input_text"}},
			Fn: func(ctx context.Context, args target.Args) (any, error) {
				return args["input_text"], nil
			},
		},
		"run_async": target.Func{
			Params: []target.Param{{Name: "input_text"}},
			Fn: func(ctx context.Context, args target.Args) (any, error) {
				in := args["input_text"]
				return target.Go(ctx, func(ctx context.Context) (any, error) {
					select {
					case <-time.After(time.Millisecond):
						return in, nil
					case <-ctx.Done():
						return nil, ctx.Err()
					}
				}), nil
			},
		},
		"Handler": target.Class{
			New: func() (any, error) { return &handler{prefix: "Echo: "}, nil },
			Methods: map[string]target.Method{
				"handle": {
					Params: []target.Param{{Name: "data"}, {Name: "send_message_callback", Optional: true}},
					Fn: func(ctx context.Context, recv any, args target.Args) (any, error) {
						return recv.(*handler).handle(args)
					},
				},
			},
		},
	})
}

type handler struct {
	prefix string
}

func (h *handler) handle(args target.Args) (any, error) {
	data, _ := args["data"].(map[string]any)
	content := fmt.Sprint(data["content"])
	reply := h.prefix + content
	cb, ok := args["send_message_callback"].(target.Callback)
	if !ok {
		return reply, nil
	}
	if _, err := cb.Call([]any{reply}, nil); err != nil {
		return nil, err
	}
	return nil, nil
}
