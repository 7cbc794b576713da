package target

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/console"
	"github.com/dop251/goja_nodejs/require"
	"github.com/go-go-golems/fluxloop/pkg/config"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// scriptHost owns one goja runtime. goja runtimes are not safe for concurrent
// use, so every entry into the VM holds mu.
type scriptHost struct {
	mu  sync.Mutex
	vm  *goja.Runtime
	req *require.RequireModule
}

func newScriptHost() *scriptHost {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	registry := require.NewRegistry()
	registry.RegisterNativeModule(console.ModuleName, console.RequireWithPrinter(logPrinter{}))
	req := registry.Enable(vm)
	console.Enable(vm)

	return &scriptHost{vm: vm, req: req}
}

type logPrinter struct{}

func (logPrinter) Log(s string)   { log.Info().Str("source", "script").Msg(s) }
func (logPrinter) Warn(s string)  { log.Warn().Str("source", "script").Msg(s) }
func (logPrinter) Error(s string) { log.Error().Str("source", "script").Msg(s) }

func (h *scriptHost) resolve(spec Spec, baseDir string) (Handle, error) {
	path := spec.Module
	if !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, config.Wrap(errors.Wrapf(err, "resolve script path %s", spec.Module), "resolve target")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	exports, err := h.req.Require(abs)
	if err != nil {
		return nil, config.Wrap(errors.Wrapf(err, "load script module %s", abs), "resolve target")
	}

	var cur goja.Value = exports
	var this goja.Value = goja.Undefined()
	for i, seg := range spec.Attr {
		if cur == nil || goja.IsUndefined(cur) || goja.IsNull(cur) {
			return nil, config.Errorf("resolve target", "%s: cannot walk into %q", spec, strings.Join(spec.Attr[:i], "."))
		}
		obj := cur.ToObject(h.vm)
		next := obj.Get(seg)
		if next == nil || goja.IsUndefined(next) {
			inst, method, ok := h.instantiateFor(cur, seg)
			if !ok {
				return nil, config.Errorf("resolve target", "%s: attribute %q not found", spec, seg)
			}
			this, next = inst, method
		} else {
			this = obj
		}
		cur = next
	}
	if len(spec.Attr) == 0 {
		this = goja.Undefined()
	}

	fn, ok := goja.AssertFunction(cur)
	if !ok {
		return nil, config.Errorf("resolve target", "%s: resolved symbol is not invocable", spec)
	}
	return &scriptHandle{
		host:   h,
		spec:   spec,
		fn:     fn,
		this:   this,
		params: scriptParams(cur, h.vm),
	}, nil
}

// instantiateFor handles `Class.method` paths: when seg is not an own property
// of a constructor but lives on its prototype, the class is instantiated with
// no arguments and the method is looked up on the instance.
func (h *scriptHost) instantiateFor(ctor goja.Value, seg string) (goja.Value, goja.Value, bool) {
	if _, ok := goja.AssertConstructor(ctor); !ok {
		return nil, nil, false
	}
	proto := ctor.ToObject(h.vm).Get("prototype")
	if proto == nil || goja.IsUndefined(proto) {
		return nil, nil, false
	}
	if m := proto.ToObject(h.vm).Get(seg); m == nil || goja.IsUndefined(m) {
		return nil, nil, false
	}
	inst, err := h.vm.New(ctor)
	if err != nil {
		log.Warn().Err(err).Str("method", seg).Msg("could not instantiate script class")
		return nil, nil, false
	}
	return inst, inst.Get(seg), true
}

type scriptHandle struct {
	host   *scriptHost
	spec   Spec
	fn     goja.Callable
	this   goja.Value
	params []Param
}

func (s *scriptHandle) Spec() Spec      { return s.spec }
func (s *scriptHandle) Kind() Kind      { return ScriptTarget }
func (s *scriptHandle) Params() []Param { return append([]Param(nil), s.params...) }

func (s *scriptHandle) Invoke(ctx context.Context, args Args) (any, error) {
	positional, err := Positional(s.params, args)
	if err != nil {
		return nil, errors.Wrapf(err, "invoke %s", s.spec)
	}

	h := s.host
	h.mu.Lock()
	defer h.mu.Unlock()

	vm := h.vm
	stop := context.AfterFunc(ctx, func() { vm.Interrupt(ctx.Err()) })
	defer func() {
		stop()
		vm.ClearInterrupt()
	}()

	jsArgs := make([]goja.Value, 0, len(positional))
	for _, a := range positional {
		jsArgs = append(jsArgs, toJSValue(vm, a))
	}

	ret, err := s.fn(s.this, jsArgs...)
	if err != nil {
		return nil, errors.Wrapf(err, "invoke %s", s.spec)
	}
	return exportResult(ret)
}

func toJSValue(vm *goja.Runtime, v any) goja.Value {
	cb, ok := v.(Callback)
	if !ok {
		return vm.ToValue(v)
	}
	return vm.ToValue(func(call goja.FunctionCall) goja.Value {
		args := make([]any, 0, len(call.Arguments))
		for _, a := range call.Arguments {
			args = append(args, a.Export())
		}
		res, err := cb.Call(args, nil)
		if err != nil {
			panic(vm.NewGoError(err))
		}
		return vm.ToValue(res)
	})
}

func exportResult(ret goja.Value) (any, error) {
	if ret == nil || goja.IsUndefined(ret) || goja.IsNull(ret) {
		return nil, nil
	}
	exported := ret.Export()
	p, ok := exported.(*goja.Promise)
	if !ok {
		return exported, nil
	}
	switch p.State() {
	case goja.PromiseStateFulfilled:
		return exportResult(p.Result())
	case goja.PromiseStateRejected:
		reason := p.Result()
		if reason == nil {
			return nil, errors.New("script promise rejected")
		}
		return nil, errors.Errorf("script promise rejected: %s", reason.String())
	default:
		return nil, errors.New("script promise still pending after invocation (no event loop to settle it)")
	}
}

var (
	paramListRe  = regexp.MustCompile(`^\s*(?:async\s+)?(?:function\s*\*?\s*[\w$]*\s*)?[\w$]*\s*\(([^)]*)\)`)
	arrowParamRe = regexp.MustCompile(`^\s*(?:async\s+)?([A-Za-z_$][\w$]*)\s*=>`)
)

// scriptParams recovers parameter names from the function source. Destructured
// parameters fall back to positional names derived from `length`.
func scriptParams(fn goja.Value, vm *goja.Runtime) []Param {
	src := fn.String()
	if m := arrowParamRe.FindStringSubmatch(src); m != nil {
		return []Param{{Name: m[1]}}
	}
	m := paramListRe.FindStringSubmatch(src)
	if m == nil || strings.ContainsAny(m[1], "{[") {
		return lengthParams(fn, vm)
	}
	var out []Param
	for _, raw := range strings.Split(m[1], ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		p := Param{}
		if strings.HasPrefix(raw, "...") {
			raw = strings.TrimPrefix(raw, "...")
			p.Optional = true
		}
		if name, _, hasDefault := strings.Cut(raw, "="); hasDefault {
			raw = name
			p.Optional = true
		}
		p.Name = strings.TrimSpace(raw)
		out = append(out, p)
	}
	return out
}

func lengthParams(fn goja.Value, vm *goja.Runtime) []Param {
	n := fn.ToObject(vm).Get("length")
	if n == nil {
		return nil
	}
	count := int(n.ToInteger())
	out := make([]Param, 0, count)
	for i := 0; i < count; i++ {
		out = append(out, Param{Name: fmt.Sprintf("arg%d", i)})
	}
	return out
}
