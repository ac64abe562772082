// Package jstransform compiles user-supplied JavaScript into capture
// transforms. Scripts declare a transform(event) function; returning an
// object replaces the stored value, returning null or undefined keeps the
// raw notification, and throwing drops it through the buffer's transform
// error path.
package jstransform

import (
	"fmt"
	"strings"
	"sync"

	"github.com/dop251/goja"
	json "github.com/goccy/go-json"

	"github.com/coachpo/eventtap/errs"
	"github.com/coachpo/eventtap/internal/capture"
	"github.com/coachpo/eventtap/internal/schema"
)

const entrypoint = "transform"

// Program wraps a compiled script together with the runtime executing it.
// Goja runtimes are not goroutine-safe, so every invocation serializes
// behind a mutex; the buffer delivers notifications one at a time anyway.
type Program struct {
	name string

	mu sync.Mutex
	rt *goja.Runtime
	fn goja.Callable
}

// Compile parses and evaluates src and resolves its transform entrypoint.
// The name labels compile and runtime errors for operators.
func Compile(name, src string) (*Program, error) {
	trimmedName := strings.TrimSpace(name)
	if trimmedName == "" {
		trimmedName = "inline"
	}
	if strings.TrimSpace(src) == "" {
		return nil, errs.New("jstransform/compile", errs.CodeInvalid, errs.WithMessage("script required"))
	}

	program, err := goja.Compile(trimmedName, src, true)
	if err != nil {
		return nil, errs.New("jstransform/compile", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("compile %s", trimmedName)), errs.WithCause(err))
	}

	rt := goja.New()
	if _, err := rt.RunProgram(program); err != nil {
		return nil, errs.New("jstransform/compile", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("evaluate %s", trimmedName)), errs.WithCause(err))
	}

	fn, ok := goja.AssertFunction(rt.Get(entrypoint))
	if !ok {
		return nil, errs.New("jstransform/compile", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("script %s must define %s(event)", trimmedName, entrypoint)))
	}

	return &Program{name: trimmedName, rt: rt, fn: fn}, nil
}

// Name reports the label the program was compiled under.
func (p *Program) Name() string {
	return p.name
}

// Transform adapts the program to the capture.Transform contract.
func (p *Program) Transform() capture.Transform {
	return p.apply
}

func (p *Program) apply(evt *schema.Event) (out *schema.Event, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// goja panics when scripts throw certain runtime errors.
	defer func() {
		if rec := recover(); rec != nil {
			out = nil
			err = fmt.Errorf("js transform %s: %v", p.name, rec)
		}
	}()

	value, callErr := p.fn(goja.Undefined(), p.rt.ToValue(eventEnv(evt)))
	if callErr != nil {
		return nil, fmt.Errorf("js transform %s: %w", p.name, callErr)
	}
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return nil, nil
	}

	exported := value.Export()
	encoded, marshalErr := json.Marshal(exported)
	if marshalErr != nil {
		return nil, fmt.Errorf("js transform %s: encode result: %w", p.name, marshalErr)
	}

	stored := schema.CloneEvent(evt)
	stored.Payload = nil
	if unmarshalErr := json.Unmarshal(encoded, stored); unmarshalErr != nil {
		return nil, fmt.Errorf("js transform %s: decode result: %w", p.name, unmarshalErr)
	}
	return stored, nil
}

// eventEnv exposes the notification to the script as plain data.
func eventEnv(evt *schema.Event) map[string]any {
	if evt == nil {
		return map[string]any{}
	}
	env := map[string]any{
		"event_id":  evt.EventID,
		"channel":   string(evt.Channel),
		"source":    evt.Source,
		"symbol":    evt.Symbol,
		"seq":       evt.Seq,
		"ingest_ts": evt.IngestTS,
	}
	if evt.Payload != nil {
		// Round-trip through JSON so scripts see plain objects, not Go types.
		if encoded, err := json.Marshal(evt.Payload); err == nil {
			var payload any
			if err := json.Unmarshal(encoded, &payload); err == nil {
				env["payload"] = payload
			}
		}
	}
	return env
}
