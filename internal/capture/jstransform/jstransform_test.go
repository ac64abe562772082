package jstransform

import (
	"testing"

	"github.com/coachpo/eventtap/errs"
	"github.com/coachpo/eventtap/internal/schema"
)

func TestCompileValidation(t *testing.T) {
	if _, err := Compile("empty", "   "); !errs.HasCode(err, errs.CodeInvalid) {
		t.Errorf("empty script: got %v, want invalid", err)
	}
	if _, err := Compile("syntax", "function transform(evt { return evt; }"); !errs.HasCode(err, errs.CodeInvalid) {
		t.Errorf("syntax error: got %v, want invalid", err)
	}
	if _, err := Compile("missing", "var x = 1;"); !errs.HasCode(err, errs.CodeInvalid) {
		t.Errorf("missing entrypoint: got %v, want invalid", err)
	}
	if _, err := Compile("notfn", "var transform = 42;"); !errs.HasCode(err, errs.CodeInvalid) {
		t.Errorf("non-function entrypoint: got %v, want invalid", err)
	}
}

func TestCompileDefaultsName(t *testing.T) {
	p, err := Compile("  ", "function transform(evt) { return null; }")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if p.Name() != "inline" {
		t.Errorf("Name() = %q, want inline", p.Name())
	}
}

func TestTransformNullKeepsRaw(t *testing.T) {
	p, err := Compile("keep", "function transform(evt) { return null; }")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	out, err := p.Transform()(&schema.Event{EventID: "e1"})
	if err != nil {
		t.Fatalf("transform: %v", err)
	}
	if out != nil {
		t.Errorf("null result should yield nil, got %+v", out)
	}
}

func TestTransformRewritesFields(t *testing.T) {
	const src = `
function transform(evt) {
	return {
		symbol: "MASKED",
		payload: { state: evt.payload.state, redacted: true },
	};
}`
	p, err := Compile("mask", src)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	raw := &schema.Event{
		EventID: "e1",
		Channel: schema.ChannelStatus,
		Symbol:  "BTC-USDT",
		Seq:     5,
		Payload: schema.StatusPayload{State: "connected", Detail: "secret"},
	}
	out, err := p.Transform()(raw)
	if err != nil {
		t.Fatalf("transform: %v", err)
	}
	if out == nil {
		t.Fatal("expected a transformed event")
	}
	if out.Symbol != "MASKED" {
		t.Errorf("Symbol = %q, want MASKED", out.Symbol)
	}
	// Untouched fields carry over from the raw notification.
	if out.EventID != "e1" || out.Seq != 5 || out.Channel != schema.ChannelStatus {
		t.Errorf("carried fields diverged: %+v", out)
	}
	payload, ok := out.Payload.(map[string]any)
	if !ok {
		t.Fatalf("payload type %T", out.Payload)
	}
	if payload["state"] != "connected" || payload["redacted"] != true {
		t.Errorf("payload = %v", payload)
	}
	if raw.Symbol != "BTC-USDT" {
		t.Error("raw notification must not be mutated")
	}
}

func TestTransformThrowReportsError(t *testing.T) {
	p, err := Compile("reject", `function transform(evt) { throw new Error("nope"); }`)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	out, err := p.Transform()(&schema.Event{EventID: "e1"})
	if err == nil {
		t.Fatal("expected an error from a throwing script")
	}
	if out != nil {
		t.Errorf("throwing script must not yield an event, got %+v", out)
	}
}

func TestTransformNilEvent(t *testing.T) {
	p, err := Compile("nil", "function transform(evt) { return null; }")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if _, err := p.Transform()(nil); err != nil {
		t.Errorf("nil event: %v", err)
	}
}
