package wsfeed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/coachpo/eventtap/errs"
	"github.com/coachpo/eventtap/internal/schema"
)

type collectingPublisher struct {
	mu     sync.Mutex
	events []*schema.Event
}

func (c *collectingPublisher) Publish(_ context.Context, evt *schema.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
	return nil
}

func (c *collectingPublisher) snapshot() []*schema.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*schema.Event(nil), c.events...)
}

func (c *collectingPublisher) waitFor(t *testing.T, n int) []*schema.Event {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if got := c.snapshot(); len(got) >= n {
			return got
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d published events, have %d", n, len(c.snapshot()))
	return nil
}

func TestNewValidation(t *testing.T) {
	pub := &collectingPublisher{}

	if _, err := New(Config{URL: "ws://x", Channel: schema.ChannelTick}, nil); !errs.HasCode(err, errs.CodeInvalid) {
		t.Errorf("nil publisher: got %v, want invalid", err)
	}
	if _, err := New(Config{Channel: schema.ChannelTick}, pub); !errs.HasCode(err, errs.CodeInvalid) {
		t.Errorf("missing url: got %v, want invalid", err)
	}
	if _, err := New(Config{URL: "ws://x", Channel: "bad channel"}, pub); !errs.HasCode(err, errs.CodeInvalid) {
		t.Errorf("bad channel: got %v, want invalid", err)
	}
}

func TestConfigNormalizeDefaults(t *testing.T) {
	cfg := Config{Name: " feed ", URL: " ws://x ", Channel: " tick "}.normalize()

	if cfg.Name != "feed" || cfg.URL != "ws://x" || cfg.Channel != schema.ChannelTick {
		t.Errorf("normalize = %+v", cfg)
	}
	if cfg.ReadLimit != defaultReadLimit {
		t.Errorf("ReadLimit = %d", cfg.ReadLimit)
	}
	if cfg.MaxReconnectInterval != defaultMaxReconnectInterval {
		t.Errorf("MaxReconnectInterval = %v", cfg.MaxReconnectInterval)
	}
}

func TestDecodeFillsDefaults(t *testing.T) {
	feed, err := New(Config{Name: "test", URL: "ws://unused", Channel: schema.ChannelTick}, &collectingPublisher{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	evt, err := feed.decode([]byte(`{"symbol":"BTC-USDT","payload":{"price":"1.5"}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if evt.Channel != schema.ChannelTick {
		t.Errorf("Channel = %q, want feed default", evt.Channel)
	}
	if evt.Source != "test" {
		t.Errorf("Source = %q, want test", evt.Source)
	}
	if evt.Seq != 1 {
		t.Errorf("Seq = %d, want generated 1", evt.Seq)
	}
	if evt.IngestTS.IsZero() {
		t.Error("IngestTS should default to now")
	}
	payload := evt.Payload.(map[string]any)
	if payload["price"] != "1.5" {
		t.Errorf("payload = %v", payload)
	}
}

func TestDecodeHonorsFrameFields(t *testing.T) {
	feed, err := New(Config{Name: "test", URL: "ws://unused", Channel: schema.ChannelTick}, &collectingPublisher{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	evt, err := feed.decode([]byte(`{"event_id":"e9","channel":"trade","seq":42,"ts":"2026-01-02T03:04:05Z"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if evt.EventID != "e9" || evt.Channel != schema.ChannelTrade || evt.Seq != 42 {
		t.Errorf("decoded = %+v", evt)
	}
	if evt.IngestTS != time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) {
		t.Errorf("IngestTS = %v", evt.IngestTS)
	}
}

func TestDecodeMalformed(t *testing.T) {
	feed, err := New(Config{URL: "ws://unused", Channel: schema.ChannelTick}, &collectingPublisher{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := feed.decode([]byte("{not json")); err == nil {
		t.Error("expected decode error for malformed frame")
	}
	if _, err := feed.decode([]byte(`{"payload":"not an object`)); err == nil {
		t.Error("expected decode error for truncated payload")
	}
}

func TestStopWithoutStartReturns(t *testing.T) {
	feed, err := New(Config{URL: "ws://unused", Channel: schema.ChannelTick}, &collectingPublisher{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan struct{})
	go func() {
		feed.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked on a feed that was never started")
	}
}

func TestFeedPublishesFramesFromServer(t *testing.T) {
	frames := []string{
		`{"event_id":"a","seq":1,"payload":{"price":"10"}}`,
		`{malformed}`,
		`{"event_id":"b","seq":2}`,
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		for _, frame := range frames {
			if err := conn.Write(r.Context(), websocket.MessageText, []byte(frame)); err != nil {
				return
			}
		}
		// Hold the session open until the client goes away.
		<-r.Context().Done()
	}))
	defer server.Close()

	pub := &collectingPublisher{}
	feed, err := New(Config{
		Name:    "testfeed",
		URL:     "ws" + strings.TrimPrefix(server.URL, "http"),
		Channel: schema.ChannelTick,
	}, pub)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	feed.Start()
	defer feed.Stop()

	got := pub.waitFor(t, 2)
	if got[0].EventID != "a" || got[1].EventID != "b" {
		t.Errorf("published ids = %q, %q", got[0].EventID, got[1].EventID)
	}
	if got[0].Source != "testfeed" {
		t.Errorf("Source = %q", got[0].Source)
	}
}
