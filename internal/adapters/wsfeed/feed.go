// Package wsfeed bridges an external websocket event stream onto the bus.
// It owns the connection lifecycle: dial, read, decode, publish, reconnect.
package wsfeed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/eventtap/errs"
	"github.com/coachpo/eventtap/internal/observability"
	"github.com/coachpo/eventtap/internal/schema"
	"github.com/coachpo/eventtap/internal/telemetry"
)

const (
	defaultReadLimit            = 2 * 1024 * 1024
	defaultMaxReconnectInterval = 30 * time.Second
)

// Publisher receives decoded events. The in-memory bus satisfies this.
type Publisher interface {
	Publish(ctx context.Context, evt *schema.Event) error
}

// Config describes one websocket ingress feed.
type Config struct {
	// Name labels the feed in logs and metrics.
	Name string
	// URL is the websocket endpoint to dial.
	URL string
	// Channel is stamped on events whose frames omit one.
	Channel schema.Channel
	// ReadLimit bounds frame sizes; zero selects the default.
	ReadLimit int64
	// MaxReconnectInterval caps the reconnect backoff; zero selects the default.
	MaxReconnectInterval time.Duration
}

func (c Config) normalize() Config {
	c.Name = strings.TrimSpace(c.Name)
	c.URL = strings.TrimSpace(c.URL)
	c.Channel = c.Channel.Normalize()
	if c.ReadLimit <= 0 {
		c.ReadLimit = defaultReadLimit
	}
	if c.MaxReconnectInterval <= 0 {
		c.MaxReconnectInterval = defaultMaxReconnectInterval
	}
	return c
}

// wireFrame is the JSON message shape the feed expects from the endpoint.
type wireFrame struct {
	EventID   string          `json:"event_id"`
	Channel   string          `json:"channel"`
	Symbol    string          `json:"symbol"`
	Seq       uint64          `json:"seq"`
	Timestamp time.Time       `json:"ts"`
	Payload   json.RawMessage `json:"payload"`
}

// Feed maintains a websocket session and publishes every decoded frame.
type Feed struct {
	cfg       Config
	publisher Publisher

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	conn   *websocket.Conn
	connMu sync.Mutex

	started atomic.Bool
	seq     atomic.Uint64

	framesCounter    metric.Int64Counter
	decodeErrCounter metric.Int64Counter
	reconnectCounter metric.Int64Counter
}

// New validates the configuration and prepares a feed. Call Start to begin
// the session.
func New(cfg Config, publisher Publisher) (*Feed, error) {
	cfg = cfg.normalize()
	if publisher == nil {
		return nil, errs.New("wsfeed/new", errs.CodeInvalid, errs.WithMessage("publisher required"))
	}
	if cfg.URL == "" {
		return nil, errs.New("wsfeed/new", errs.CodeInvalid, errs.WithMessage("url required"))
	}
	if err := cfg.Channel.Validate(); err != nil {
		return nil, err
	}
	if cfg.Name == "" {
		cfg.Name = string(cfg.Channel)
	}

	ctx, cancel := context.WithCancel(context.Background())
	feed := &Feed{
		cfg:       cfg,
		publisher: publisher,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	meter := otel.Meter("wsfeed")
	feed.framesCounter, _ = meter.Int64Counter("wsfeed.frames.received",
		metric.WithDescription("Number of frames decoded and published"),
		metric.WithUnit("{frame}"))
	feed.decodeErrCounter, _ = meter.Int64Counter("wsfeed.frames.malformed",
		metric.WithDescription("Number of frames skipped due to decode failures"),
		metric.WithUnit("{frame}"))
	feed.reconnectCounter, _ = meter.Int64Counter("wsfeed.reconnects",
		metric.WithDescription("Number of websocket dial attempts by outcome"),
		metric.WithUnit("{attempt}"))

	return feed, nil
}

// Start launches the connection loop in a background goroutine. Subsequent
// calls are no-ops.
func (f *Feed) Start() {
	if !f.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(f.done)
		f.connect()
	}()
}

// Stop tears the session down and waits for the connection loop to exit.
// Safe to call on a feed that was never started.
func (f *Feed) Stop() {
	f.cancel()
	f.connMu.Lock()
	if f.conn != nil {
		_ = f.conn.Close(websocket.StatusNormalClosure, "shutdown")
		f.conn = nil
	}
	f.connMu.Unlock()
	if f.started.Load() {
		<-f.done
	}
}

// connect maintains the websocket session with exponential reconnect backoff.
func (f *Feed) connect() {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = f.cfg.MaxReconnectInterval

	for {
		select {
		case <-f.ctx.Done():
			return
		default:
		}

		conn, _, err := websocket.Dial(f.ctx, f.cfg.URL, nil)
		if err != nil {
			f.recordReconnect("error")
			observability.Log().Error("feed dial failed",
				observability.F("feed", f.cfg.Name), observability.F("error", err))
			sleep := backoffCfg.NextBackOff()
			if sleep == backoff.Stop {
				sleep = f.cfg.MaxReconnectInterval
			}
			select {
			case <-f.ctx.Done():
				return
			case <-time.After(sleep):
				continue
			}
		}

		f.recordReconnect("success")
		backoffCfg.Reset()
		conn.SetReadLimit(f.cfg.ReadLimit)

		f.connMu.Lock()
		f.conn = conn
		f.connMu.Unlock()

		err = f.readLoop(conn)
		f.connMu.Lock()
		f.conn = nil
		f.connMu.Unlock()

		if errors.Is(err, context.Canceled) || f.ctx.Err() != nil {
			return
		}
		observability.Log().Info("feed session ended, reconnecting",
			observability.F("feed", f.cfg.Name), observability.F("error", err))
	}
}

func (f *Feed) readLoop(conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.Read(f.ctx)
		if err != nil {
			return err
		}
		if msgType != websocket.MessageText {
			continue
		}
		evt, err := f.decode(data)
		if err != nil {
			f.recordDecodeError()
			observability.Log().Debug("malformed frame skipped",
				observability.F("feed", f.cfg.Name), observability.F("error", err))
			continue
		}
		if err := f.publisher.Publish(f.ctx, evt); err != nil {
			if errs.HasCode(err, errs.CodeUnavailable) {
				return err
			}
			observability.Log().Error("publish failed",
				observability.F("feed", f.cfg.Name), observability.F("error", err))
			continue
		}
		f.recordFrame(string(evt.Channel))
	}
}

func (f *Feed) decode(data []byte) (*schema.Event, error) {
	var frame wireFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	channel := schema.Channel(frame.Channel).Normalize()
	if channel == "" {
		channel = f.cfg.Channel
	}
	seq := frame.Seq
	if seq == 0 {
		seq = f.seq.Add(1)
	}
	ingest := frame.Timestamp
	if ingest.IsZero() {
		ingest = time.Now().UTC()
	}

	evt := &schema.Event{
		EventID:  frame.EventID,
		Channel:  channel,
		Source:   f.cfg.Name,
		Symbol:   frame.Symbol,
		Seq:      seq,
		IngestTS: ingest,
	}
	if len(frame.Payload) > 0 {
		var payload any
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		evt.Payload = payload
	}
	return evt, nil
}

func (f *Feed) recordFrame(channel string) {
	if f.framesCounter == nil {
		return
	}
	attrs := telemetry.ChannelAttributes(telemetry.Environment(), channel)
	attrs = append(attrs, telemetry.AttrFeed.String(f.cfg.Name))
	f.framesCounter.Add(f.ctx, 1, metric.WithAttributes(attrs...))
}

func (f *Feed) recordDecodeError() {
	if f.decodeErrCounter == nil {
		return
	}
	f.decodeErrCounter.Add(f.ctx, 1, metric.WithAttributes(
		telemetry.ConnectionAttributes(telemetry.Environment(), f.cfg.Name, "decode_error")...))
}

func (f *Feed) recordReconnect(result string) {
	if f.reconnectCounter == nil {
		return
	}
	f.reconnectCounter.Add(f.ctx, 1, metric.WithAttributes(
		telemetry.ConnectionAttributes(telemetry.Environment(), f.cfg.Name, result)...))
}
