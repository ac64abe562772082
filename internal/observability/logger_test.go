package observability

import (
	"bytes"
	"log"
	"strings"
	"testing"
)

type captureLogger struct {
	messages []string
}

func (c *captureLogger) Debug(msg string, _ ...Field) { c.messages = append(c.messages, "D:"+msg) }
func (c *captureLogger) Info(msg string, _ ...Field)  { c.messages = append(c.messages, "I:"+msg) }
func (c *captureLogger) Error(msg string, _ ...Field) { c.messages = append(c.messages, "E:"+msg) }

func TestSetLogger(t *testing.T) {
	defer SetLogger(nil)

	cl := &captureLogger{}
	SetLogger(cl)

	Log().Info("hello")
	Log().Error("boom")

	if len(cl.messages) != 2 || cl.messages[0] != "I:hello" || cl.messages[1] != "E:boom" {
		t.Errorf("unexpected messages: %v", cl.messages)
	}
}

func TestSetLoggerNilRestoresNoop(t *testing.T) {
	SetLogger(&captureLogger{})
	SetLogger(nil)

	// Must not panic and must be silent.
	Log().Debug("ignored")
	Log().Info("ignored")
	Log().Error("ignored")
}

func TestStdLoggerFormatsFields(t *testing.T) {
	var buf bytes.Buffer
	std := NewStdLogger(log.New(&buf, "", 0))

	std.Info("buffer ready", F("channel", "TICK"), F("capacity", 3), F("", "skipped"))

	line := strings.TrimSpace(buf.String())
	if !strings.HasPrefix(line, "INFO buffer ready") {
		t.Errorf("unexpected line: %q", line)
	}
	if !strings.Contains(line, "channel=TICK") || !strings.Contains(line, "capacity=3") {
		t.Errorf("missing fields: %q", line)
	}
	if strings.Contains(line, "skipped") {
		t.Errorf("blank keys must be dropped: %q", line)
	}
}
