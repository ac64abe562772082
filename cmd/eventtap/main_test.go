package main

import (
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/eventtap/internal/bus/eventbus"
	"github.com/coachpo/eventtap/internal/config"
	"github.com/coachpo/eventtap/internal/schema"
)

func TestResolveConfigPathDefaults(t *testing.T) {
	require.Equal(t, defaultConfigPath, resolveConfigPath(""))
	require.Equal(t, "custom/app.yaml", resolveConfigPath("custom/app.yaml"))
}

func TestBuildBuffersAttachesPerCapture(t *testing.T) {
	bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{
		Channels: []schema.Channel{schema.ChannelTick, schema.ChannelTrade},
	})
	defer bus.Close()

	logger := log.New(os.Stderr, "", 0)
	buffers, err := buildBuffers(bus, []config.CaptureConfig{
		{Channel: schema.ChannelTick},
		{Channel: schema.ChannelTrade, Capacity: 16},
	}, logger)
	require.NoError(t, err)
	require.Len(t, buffers, 2)
	defer func() {
		for _, buf := range buffers {
			buf.Close()
		}
	}()

	require.Equal(t, schema.ChannelTick, buffers[0].Channel())
	require.Equal(t, 16, buffers[1].Capacity())
	require.False(t, buffers[1].HasTransform())
}

func TestBuildBuffersCompilesTransformScript(t *testing.T) {
	bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{
		Channels: []schema.Channel{schema.ChannelTick},
	})
	defer bus.Close()

	script := filepath.Join(t.TempDir(), "tag.js")
	require.NoError(t, os.WriteFile(script, []byte(`function transform(evt) { return evt; }`), 0o600))

	logger := log.New(os.Stderr, "", 0)
	buffers, err := buildBuffers(bus, []config.CaptureConfig{
		{Channel: schema.ChannelTick, TransformScript: script},
	}, logger)
	require.NoError(t, err)
	require.Len(t, buffers, 1)
	defer buffers[0].Close()

	require.True(t, buffers[0].HasTransform())
}

func TestBuildBuffersRejectsBrokenScript(t *testing.T) {
	bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{
		Channels: []schema.Channel{schema.ChannelTick},
	})
	defer bus.Close()

	script := filepath.Join(t.TempDir(), "broken.js")
	require.NoError(t, os.WriteFile(script, []byte(`function transform(`), 0o600))

	logger := log.New(os.Stderr, "", 0)
	_, err := buildBuffers(bus, []config.CaptureConfig{
		{Channel: schema.ChannelTick, TransformScript: script},
	}, logger)
	require.Error(t, err)
}
