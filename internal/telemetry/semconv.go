// Package telemetry provides semantic conventions for eventtap observability.
package telemetry

import (
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for eventtap-specific telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name

const (
	// AttrChannel annotates counters/histograms with the notification channel being observed.
	AttrChannel = attribute.Key("channel")
	// AttrSource identifies which observable source produced the signal.
	AttrSource = attribute.Key("source")
	// AttrSymbol captures the instrument symbol carried by market payloads.
	AttrSymbol = attribute.Key("symbol")
	// AttrOperation differentiates specific operations (e.g. publish, receive).
	AttrOperation = attribute.Key("operation")
	// AttrResult records the outcome of an operation (success, error class, etc.).
	AttrResult = attribute.Key("result")
	// AttrEnvironment specifies the deployment environment (dev/staging/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrErrorType categorizes failures by canonical error family.
	AttrErrorType = attribute.Key("error.type")
	// AttrReason provides additional free-form context for errors/drops.
	AttrReason = attribute.Key("reason")
	// AttrFeed names the websocket feed a connection-level metric belongs to.
	AttrFeed = attribute.Key("feed")
	// AttrConnectionState labels connection lifecycle signals (connected, reconnecting, ...).
	AttrConnectionState = attribute.Key("connection.state")
)

var (
	envMu sync.RWMutex
	// environment stores the deployment environment for use in metric labels.
	environment string
)

// SetEnvironment records the deployment environment used to label metrics.
func SetEnvironment(env string) {
	envMu.Lock()
	environment = strings.ToLower(strings.TrimSpace(env))
	envMu.Unlock()
}

// Environment returns the configured environment name for use in metric labels.
func Environment() string {
	envMu.RLock()
	defer envMu.RUnlock()
	if environment == "" {
		return "development"
	}
	return environment
}

// ChannelAttributes returns common attributes for channel-scoped metrics.
func ChannelAttributes(environment, channel string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrChannel.String(channel),
	}
}

// OperationResultAttributes returns attributes describing an operation outcome.
func OperationResultAttributes(environment, channel, operation, result string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
	if channel != "" {
		attrs = append(attrs, AttrChannel.String(channel))
	}
	return attrs
}

// ErrorAttributes returns attributes for error metrics.
func ErrorAttributes(environment, errorType, reason string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrErrorType.String(errorType),
		AttrReason.String(reason),
	}
}

// ConnectionAttributes returns attributes for feed connection state metrics.
func ConnectionAttributes(environment, feed, state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrFeed.String(feed),
		AttrConnectionState.String(state),
	}
}
