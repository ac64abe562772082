package schema

// CloneEvent creates a deep copy of the provided event suitable for fan-out
// delivery. Each subscriber receives a detached copy so downstream mutation
// can never alias another consumer's view.
func CloneEvent(evt *Event) *Event {
	if evt == nil {
		return nil
	}

	clone := *evt
	clone.Payload = clonePayload(evt.Payload)
	return &clone
}

func clonePayload(payload any) any {
	switch v := payload.(type) {
	case nil:
		return nil
	case TickPayload:
		return v
	case *TickPayload:
		if v == nil {
			return nil
		}
		cloned := *v
		return &cloned
	case TradePayload:
		return v
	case *TradePayload:
		if v == nil {
			return nil
		}
		cloned := *v
		return &cloned
	case StatusPayload:
		return cloneStatusPayload(v)
	case *StatusPayload:
		if v == nil {
			return nil
		}
		cloned := cloneStatusPayload(*v)
		return &cloned
	case []byte:
		return append([]byte(nil), v...)
	case map[string]any:
		return cloneMapStringAny(v)
	default:
		return v
	}
}

func cloneStatusPayload(payload StatusPayload) StatusPayload {
	cloned := payload
	if len(payload.Labels) > 0 {
		labels := make(map[string]string, len(payload.Labels))
		for k, v := range payload.Labels {
			labels[k] = v
		}
		cloned.Labels = labels
	}
	return cloned
}

func cloneMapStringAny(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	out := make(map[string]any, len(src))
	for k, v := range src {
		switch nested := v.(type) {
		case map[string]any:
			out[k] = cloneMapStringAny(nested)
		case []byte:
			out[k] = append([]byte(nil), nested...)
		default:
			out[k] = v
		}
	}
	return out
}
