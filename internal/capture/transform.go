package capture

import "github.com/coachpo/eventtap/internal/schema"

// Transform maps a raw notification to the value actually retained. A nil
// result keeps the raw notification; an error drops it.
type Transform func(*schema.Event) (*schema.Event, error)

// Identity returns the notification unchanged. Useful as an explicit
// placeholder where a transform slot must be filled.
func Identity(evt *schema.Event) (*schema.Event, error) {
	return evt, nil
}

// Chain composes transforms left to right. The first error aborts the chain
// and drops the notification.
func Chain(transforms ...Transform) Transform {
	return func(evt *schema.Event) (*schema.Event, error) {
		current := evt
		for _, t := range transforms {
			if t == nil {
				continue
			}
			out, err := t(current)
			if err != nil {
				return nil, err
			}
			if out != nil {
				current = out
			}
		}
		return current, nil
	}
}
