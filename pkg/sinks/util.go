package sinks

import (
	"github.com/visionflow/visionflow/internal/model"
)

// flatten normalizes an event payload to a slice.
func flatten(p model.Payload) []model.Event {
	switch v := p.(type) {
	case *model.EventSet:
		return v.Items
	case *model.Event:
		return []model.Event{*v}
	}
	return nil
}

func stringOr(cfg map[string]any, key, def string) string {
	if v, ok := cfg[key].(string); ok {
		return v
	}
	return def
}

func intOr(cfg map[string]any, key string, def int) int {
	switch v := cfg[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}
