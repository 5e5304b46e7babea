// Package nodes provides the built-in node types: frame sources,
// classical CV transforms, the detector and tracker wrappers, spatial
// logic nodes and output sinks. Each type registers itself with the
// default node registry at init time.
package nodes

import (
	"fmt"
	"math"
)

// Config readers for descriptor node configs. YAML and JSON decode
// into map[string]any with mixed numeric types, so every read
// normalizes.

func cfgString(cfg map[string]any, key, def string) string {
	if v, ok := cfg[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

func cfgFloat(cfg map[string]any, key string, def float64) float64 {
	v, ok := cfg[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return def
}

func cfgInt(cfg map[string]any, key string, def int) int {
	v, ok := cfg[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		if n == math.Trunc(n) {
			return int(n)
		}
	}
	return def
}

func cfgBool(cfg map[string]any, key string, def bool) bool {
	if v, ok := cfg[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}

// cfgPoints reads a polygon or line as a list of [x, y] pairs.
func cfgPoints(cfg map[string]any, key string) ([][2]float64, error) {
	v, ok := cfg[key]
	if !ok {
		return nil, nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%s: expected a list of points", key)
	}
	pts := make([][2]float64, 0, len(list))
	for i, item := range list {
		pair, ok := item.([]any)
		if !ok || len(pair) != 2 {
			return nil, fmt.Errorf("%s[%d]: expected [x, y]", key, i)
		}
		var pt [2]float64
		for j, c := range pair {
			switch n := c.(type) {
			case float64:
				pt[j] = n
			case int:
				pt[j] = float64(n)
			default:
				return nil, fmt.Errorf("%s[%d][%d]: expected a number", key, i, j)
			}
		}
		pts = append(pts, pt)
	}
	return pts, nil
}
