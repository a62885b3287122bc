package coordination

import (
	"encoding/json"
	"fmt"
)

// MergeStrategy selects how source result payloads combine into a
// continuation's synthesis context.
type MergeStrategy string

const (
	// StrategyCombine shallow-merges maps: lists concatenate, scalar
	// collisions are last-writer-wins in source order.
	StrategyCombine MergeStrategy = "combine"
	// StrategyUnion keeps every key; colliding distinct values collect
	// into a deduplicated list.
	StrategyUnion MergeStrategy = "union"
	// StrategyIntersection keeps only keys present in every source with
	// an identical value.
	StrategyIntersection MergeStrategy = "intersection"
	// StrategyMajority keeps key/value pairs present in more than half of
	// the sources.
	StrategyMajority MergeStrategy = "majority"
)

// Valid reports whether s is a known strategy.
func (s MergeStrategy) Valid() bool {
	switch s {
	case StrategyCombine, StrategyUnion, StrategyIntersection, StrategyMajority:
		return true
	}
	return false
}

// Merge combines source payloads with the given strategy. It is a pure
// function: inputs are not mutated, and the same inputs always produce the
// same output.
func Merge(sources []map[string]any, strategy MergeStrategy) (map[string]any, error) {
	switch strategy {
	case StrategyCombine:
		return mergeCombine(sources), nil
	case StrategyUnion:
		return mergeUnion(sources), nil
	case StrategyIntersection:
		return mergeIntersection(sources), nil
	case StrategyMajority:
		return mergeMajority(sources), nil
	default:
		return nil, fmt.Errorf("unknown merge strategy %q", strategy)
	}
}

func mergeCombine(sources []map[string]any) map[string]any {
	out := make(map[string]any)
	for _, src := range sources {
		for k, v := range src {
			existing, ok := out[k]
			if !ok {
				out[k] = v
				continue
			}
			el, eok := existing.([]any)
			vl, vok := v.([]any)
			switch {
			case eok && vok:
				out[k] = append(append([]any{}, el...), vl...)
			case eok:
				out[k] = append(append([]any{}, el...), v)
			default:
				out[k] = v
			}
		}
	}
	return out
}

func mergeUnion(sources []map[string]any) map[string]any {
	out := make(map[string]any)
	for _, src := range sources {
		for k, v := range src {
			existing, ok := out[k]
			if !ok {
				out[k] = v
				continue
			}
			if canon(existing) == canon(v) {
				continue
			}
			if el, eok := existing.([]any); eok {
				if !containsValue(el, v) {
					out[k] = append(append([]any{}, el...), v)
				}
				continue
			}
			out[k] = []any{existing, v}
		}
	}
	return out
}

func mergeIntersection(sources []map[string]any) map[string]any {
	out := make(map[string]any)
	if len(sources) == 0 {
		return out
	}
	for k, v := range sources[0] {
		want := canon(v)
		everywhere := true
		for _, src := range sources[1:] {
			other, ok := src[k]
			if !ok || canon(other) != want {
				everywhere = false
				break
			}
		}
		if everywhere {
			out[k] = v
		}
	}
	return out
}

func mergeMajority(sources []map[string]any) map[string]any {
	type vote struct {
		value any
		count int
	}
	counts := make(map[string]map[string]*vote)
	for _, src := range sources {
		for k, v := range src {
			c := canon(v)
			if counts[k] == nil {
				counts[k] = make(map[string]*vote)
			}
			if counts[k][c] == nil {
				counts[k][c] = &vote{value: v}
			}
			counts[k][c].count++
		}
	}
	out := make(map[string]any)
	threshold := len(sources) / 2
	for k, votes := range counts {
		for _, v := range votes {
			if v.count > threshold {
				out[k] = v.value
				break
			}
		}
	}
	return out
}

// canon gives a comparable form for arbitrary payload values.
func canon(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func containsValue(list []any, v any) bool {
	want := canon(v)
	for _, item := range list {
		if canon(item) == want {
			return true
		}
	}
	return false
}
