package actor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/loomhq/loom/runtime/journal"
)

// cloneState deep-copies a state map through a JSON round trip so drafts
// never share references with the committed state.
func cloneState(state map[string]any) (map[string]any, error) {
	if state == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("clone state: %w", err)
	}
	clone := make(map[string]any, len(state))
	if err := json.Unmarshal(raw, &clone); err != nil {
		return nil, fmt.Errorf("clone state: %w", err)
	}
	return clone, nil
}

// diffState computes the forward patches transforming prev into next and the
// inverse patches transforming next back into prev. Keys are compared by
// their canonical JSON encoding and emitted in sorted order so the result is
// deterministic.
func diffState(prev, next map[string]any) (forward, inverse []journal.Patch, err error) {
	keys := make(map[string]struct{}, len(prev)+len(next))
	for k := range prev {
		keys[k] = struct{}{}
	}
	for k := range next {
		keys[k] = struct{}{}
	}
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	for _, k := range sorted {
		prevVal, inPrev := prev[k]
		nextVal, inNext := next[k]
		switch {
		case inPrev && !inNext:
			old, err := json.Marshal(prevVal)
			if err != nil {
				return nil, nil, fmt.Errorf("encode state key %q: %w", k, err)
			}
			forward = append(forward, journal.Patch{Op: journal.PatchDelete, Key: k})
			inverse = append(inverse, journal.Patch{Op: journal.PatchSet, Key: k, Value: old})
		case !inPrev && inNext:
			val, err := json.Marshal(nextVal)
			if err != nil {
				return nil, nil, fmt.Errorf("encode state key %q: %w", k, err)
			}
			forward = append(forward, journal.Patch{Op: journal.PatchSet, Key: k, Value: val})
			inverse = append(inverse, journal.Patch{Op: journal.PatchDelete, Key: k})
		default:
			old, err := json.Marshal(prevVal)
			if err != nil {
				return nil, nil, fmt.Errorf("encode state key %q: %w", k, err)
			}
			val, err := json.Marshal(nextVal)
			if err != nil {
				return nil, nil, fmt.Errorf("encode state key %q: %w", k, err)
			}
			if bytes.Equal(old, val) {
				continue
			}
			forward = append(forward, journal.Patch{Op: journal.PatchSet, Key: k, Value: val})
			inverse = append(inverse, journal.Patch{Op: journal.PatchSet, Key: k, Value: old})
		}
	}
	return forward, inverse, nil
}

// applyPatches mutates state in place according to the patch list.
func applyPatches(state map[string]any, patches []journal.Patch) error {
	for _, p := range patches {
		switch p.Op {
		case journal.PatchSet:
			var v any
			if err := json.Unmarshal(p.Value, &v); err != nil {
				return fmt.Errorf("apply patch for key %q: %w", p.Key, err)
			}
			state[p.Key] = v
		case journal.PatchDelete:
			delete(state, p.Key)
		default:
			return fmt.Errorf("apply patch for key %q: unknown op %q", p.Key, p.Op)
		}
	}
	return nil
}
