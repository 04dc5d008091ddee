package domain

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math/rand"
	"strings"
)

// CorrectMarker is the prefix embedded in exactly one option string to tag
// the correct answer. Display text is the option with the marker stripped.
const CorrectMarker = "*"

// ParseIDList normalizes the id-list shapes the hosted backend has been
// observed to emit: a native JSON array, a JSON-encoded string containing
// an array, or a plain comma-separated string. This is the single place
// multi-shape parsing is allowed; consumers always see []string.
func ParseIDList(raw string) ([]string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || trimmed == "null" {
		return []string{}, nil
	}

	if strings.HasPrefix(trimmed, "[") {
		var ids []string
		if err := json.Unmarshal([]byte(trimmed), &ids); err == nil {
			return compactIDs(ids), nil
		}
		// Arrays of non-strings (numbers, objects with an id field) show up
		// in older exports; fall through to the loose decoder.
		var loose []any
		if err := json.Unmarshal([]byte(trimmed), &loose); err != nil {
			return nil, fmt.Errorf("id list: malformed array: %w", err)
		}
		ids = make([]string, 0, len(loose))
		for _, v := range loose {
			switch t := v.(type) {
			case string:
				ids = append(ids, t)
			case float64:
				ids = append(ids, strings.TrimSuffix(fmt.Sprintf("%v", t), ".0"))
			case map[string]any:
				if id, ok := t["id"].(string); ok {
					ids = append(ids, id)
				}
			}
		}
		return compactIDs(ids), nil
	}

	// A JSON string wrapping either of the other shapes.
	if strings.HasPrefix(trimmed, `"`) {
		var inner string
		if err := json.Unmarshal([]byte(trimmed), &inner); err != nil {
			return nil, fmt.Errorf("id list: malformed quoted value: %w", err)
		}
		return ParseIDList(inner)
	}

	return compactIDs(strings.Split(trimmed, ",")), nil
}

// NormalizeIDList is the lenient boundary variant: malformed input degrades
// to an empty list instead of erroring. The error is still returned so the
// caller can log it once at the boundary.
func NormalizeIDList(raw string) ([]string, error) {
	ids, err := ParseIDList(raw)
	if err != nil {
		return []string{}, err
	}
	return ids, nil
}

// EncodeIDList serializes ids to the canonical stored shape (JSON array).
func EncodeIDList(ids []string) string {
	if ids == nil {
		ids = []string{}
	}
	data, _ := json.Marshal(ids)
	return string(data)
}

func compactIDs(in []string) []string {
	out := make([]string, 0, len(in))
	for _, id := range in {
		id = strings.TrimSpace(id)
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}

// CorrectOptionIndex returns the original index of the option carrying the
// correct-answer marker, or -1 when the marker is missing.
func CorrectOptionIndex(options []string) int {
	for i, opt := range options {
		if strings.HasPrefix(opt, CorrectMarker) {
			return i
		}
	}
	return -1
}

// OptionText strips the correct-answer marker for display.
func OptionText(option string) string {
	return strings.TrimPrefix(option, CorrectMarker)
}

// ParseOptions decodes the stored JSON options column. Malformed data
// degrades to an empty list, mirroring the id-list boundary rule.
func ParseOptions(raw string) []string {
	var options []string
	if err := json.Unmarshal([]byte(raw), &options); err != nil {
		return []string{}
	}
	return options
}

// EncodeOptions serializes option strings for storage.
func EncodeOptions(options []string) string {
	if options == nil {
		options = []string{}
	}
	data, _ := json.Marshal(options)
	return string(data)
}

// ParseIndexList decodes a stored JSON list of level indexes.
func ParseIndexList(raw string) []int {
	var idx []int
	if err := json.Unmarshal([]byte(raw), &idx); err != nil {
		return []int{}
	}
	return idx
}

// EncodeIndexList serializes level indexes for storage.
func EncodeIndexList(idx []int) string {
	if idx == nil {
		idx = []int{}
	}
	data, _ := json.Marshal(idx)
	return string(data)
}

// ScrambleOrder returns the display permutation of n options for a given
// (session, question) pair. The permutation is deterministic per pair so a
// re-rendered view scrambles identically, while stored answers always use
// the original index: displayIndex -> order[displayIndex].
func ScrambleOrder(n int, sessionID, questionID string) []int {
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	h := fnv.New64a()
	h.Write([]byte(sessionID))
	h.Write([]byte{0})
	h.Write([]byte(questionID))
	rnd := rand.New(rand.NewSource(int64(h.Sum64())))
	rnd.Shuffle(n, func(i, j int) {
		order[i], order[j] = order[j], order[i]
	})
	return order
}
