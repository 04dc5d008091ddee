package domain

import (
	"reflect"
	"testing"
)

func TestParseIDListShapes(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want []string
	}{
		{"json array", `["a","b","c"]`, []string{"a", "b", "c"}},
		{"quoted json array", `"[\"a\",\"b\"]"`, []string{"a", "b"}},
		{"comma list", "a,b,c", []string{"a", "b", "c"}},
		{"comma list with spaces", " a , b ", []string{"a", "b"}},
		{"quoted comma list", `"a,b"`, []string{"a", "b"}},
		{"empty", "", []string{}},
		{"null literal", "null", []string{}},
		{"empty array", "[]", []string{}},
		{"numeric ids", `[1,2,3]`, []string{"1", "2", "3"}},
		{"object ids", `[{"id":"a"},{"id":"b"}]`, []string{"a", "b"}},
		{"blank entries dropped", "a,,b,", []string{"a", "b"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseIDList(tc.raw)
			if err != nil {
				t.Fatalf("parse %q: %v", tc.raw, err)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("parse %q = %v, want %v", tc.raw, got, tc.want)
			}
		})
	}
}

func TestNormalizeIDListDegradesToEmpty(t *testing.T) {
	got, err := NormalizeIDList(`[invalid json`)
	if err == nil {
		t.Fatal("expected parse error to be reported")
	}
	if len(got) != 0 {
		t.Fatalf("malformed input must degrade to empty, got %v", got)
	}
}

func TestEncodeIDListRoundTrip(t *testing.T) {
	if got := EncodeIDList(nil); got != "[]" {
		t.Fatalf("nil encodes to %q", got)
	}
	ids, err := ParseIDList(EncodeIDList([]string{"a", "b"}))
	if err != nil || !reflect.DeepEqual(ids, []string{"a", "b"}) {
		t.Fatalf("round trip got %v (%v)", ids, err)
	}
}

func TestCorrectOptionIndex(t *testing.T) {
	options := []string{"Lyon", "*Paris", "Marseille"}
	if got := CorrectOptionIndex(options); got != 1 {
		t.Fatalf("expected index 1, got %d", got)
	}
	if got := CorrectOptionIndex([]string{"a", "b"}); got != -1 {
		t.Fatalf("missing marker should give -1, got %d", got)
	}
	if got := OptionText("*Paris"); got != "Paris" {
		t.Fatalf("marker not stripped: %q", got)
	}
	if got := OptionText("Lyon"); got != "Lyon" {
		t.Fatalf("unmarked option changed: %q", got)
	}
}

func TestScrambleOrder(t *testing.T) {
	a := ScrambleOrder(5, "sess-1", "q1")
	b := ScrambleOrder(5, "sess-1", "q1")
	if !reflect.DeepEqual(a, b) {
		t.Fatal("scramble must be stable per (session, question)")
	}

	seen := make(map[int]bool)
	for _, idx := range a {
		if idx < 0 || idx >= 5 || seen[idx] {
			t.Fatalf("not a permutation: %v", a)
		}
		seen[idx] = true
	}

	c := ScrambleOrder(5, "sess-2", "q1")
	d := ScrambleOrder(5, "sess-1", "q2")
	if reflect.DeepEqual(a, c) && reflect.DeepEqual(a, d) {
		t.Fatalf("expected different permutations across sessions/questions: %v %v %v", a, c, d)
	}
}
