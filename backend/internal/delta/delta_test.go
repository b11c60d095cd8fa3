package delta

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDelta_UnmarshalQuillShape(t *testing.T) {
	raw := `{"ops":[{"retain":5},{"insert":"Hello","attributes":{"bold":true}},{"insert":{"image":"a.png"}},{"delete":2}]}`
	var d Delta
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	want := Delta{}.Retain(5, nil).Insert("Hello", map[string]any{"bold": true}).
		InsertEmbed(map[string]any{"image": "a.png"}, nil).Delete(2)
	if !Equal(d, want) {
		t.Fatalf("Unmarshal() = %+v, want %+v", d, want)
	}
	if err := d.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	// a bare array is accepted too
	var bare Delta
	if err := json.Unmarshal([]byte(`[{"insert":"hi"}]`), &bare); err != nil {
		t.Fatalf("Unmarshal(bare) error = %v", err)
	}
	if !Equal(bare, Delta{}.Insert("hi", nil)) {
		t.Fatalf("Unmarshal(bare) = %+v", bare)
	}

	out, err := json.Marshal(Delta{}.Insert("hi", nil))
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if string(out) != `{"ops":[{"insert":"hi"}]}` {
		t.Fatalf("Marshal() = %s", out)
	}
}

func TestDelta_RejectsMalformedOps(t *testing.T) {
	cases := []string{
		`{"ops":[{"insert":"a","retain":1}]}`,
		`{"ops":[{}]}`,
		`{"ops":[{"insert":5}]}`,
		`{"ops":[{"insert":null}]}`,
		`{"ops":[{"retain":"x"}]}`,
		`{"nope":[]}`,
		`"text"`,
	}
	for _, raw := range cases {
		var d Delta
		if err := json.Unmarshal([]byte(raw), &d); err == nil {
			t.Errorf("Unmarshal(%s) expected error, got %+v", raw, d)
		}
	}
}

func TestDelta_Validate(t *testing.T) {
	cases := []struct {
		name string
		d    Delta
		want error
	}{
		{"empty", Delta{}, ErrEmpty},
		{"zero retain", Delta{{Kind: KindRetain}}, ErrInvalid},
		{"negative delete", Delta{{Kind: KindDelete, Count: -1}}, ErrInvalid},
		{"empty insert", Delta{{Kind: KindInsert}}, ErrInvalid},
		{"delete with attrs", Delta{{Kind: KindDelete, Count: 1, Attrs: map[string]any{"bold": true}}}, ErrInvalid},
		{"unknown kind", Delta{{Kind: "move", Count: 1}}, ErrInvalid},
		{"ok", Delta{}.Retain(1, nil).Insert("x", nil), nil},
	}
	for _, tc := range cases {
		err := tc.d.Validate()
		if tc.want == nil && err != nil {
			t.Errorf("%s: Validate() error = %v", tc.name, err)
		}
		if tc.want != nil && !errors.Is(err, tc.want) {
			t.Errorf("%s: Validate() error = %v, want %v", tc.name, err, tc.want)
		}
	}

	if err := (Delta{}).ValidateDocument(); err != nil {
		t.Fatalf("empty document should be valid, got %v", err)
	}
	if err := (Delta{}.Retain(1, nil)).ValidateDocument(); !errors.Is(err, ErrNotDocument) {
		t.Fatalf("ValidateDocument() error = %v, want ErrNotDocument", err)
	}
}

func TestDelta_BuilderDoesNotAliasCaller(t *testing.T) {
	a := Delta{}.Insert("x", nil)
	b := a.Insert("y", nil)
	if a[0].Text != "x" || b[0].Text != "xy" {
		t.Fatalf("a = %q, b = %q", a[0].Text, b[0].Text)
	}
}

func TestDelta_Slice(t *testing.T) {
	doc := Delta{}.Insert("Hello ", nil).Insert("wörld", map[string]any{"bold": true})
	got := doc.Slice(3, 8)
	want := Delta{}.Insert("lo ", nil).Insert("wö", map[string]any{"bold": true})
	if !Equal(got, want) {
		t.Fatalf("Slice() = %+v, want %+v", got, want)
	}
}

func TestDelta_Invert(t *testing.T) {
	base := Delta{}.Insert("Hello ", nil).Insert("world", map[string]any{"bold": true})
	cases := []struct {
		name string
		d    Delta
		want Delta
	}{
		{"insert", Delta{}.Retain(6, nil).Insert("big ", nil), Delta{}.Retain(6, nil).Delete(4)},
		{"delete", Delta{}.Retain(4, nil).Delete(4), Delta{}.Retain(4, nil).Insert("o ", nil).Insert("wo", map[string]any{"bold": true})},
		{"format", Delta{}.Retain(6, map[string]any{"bold": nil, "italic": true}),
			Delta{}.Retain(6, map[string]any{"italic": nil})},
		{"unformat", Delta{}.Retain(6, nil).Retain(5, map[string]any{"bold": nil}),
			Delta{}.Retain(6, nil).Retain(5, map[string]any{"bold": true})},
	}
	for _, tc := range cases {
		if got := tc.d.Invert(base); !Equal(got, tc.want) {
			t.Errorf("%s: Invert() = %+v, want %+v", tc.name, got, tc.want)
		}
	}
}

func TestDelta_TransformIndex(t *testing.T) {
	cases := []struct {
		name     string
		d        Delta
		index    int
		priority bool
		want     int
	}{
		{"insert before", Delta{}.Retain(2, nil).Insert("abc", nil), 5, true, 8},
		{"insert after", Delta{}.Retain(6, nil).Insert("abc", nil), 5, true, 5},
		{"insert at, priority", Delta{}.Retain(5, nil).Insert("abc", nil), 5, true, 5},
		{"insert at, no priority", Delta{}.Retain(5, nil).Insert("abc", nil), 5, false, 8},
		{"delete before", Delta{}.Retain(1, nil).Delete(2), 5, true, 3},
		{"delete across", Delta{}.Retain(3, nil).Delete(4), 5, true, 3},
		{"delete after", Delta{}.Retain(6, nil).Delete(4), 5, true, 5},
	}
	for _, tc := range cases {
		if got := tc.d.TransformIndex(tc.index, tc.priority); got != tc.want {
			t.Errorf("%s: TransformIndex() = %d, want %d", tc.name, got, tc.want)
		}
	}
}

func TestDelta_Fit(t *testing.T) {
	bold := map[string]any{"bold": true}
	cases := []struct {
		name string
		d    Delta
		want Delta
	}{
		{"fits", Delta{}.Retain(2, nil).Insert("x", nil).Delete(1), Delta{}.Retain(2, nil).Insert("x", nil).Delete(1)},
		{"insert past end", Delta{}.Retain(50, nil).Insert("x", nil), Delta{}.Retain(4, nil).Insert("x", nil)},
		{"delete past end", Delta{}.Retain(2, nil).Delete(10), Delta{}.Retain(2, nil).Delete(2)},
		{"format past end", Delta{}.Retain(1, nil).Retain(9, bold), Delta{}.Retain(1, nil).Retain(3, bold)},
		{"insert after clamped delete", Delta{}.Retain(3, nil).Delete(5).Insert("y", nil), Delta{}.Retain(3, nil).Delete(1).Insert("y", nil)},
	}
	for _, tc := range cases {
		got := tc.d.Fit(4)
		if !Equal(got, tc.want) {
			t.Errorf("%s: Fit(4) = %+v, want %+v", tc.name, got, tc.want)
		}
		if got.Length()-insertLen(got) > 4 {
			t.Errorf("%s: Fit(4) still spans %d", tc.name, got.Length()-insertLen(got))
		}
	}
}

func insertLen(d Delta) int {
	n := 0
	for _, op := range d {
		if op.Kind == KindInsert {
			n += op.Len()
		}
	}
	return n
}
