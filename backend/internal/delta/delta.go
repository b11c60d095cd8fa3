package delta

import (
	"errors"
	"fmt"
	"reflect"
	"unicode/utf8"
)

type Kind string

const (
	KindRetain Kind = "retain"
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
)

// EmbedRune stands in for an embed (image, video...) inside plain-text views of a document.
const EmbedRune = '\uFFFC'

var (
	ErrInvalid     = errors.New("invalid delta")
	ErrEmpty       = errors.New("empty delta")
	ErrNotDocument = errors.New("delta is not a document")
)

type Op struct {
	Kind  Kind
	Count int            // retain/delete length
	Text  string         // insert text
	Embed map[string]any // insert embed, e.g. {"image": "https://..."}; length 1
	Attrs map[string]any // formatting; a nil value removes the attribute
}

// Delta is an ordered list of ops over linear content.
// "ops":[{"retain":5},{"insert":"Hello","attributes":{"bold":true}},{"delete":2}]
type Delta []Op

func (op Op) IsEmbed() bool { return op.Kind == KindInsert && op.Embed != nil }

// Len is the op length in runes. Embeds count as one.
func (op Op) Len() int {
	switch op.Kind {
	case KindInsert:
		if op.Embed != nil {
			return 1
		}
		return utf8.RuneCountInString(op.Text)
	default:
		return op.Count
	}
}

func (op Op) validate() error {
	switch op.Kind {
	case KindRetain:
		if op.Count <= 0 {
			return fmt.Errorf("retain count %d", op.Count)
		}
	case KindDelete:
		if op.Count <= 0 {
			return fmt.Errorf("delete count %d", op.Count)
		}
		if len(op.Attrs) > 0 {
			return errors.New("delete with attributes")
		}
	case KindInsert:
		if op.Embed != nil {
			if len(op.Embed) == 0 || op.Text != "" {
				return errors.New("malformed embed insert")
			}
		} else if op.Text == "" {
			return errors.New("empty insert")
		}
		if !utf8.ValidString(op.Text) {
			return errors.New("insert is not valid utf-8")
		}
	default:
		return fmt.Errorf("unknown op kind %q", op.Kind)
	}
	for k := range op.Attrs {
		if k == "" {
			return errors.New("empty attribute name")
		}
	}
	return nil
}

// Validate checks the structure of a change delta. It knows nothing about the
// document the delta will be applied to.
func (d Delta) Validate() error {
	if len(d) == 0 {
		return ErrEmpty
	}
	for i, op := range d {
		if err := op.validate(); err != nil {
			return fmt.Errorf("%w: op %d: %v", ErrInvalid, i, err)
		}
	}
	return nil
}

// ValidateDocument checks that d is a full document: inserts only. An empty
// document is valid.
func (d Delta) ValidateDocument() error {
	for i, op := range d {
		if op.Kind != KindInsert {
			return fmt.Errorf("%w: op %d is %s", ErrNotDocument, i, op.Kind)
		}
		if err := op.validate(); err != nil {
			return fmt.Errorf("%w: op %d: %v", ErrInvalid, i, err)
		}
	}
	return nil
}

// Length is the total length of all ops.
func (d Delta) Length() int {
	n := 0
	for _, op := range d {
		n += op.Len()
	}
	return n
}

func (d Delta) Insert(text string, attrs map[string]any) Delta {
	if text == "" {
		return d
	}
	return d.push(Op{Kind: KindInsert, Text: text, Attrs: attrs})
}

func (d Delta) InsertEmbed(embed map[string]any, attrs map[string]any) Delta {
	return d.push(Op{Kind: KindInsert, Embed: embed, Attrs: attrs})
}

func (d Delta) Retain(n int, attrs map[string]any) Delta {
	if n <= 0 {
		return d
	}
	return d.push(Op{Kind: KindRetain, Count: n, Attrs: attrs})
}

func (d Delta) Delete(n int) Delta {
	if n <= 0 {
		return d
	}
	return d.push(Op{Kind: KindDelete, Count: n})
}

// push appends op, merging it into the last op when both are the same kind
// with the same attributes.
func (d Delta) push(op Op) Delta {
	if len(op.Attrs) == 0 {
		op.Attrs = nil
	}
	if n := len(d); n > 0 {
		last := d[n-1]
		if last.Kind == op.Kind && !last.IsEmbed() && !op.IsEmbed() && sameAttrs(last.Attrs, op.Attrs) {
			// never write into a backing array the caller may still hold
			head := d[: n-1 : n-1]
			switch op.Kind {
			case KindInsert:
				last.Text += op.Text
				return append(head, last)
			case KindRetain, KindDelete:
				last.Count += op.Count
				return append(head, last)
			}
		}
	}
	return append(d[:len(d):len(d)], op)
}

// Chop drops a trailing retain without attributes.
func (d Delta) Chop() Delta {
	if n := len(d); n > 0 && d[n-1].Kind == KindRetain && d[n-1].Attrs == nil {
		return d[:n-1]
	}
	return d
}

// Slice returns the ops of a document delta covering [start, end).
func (d Delta) Slice(start, end int) Delta {
	var out Delta
	pos := 0
	for _, op := range d {
		if pos >= end {
			break
		}
		l := op.Len()
		if pos+l <= start {
			pos += l
			continue
		}
		from := max(start-pos, 0)
		to := min(end-pos, l)
		switch {
		case op.IsEmbed():
			out = out.InsertEmbed(op.Embed, op.Attrs)
		case op.Kind == KindInsert:
			r := []rune(op.Text)
			out = out.Insert(string(r[from:to]), op.Attrs)
		case op.Kind == KindRetain:
			out = out.Retain(to-from, op.Attrs)
		case op.Kind == KindDelete:
			out = out.Delete(to - from)
		}
		pos += l
	}
	return out
}

// Invert returns the delta that undoes d when applied after it. base is the
// document d was applied to.
func (d Delta) Invert(base Delta) Delta {
	var inverted Delta
	baseIndex := 0
	for _, op := range d {
		switch {
		case op.Kind == KindInsert:
			inverted = inverted.Delete(op.Len())
		case op.Kind == KindRetain && op.Attrs == nil:
			inverted = inverted.Retain(op.Count, nil)
			baseIndex += op.Count
		default:
			for _, b := range base.Slice(baseIndex, baseIndex+op.Count) {
				if op.Kind == KindDelete {
					inverted = inverted.push(b)
				} else {
					inverted = inverted.Retain(b.Len(), InvertAttrs(op.Attrs, b.Attrs))
				}
			}
			baseIndex += op.Count
		}
	}
	return inverted.Chop()
}

// TransformIndex moves a position through d. With priority set, an insert
// exactly at index lands after the position instead of pushing it.
func (d Delta) TransformIndex(index int, priority bool) int {
	offset := 0
	for _, op := range d {
		if offset > index {
			break
		}
		l := op.Len()
		switch op.Kind {
		case KindDelete:
			index -= min(l, index-offset)
			continue
		case KindInsert:
			if offset < index || !priority {
				index += l
			}
		}
		offset += l
	}
	return index
}

// Fit trims d so it applies to a document of the given length: a retain or
// delete running past the end is cut short, so inserts beyond the end land
// at the end.
func (d Delta) Fit(length int) Delta {
	var out Delta
	rest := length
	for _, op := range d {
		switch op.Kind {
		case KindInsert:
			out = out.push(op)
		case KindRetain:
			n := min(op.Count, rest)
			out = out.Retain(n, op.Attrs)
			rest -= n
		case KindDelete:
			n := min(op.Count, rest)
			out = out.Delete(n)
			rest -= n
		}
	}
	return out
}

// ComposeAttrs applies change on top of base. The result is nil when empty.
func ComposeAttrs(base, change map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(change))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range change {
		if v == nil {
			delete(out, k)
		} else {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// InvertAttrs returns the attribute change that turns ComposeAttrs(base, attrs) back into base.
func InvertAttrs(attrs, base map[string]any) map[string]any {
	out := map[string]any{}
	for k, v := range base {
		if a, ok := attrs[k]; ok && !reflect.DeepEqual(a, v) {
			out[k] = v
		}
	}
	for k, v := range attrs {
		if _, ok := base[k]; !ok && v != nil {
			out[k] = nil
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func sameAttrs(a, b map[string]any) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}

// Equal reports whether two deltas have identical ops.
func Equal(a, b Delta) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		x, y := a[i], b[i]
		if x.Kind != y.Kind || x.Count != y.Count || x.Text != y.Text ||
			!sameAttrs(x.Attrs, y.Attrs) || !sameAttrs(x.Embed, y.Embed) || x.IsEmbed() != y.IsEmbed() {
			return false
		}
	}
	return true
}

// PlainText renders a document delta as text, embeds as EmbedRune.
func (d Delta) PlainText() string {
	var out []rune
	for _, op := range d {
		if op.Kind != KindInsert {
			continue
		}
		if op.IsEmbed() {
			out = append(out, EmbedRune)
			continue
		}
		out = append(out, []rune(op.Text)...)
	}
	return string(out)
}
