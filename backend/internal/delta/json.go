package delta

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// wireOp is the Quill shape of one op.
type wireOp struct {
	Insert     any            `json:"insert,omitempty"`
	Retain     int            `json:"retain,omitempty"`
	Delete     int            `json:"delete,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

func (op Op) MarshalJSON() ([]byte, error) {
	w := wireOp{Attributes: op.Attrs}
	switch op.Kind {
	case KindInsert:
		if op.Embed != nil {
			w.Insert = op.Embed
		} else {
			w.Insert = op.Text
		}
	case KindRetain:
		w.Retain = op.Count
	case KindDelete:
		w.Delete = op.Count
	default:
		return nil, fmt.Errorf("%w: unknown op kind %q", ErrInvalid, op.Kind)
	}
	return json.Marshal(w)
}

func (op *Op) UnmarshalJSON(b []byte) error {
	var raw struct {
		Insert     json.RawMessage `json:"insert"`
		Retain     json.RawMessage `json:"retain"`
		Delete     json.RawMessage `json:"delete"`
		Attributes map[string]any  `json:"attributes"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	set := 0
	for _, f := range []json.RawMessage{raw.Insert, raw.Retain, raw.Delete} {
		if len(f) > 0 {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("%w: op must have exactly one of insert, retain, delete", ErrInvalid)
	}

	*op = Op{Attrs: raw.Attributes}
	switch {
	case len(raw.Insert) > 0:
		op.Kind = KindInsert
		switch bytes.TrimSpace(raw.Insert)[0] {
		case '"':
			if err := json.Unmarshal(raw.Insert, &op.Text); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalid, err)
			}
		case '{':
			if err := json.Unmarshal(raw.Insert, &op.Embed); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalid, err)
			}
		default:
			return fmt.Errorf("%w: insert must be a string or an embed object", ErrInvalid)
		}
	case len(raw.Retain) > 0:
		op.Kind = KindRetain
		if err := json.Unmarshal(raw.Retain, &op.Count); err != nil {
			return fmt.Errorf("%w: retain must be a count", ErrInvalid)
		}
	default:
		op.Kind = KindDelete
		if err := json.Unmarshal(raw.Delete, &op.Count); err != nil {
			return fmt.Errorf("%w: delete must be a count", ErrInvalid)
		}
	}
	return nil
}

// MarshalJSON writes {"ops":[...]}, the shape Quill produces.
func (d Delta) MarshalJSON() ([]byte, error) {
	ops := []Op(d)
	if ops == nil {
		ops = []Op{}
	}
	return json.Marshal(struct {
		Ops []Op `json:"ops"`
	}{Ops: ops})
}

// UnmarshalJSON accepts both {"ops":[...]} and a bare op array.
func (d *Delta) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*d = nil
		return nil
	}
	var ops []Op
	switch b[0] {
	case '[':
		if err := json.Unmarshal(b, &ops); err != nil {
			return err
		}
	case '{':
		var obj struct {
			Ops *[]Op `json:"ops"`
		}
		if err := json.Unmarshal(b, &obj); err != nil {
			return err
		}
		if obj.Ops == nil {
			return errors.Join(ErrInvalid, errors.New("missing ops"))
		}
		ops = *obj.Ops
	default:
		return fmt.Errorf("%w: delta must be an object or an array", ErrInvalid)
	}
	*d = ops
	return nil
}
