/*
结构示例

初始文档 "Hello world"，"world" 加粗：

	original = "Hello world"
	pieces   = [ (orig, 0, 6, nil), (orig, 6, 5, {bold}) ]

在位置 5 插入 ","：add 末尾追加 ","，拆开第一个 piece：

	pieces = [ (orig, 0, 5, nil), (add, 0, 1, nil), (orig, 5, 1, nil), (orig, 6, 5, {bold}) ]

图片等 embed 单独占一个长度为 1 的 piece，不进 original/add。
*/
package editor

import (
	"fmt"
	"slices"
	"strings"

	"collabSync/backend/internal/delta"
)

type bufferKind int

const (
	bufOriginal bufferKind = iota
	bufAdd
	bufEmbed
)

type piece struct {
	buf    bufferKind
	offset int
	length int
	attrs  map[string]any
	embed  map[string]any
}

// PieceTable 是带格式属性的 piece table，长度按 rune 计。
type PieceTable struct {
	original []rune
	add      []rune
	pieces   []piece
}

func NewPieceTable(initial string) *PieceTable {
	pt := &PieceTable{}
	pt.original = []rune(initial)
	if len(pt.original) > 0 {
		pt.pieces = []piece{{buf: bufOriginal, length: len(pt.original)}}
	}
	return pt
}

// NewPieceTableFromDelta builds a table from a document delta (inserts only).
func NewPieceTableFromDelta(doc delta.Delta) (*PieceTable, error) {
	pt := &PieceTable{}
	if err := pt.Reset(doc); err != nil {
		return nil, err
	}
	return pt, nil
}

func (pt *PieceTable) Len() int {
	n := 0
	for _, p := range pt.pieces {
		n += p.length
	}
	return n
}

func (pt *PieceTable) text(p piece) []rune {
	switch p.buf {
	case bufOriginal:
		return pt.original[p.offset : p.offset+p.length]
	case bufAdd:
		return pt.add[p.offset : p.offset+p.length]
	default:
		return []rune{delta.EmbedRune}
	}
}

func (pt *PieceTable) String() string {
	var sb strings.Builder
	for _, p := range pt.pieces {
		for _, r := range pt.text(p) {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// Contents 把当前内容导出成只含 insert 的文档 delta
func (pt *PieceTable) Contents() delta.Delta {
	var doc delta.Delta
	for _, p := range pt.pieces {
		if p.buf == bufEmbed {
			doc = doc.InsertEmbed(p.embed, p.attrs)
			continue
		}
		doc = doc.Insert(string(pt.text(p)), p.attrs)
	}
	return doc
}

// Reset 用整份文档替换内容，旧的 add buffer 一并丢弃
func (pt *PieceTable) Reset(doc delta.Delta) error {
	if err := doc.ValidateDocument(); err != nil {
		return err
	}
	var original []rune
	var pieces []piece
	for _, op := range doc {
		attrs := delta.ComposeAttrs(nil, op.Attrs)
		if op.IsEmbed() {
			pieces = append(pieces, piece{buf: bufEmbed, length: 1, attrs: attrs, embed: op.Embed})
			continue
		}
		r := []rune(op.Text)
		pieces = append(pieces, piece{buf: bufOriginal, offset: len(original), length: len(r), attrs: attrs})
		original = append(original, r...)
	}
	pt.original, pt.add, pt.pieces = original, nil, pieces
	return nil
}

func (pt *PieceTable) Apply(d delta.Delta) error {
	if len(d) == 0 {
		return nil
	}
	if err := d.Validate(); err != nil {
		return err
	}
	// 先算 delta 要覆盖的原文长度，越界直接拒绝，保证不会只改一半
	span := 0
	for _, op := range d {
		if op.Kind != delta.KindInsert {
			span += op.Count
		}
	}
	if n := pt.Len(); span > n {
		return fmt.Errorf("%w: delta covers %d, document has %d", ErrOutOfRange, span, n)
	}

	pos := 0
	for _, op := range d {
		switch op.Kind {
		case delta.KindRetain:
			if op.Attrs != nil {
				pt.format(pos, op.Count, op.Attrs)
			}
			pos += op.Count
		case delta.KindInsert:
			pt.insert(pos, op)
			pos += op.Len()
		case delta.KindDelete:
			pt.remove(pos, op.Count)
		}
	}
	return nil
}

func (pt *PieceTable) insert(pos int, op delta.Op) {
	p := piece{attrs: delta.ComposeAttrs(nil, op.Attrs)}
	if op.IsEmbed() {
		p.buf, p.length, p.embed = bufEmbed, 1, op.Embed
	} else {
		r := []rune(op.Text)
		p.buf, p.offset, p.length = bufAdd, len(pt.add), len(r)
		pt.add = append(pt.add, r...)
	}
	i := pt.split(pos)
	pt.pieces = slices.Insert(pt.pieces, i, p)
}

func (pt *PieceTable) remove(pos, n int) {
	i := pt.split(pos)
	j := pt.split(pos + n)
	pt.pieces = slices.Delete(pt.pieces, i, j)
}

func (pt *PieceTable) format(pos, n int, attrs map[string]any) {
	i := pt.split(pos)
	j := pt.split(pos + n)
	for k := i; k < j; k++ {
		pt.pieces[k].attrs = delta.ComposeAttrs(pt.pieces[k].attrs, attrs)
	}
}

// split 保证 pos 落在 piece 边界上，返回从 pos 开始的 piece 下标
func (pt *PieceTable) split(pos int) int {
	idx, offset := pt.locate(pos)
	if offset == 0 {
		return idx
	}
	cur := pt.pieces[idx]
	left, right := cur, cur
	left.length = offset
	right.offset += offset
	right.length -= offset
	pt.pieces = slices.Replace(pt.pieces, idx, idx+1, left, right)
	return idx + 1
}

// 根据逻辑位置 pos，找到对应的 piece 下标 idx 和在该 piece 内的偏移 offset
func (pt *PieceTable) locate(pos int) (idx int, offset int) {
	cur := 0
	for i, p := range pt.pieces {
		if pos < cur+p.length {
			return i, pos - cur
		}
		cur += p.length
	}
	return len(pt.pieces), 0
}
