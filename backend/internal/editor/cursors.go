package editor

import (
	"sort"
	"time"

	"collabSync/backend/internal/collab"
	"collabSync/backend/internal/delta"
)

// 远端光标配色
var palette = []string{"#FF5252", "#4CAF50", "#2196F3", "#FFC107", "#9C27B0", "#00BCD4"}

// ColorFor 按用户 id 首字符取色，同一用户在所有客户端颜色一致
func ColorFor(userID string) string {
	for _, r := range userID {
		return palette[int(r)%len(palette)]
	}
	return palette[0]
}

type RemoteCursor struct {
	User      collab.User
	Range     collab.Range
	Color     string
	UpdatedAt time.Time
	// Blurred 表示对方发来了 null range
	Blurred bool
}

// CursorSet 每个远端用户最多一个光标，后到的覆盖先到的。
// 超过 timeout 没有更新就不再显示，再次更新时重新显示；只有 user-left 会删除。
type CursorSet struct {
	timeout time.Duration
	cursors map[string]*RemoteCursor
}

func NewCursorSet(timeout time.Duration) *CursorSet {
	return &CursorSet{timeout: timeout, cursors: make(map[string]*RemoteCursor)}
}

func (s *CursorSet) Set(u collab.User, r *collab.Range, now time.Time) {
	c, ok := s.cursors[u.ID]
	if !ok {
		c = &RemoteCursor{Color: ColorFor(u.ID)}
		s.cursors[u.ID] = c
	}
	c.User = u
	c.UpdatedAt = now
	c.Blurred = r == nil
	if r != nil {
		c.Range = *r
	}
}

func (s *CursorSet) Remove(userID string) {
	delete(s.cursors, userID)
}

func (s *CursorSet) Clear() {
	clear(s.cursors)
}

func (s *CursorSet) Len() int { return len(s.cursors) }

// Transform 把所有光标位置随内容变化平移
func (s *CursorSet) Transform(d delta.Delta) {
	for _, c := range s.cursors {
		c.Range = transformRange(d, c.Range)
	}
}

// Visible returns the cursors that should be drawn at now, ordered by user id.
func (s *CursorSet) Visible(now time.Time) []RemoteCursor {
	var out []RemoteCursor
	for _, c := range s.cursors {
		if c.Blurred || now.Sub(c.UpdatedAt) >= s.timeout {
			continue
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].User.ID < out[j].User.ID })
	return out
}

func transformRange(d delta.Delta, r collab.Range) collab.Range {
	start := d.TransformIndex(r.Index, false)
	end := d.TransformIndex(r.Index+r.Length, false)
	if r.Length == 0 {
		end = start
	}
	return collab.Range{Index: start, Length: max(end-start, 0)}
}
