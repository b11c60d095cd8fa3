package editor

import (
	"errors"

	"collabSync/backend/internal/delta"
)

var ErrOutOfRange = errors.New("delta does not fit the document")

// 抽象文档内容缓冲区接口
type Buffer interface {
	Len() int
	// Apply 要么整体生效，要么返回错误且内容不变
	Apply(d delta.Delta) error
	String() string
	Contents() delta.Delta
	Reset(doc delta.Delta) error
}
