package collab

import "errors"

var (
	ErrValidation  = errors.New("validation error")
	ErrNotFound    = errors.New("document not found")
	ErrPersistence = errors.New("persistence error")
	ErrProtocol    = errors.New("protocol error")
	ErrNotJoined   = errors.New("connection has not joined this document")
	ErrClosed      = errors.New("coordinator stopped")
)

// ErrorCode 把错误映射成下发给客户端的 code
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrProtocol):
		return "protocol"
	case errors.Is(err, ErrNotJoined):
		return "not_joined"
	case errors.Is(err, ErrPersistence):
		return "persistence"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "internal"
	}
}
