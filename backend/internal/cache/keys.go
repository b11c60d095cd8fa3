package cache

import "fmt"

// 键语义：
// - roomKey(docID):   房间在线成员（ZSet<userId, expireAtUnix>，score=expireAt）
// - namesKey(docID):  房间内 userId→username 映射（Hash）
// - cursorKey:        某用户在某文档的光标（String，带 TTL）
// - docsKey():        有人在线的文档索引（Set<docID>）
const (
	keyRoomFmt   = "presence:room:{docID:%s}"
	keyNamesFmt  = "presence:room:names:{docID:%s}"
	keyCursorFmt = "presence:cursor:{docID:%s}:%s"
	keyDocsSet   = "presence:docs"
)

func roomKey(docID string) string           { return fmt.Sprintf(keyRoomFmt, docID) }
func namesKey(docID string) string          { return fmt.Sprintf(keyNamesFmt, docID) }
func cursorKey(docID, userID string) string { return fmt.Sprintf(keyCursorFmt, docID, userID) }
func docsKey() string                       { return keyDocsSet }
