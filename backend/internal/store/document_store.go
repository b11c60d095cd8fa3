package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"collabSync/backend/internal/collab"
	"collabSync/backend/internal/delta"
)

var ErrDocumentExists = errors.New("document already exists")

// Document 一行一个文档，content 存整份 Quill delta 的 JSON
type Document struct {
	ID        string `gorm:"primaryKey;type:varchar(64)"`
	Title     string `gorm:"type:varchar(255);not null;default:'Untitled Document'"`
	OwnerID   uint64 `gorm:"index"`
	Content   string `gorm:"type:longtext"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// GormStore 实现 collab.DocumentStore
type GormStore struct{ db *gorm.DB }

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Load(ctx context.Context, docID string) (delta.Delta, error) {
	var doc Document
	err := s.db.WithContext(ctx).Select("id", "content").Where("id = ?", docID).Take(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("document %s: %w", docID, collab.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	// 建了文档但还没保存过
	if doc.Content == "" {
		return nil, fmt.Errorf("document %s has no content: %w", docID, collab.ErrNotFound)
	}
	var d delta.Delta
	if err := json.Unmarshal([]byte(doc.Content), &d); err != nil {
		return nil, fmt.Errorf("decode document %s: %w", docID, err)
	}
	return d, nil
}

// Overwrite 整体覆盖；文档不存在时插入
func (s *GormStore) Overwrite(ctx context.Context, docID string, content delta.Delta) error {
	raw, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("encode document %s: %w", docID, err)
	}
	doc := Document{ID: docID, Title: "Untitled Document", Content: string(raw)}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"content", "updated_at"}),
	}).Create(&doc).Error
}

// Create 预先登记文档（标题、所有者），内容留空
func (s *GormStore) Create(ctx context.Context, docID string, ownerID uint64, title string) error {
	if title == "" {
		title = "Untitled Document"
	}
	err := s.db.WithContext(ctx).Create(&Document{ID: docID, OwnerID: ownerID, Title: title}).Error
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
		return fmt.Errorf("%w: %s", ErrDocumentExists, docID)
	}
	return err
}
