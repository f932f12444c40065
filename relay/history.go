package relay

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Papéis gravados no histórico, no formato das mensagens da API de chat.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Interaction é uma mensagem do histórico de um chat.
type Interaction struct {
	ID        uint      `gorm:"primaryKey"`
	ChatID    int64     `gorm:"index:idx_interactions_chat_created,priority:1;not null"`
	Role      string    `gorm:"size:16;not null"`
	Text      string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"index:idx_interactions_chat_created,priority:2"`
}

// ChatUser guarda quem falou com o bot e quando foi a última vez.
type ChatUser struct {
	ChatID     int64  `gorm:"primaryKey;autoIncrement:false"`
	Username   string `gorm:"size:255"`
	CreatedAt  time.Time
	LastUsedAt time.Time
}

// HistoryStore mantém as últimas N mensagens por chat.
type HistoryStore struct {
	db   *gorm.DB
	size int
	now  func() time.Time
}

func NewHistoryStore(db *gorm.DB, size int) *HistoryStore {
	if size <= 0 {
		size = 5
	}
	return &HistoryStore{db: db, size: size, now: time.Now}
}

// Migrate cria/atualiza as tabelas do histórico.
func (s *HistoryStore) Migrate(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("history migrate: nil db")
	}
	if err := s.db.WithContext(ctx).AutoMigrate(&Interaction{}, &ChatUser{}); err != nil {
		return fmt.Errorf("history migrate: %w", err)
	}
	return nil
}

// TouchUser cria o usuário na primeira mensagem e atualiza nome e último uso nas seguintes.
func (s *HistoryStore) TouchUser(ctx context.Context, chatID int64, username string) error {
	now := s.now().UTC()
	user := ChatUser{ChatID: chatID, Username: username, CreatedAt: now, LastUsedAt: now}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "chat_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"username", "last_used_at"}),
	}).Create(&user).Error
	if err != nil {
		return fmt.Errorf("touch user %d: %w", chatID, err)
	}
	return nil
}

// Append grava uma mensagem e apaga as mais antigas além do tamanho configurado.
func (s *HistoryStore) Append(ctx context.Context, chatID int64, role, text string) error {
	now := s.now().UTC()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := Interaction{ChatID: chatID, Role: role, Text: text, CreatedAt: now}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("append history: insert: %w", err)
		}

		var keep []uint
		if err := tx.Model(&Interaction{}).
			Where("chat_id = ?", chatID).
			Order("created_at DESC").Order("id DESC").
			Limit(s.size).
			Pluck("id", &keep).Error; err != nil {
			return fmt.Errorf("append history: select: %w", err)
		}
		if err := tx.Where("chat_id = ? AND id NOT IN ?", chatID, keep).
			Delete(&Interaction{}).Error; err != nil {
			return fmt.Errorf("append history: trim: %w", err)
		}
		return nil
	})
}

// Recent devolve as mensagens guardadas do chat, da mais antiga para a mais nova.
func (s *HistoryStore) Recent(ctx context.Context, chatID int64) ([]Interaction, error) {
	var rows []Interaction
	err := s.db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("created_at DESC").Order("id DESC").
		Limit(s.size).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("recent history %d: %w", chatID, err)
	}
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	return rows, nil
}
