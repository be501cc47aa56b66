package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	realtime "github.com/bt-bridge/realtime-hub"
	"github.com/bt-bridge/realtime-hub/shared"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Store persists conversations and their dialog turns.
type Store struct {
	db *gorm.DB
}

var (
	_ realtime.ConversationStorage = (*Store)(nil)
	_ realtime.ConversationBinder  = (*Store)(nil)
)

// NewStore opens the database named by the storage.driver and storage.dsn
// config keys and migrates it.
func NewStore(driver, dsn string) (*Store, error) {
	d, err := ParseDriver(driver)
	if err != nil {
		return nil, err
	}
	gormDB, err := Open(d, dsn)
	if err != nil {
		return nil, fmt.Errorf("open gorm store: %w", err)
	}
	store := &Store{db: gormDB}
	if err := store.migrate(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Store) migrate() error {
	if err := s.db.AutoMigrate(&conversationRow{}, &turnRow{}); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// EnsureConversation creates the conversation or rebinds it to agentID.
func (s *Store) EnsureConversation(ctx context.Context, conversationID, agentID string) (realtime.Conversation, error) {
	if strings.TrimSpace(conversationID) == "" {
		return realtime.Conversation{}, errors.New("conversation id is required")
	}
	now := time.Now().UTC()

	var current conversationRow
	err := s.db.WithContext(ctx).Where("conversation_id = ?", conversationID).Take(&current).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return realtime.Conversation{}, fmt.Errorf("get conversation: %w", err)
		}
		row := conversationRow{ConversationID: conversationID, AgentID: agentID, CreatedAt: now, UpdatedAt: now}
		if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
			return realtime.Conversation{}, fmt.Errorf("create conversation: %w", err)
		}
		return row.toConversation(), nil
	}

	if agentID != "" && agentID != current.AgentID {
		current.AgentID = agentID
		current.UpdatedAt = now
		if err := s.db.WithContext(ctx).Save(&current).Error; err != nil {
			return realtime.Conversation{}, fmt.Errorf("update conversation: %w", err)
		}
	}
	return current.toConversation(), nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (realtime.Conversation, error) {
	var row conversationRow
	err := s.db.WithContext(ctx).Where("conversation_id = ?", id).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return realtime.Conversation{}, shared.ErrConversationNotFound
		}
		return realtime.Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	return row.toConversation(), nil
}

func (s *Store) GetDialogHistory(ctx context.Context, conversationID string) ([]realtime.Turn, error) {
	var rows []turnRow
	err := s.db.WithContext(ctx).
		Model(&turnRow{}).
		Where("conversation_id = ?", conversationID).
		Order("sequence ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("get dialog history: %w", err)
	}
	out := make([]realtime.Turn, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toTurn())
	}
	return out, nil
}

// Append stores turn after the last turn of the conversation. Turns of an
// unknown conversation create it on the fly.
func (s *Store) Append(ctx context.Context, conversationID string, turn realtime.Turn) error {
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&conversationRow{}).Where("conversation_id = ?", conversationID).Count(&count).Error; err != nil {
			return fmt.Errorf("conversation lookup: %w", err)
		}
		if count == 0 {
			now := time.Now().UTC()
			row := conversationRow{ConversationID: conversationID, AgentID: turn.CurrentAgentID, CreatedAt: now, UpdatedAt: now}
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("create conversation: %w", err)
			}
		}

		var maxSeq int64
		if err := tx.Model(&turnRow{}).
			Where("conversation_id = ?", conversationID).
			Select("COALESCE(MAX(sequence), 0)").
			Scan(&maxSeq).Error; err != nil {
			return fmt.Errorf("sequence lookup: %w", err)
		}
		row := turnRowFromTurn(conversationID, maxSeq+1, turn)
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("create turn: %w", err)
		}
		return nil
	})
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	return sqlDB.Close()
}
