package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// Chat maps a source-network thread to its forum topic.
type Chat struct {
	ID             uint      `gorm:"primarykey"`
	SourceThreadID string    `gorm:"uniqueIndex;size:64;not null"`
	DestTopicID    int       `gorm:"index;not null"`
	CreatedAt      time.Time `gorm:"autoCreateTime"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime"`
}

// User tracks per-sender relay statistics for the daily digest.
type User struct {
	ID           uint   `gorm:"primarykey"`
	SourceUserID string `gorm:"uniqueIndex;size:64;not null"`
	Username     string `gorm:"size:128"`
	MessageCount int64  `gorm:"default:0"`
	FirstSeen    time.Time
	LastSeen     time.Time
}

// FilterWord is one persisted filter entry.
type FilterWord struct {
	ID   uint   `gorm:"primarykey"`
	Word string `gorm:"uniqueIndex;size:128;not null"`
}

// Store wraps the relay database. Lookup misses return (nil, nil) rather
// than an error: absence is an ordinary answer for every caller here.
type Store struct {
	db  *gorm.DB
	log zerolog.Logger
}

func Open(path string, log zerolog.Logger) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	if err := db.AutoMigrate(&Chat{}, &User{}, &FilterWord{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &Store{
		db:  db,
		log: log.With().Str("component", "store").Logger(),
	}, nil
}

func (s *Store) FindChatByThread(threadID string) (*Chat, error) {
	var chat Chat
	err := s.db.Where("source_thread_id = ?", threadID).First(&chat).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &chat, nil
}

func (s *Store) FindChatByTopic(topicID int) (*Chat, error) {
	var chat Chat
	err := s.db.Where("dest_topic_id = ?", topicID).First(&chat).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &chat, nil
}

// UpsertChat records the thread→topic mapping, replacing any stale topic id
// for the same thread.
func (s *Store) UpsertChat(threadID string, topicID int) error {
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "source_thread_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"dest_topic_id", "updated_at"}),
	}).Create(&Chat{SourceThreadID: threadID, DestTopicID: topicID}).Error
}

// DeleteChatByThread drops the mapping, typically after the topic was
// deleted on the destination side. Deleting a missing row is not an error.
func (s *Store) DeleteChatByThread(threadID string) error {
	return s.db.Where("source_thread_id = ?", threadID).Delete(&Chat{}).Error
}

// TouchUser bumps the sender's message counter, creating the row on first
// contact and refreshing the username in case it changed.
func (s *Store) TouchUser(sourceUserID, username string) error {
	now := time.Now().UTC()
	return s.db.Transaction(func(tx *gorm.DB) error {
		var user User
		err := tx.Where("source_user_id = ?", sourceUserID).First(&user).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(&User{
				SourceUserID: sourceUserID,
				Username:     username,
				MessageCount: 1,
				FirstSeen:    now,
				LastSeen:     now,
			}).Error
		}
		if err != nil {
			return err
		}
		updates := map[string]any{
			"message_count": gorm.Expr("message_count + 1"),
			"last_seen":     now,
		}
		if username != "" {
			updates["username"] = username
		}
		return tx.Model(&user).Updates(updates).Error
	})
}

func (s *Store) CountChats() (int64, error) {
	var count int64
	err := s.db.Model(&Chat{}).Count(&count).Error
	return count, err
}

func (s *Store) ListTopUsers(limit int) ([]User, error) {
	var users []User
	err := s.db.Order("message_count DESC").Limit(limit).Find(&users).Error
	return users, err
}

func (s *Store) ListFilterWords() ([]string, error) {
	var rows []FilterWord
	if err := s.db.Order("word").Find(&rows).Error; err != nil {
		return nil, err
	}
	words := make([]string, 0, len(rows))
	for _, row := range rows {
		words = append(words, row.Word)
	}
	return words, nil
}

func (s *Store) AddFilterWord(word string) error {
	return s.db.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&FilterWord{Word: word}).Error
}

func (s *Store) RemoveFilterWord(word string) error {
	return s.db.Where("word = ?", word).Delete(&FilterWord{}).Error
}

func (s *Store) ClearFilterWords() error {
	return s.db.Where("1 = 1").Delete(&FilterWord{}).Error
}
