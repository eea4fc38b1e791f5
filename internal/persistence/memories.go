package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

type MemoryItem struct {
	ID              int64
	Role            string
	Content         string
	MemoryType      string
	Salience        float64
	IsInstructional bool
	SafetyFlag      string
	CreatedAt       int64
}

type PreferenceItem struct {
	Key        string
	Value      string
	Confidence float64
	Source     string
}

type LongTermSummary struct {
	Summary        string
	SourceMemoryID int64
	UpdatedAt      int64
}

// InsertMemory appends one short-term memory entry and returns its id.
func (s *Store) InsertMemory(ctx context.Context, userID, chatID int64, m MemoryItem) (int64, error) {
	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO memories (user_id, chat_id, role, content, memory_type, salience, is_instructional, safety_flag, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, userID, chatID, m.Role, m.Content, m.MemoryType, m.Salience, boolInt(m.IsInstructional), m.SafetyFlag, nowUnix())
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("insert memory: %w", err)
	}
	return id, nil
}

// RecallRecentMemories returns the newest entries for a chat, oldest first.
func (s *Store) RecallRecentMemories(ctx context.Context, userID, chatID int64, limit int) ([]MemoryItem, error) {
	if limit <= 0 {
		limit = 1
	}
	var items []MemoryItem
	err := retryOnBusy(ctx, 5, func() error {
		items = items[:0]
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, role, content, memory_type, salience, is_instructional, safety_flag, created_at
			FROM memories
			WHERE user_id = ? AND chat_id = ?
			ORDER BY id DESC
			LIMIT ?;
		`, userID, chatID, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			m, err := scanMemory(rows)
			if err != nil {
				return err
			}
			items = append(items, m)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("recall recent memories: %w", err)
	}
	// Reverse into chronological order.
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

// LatestMemory returns the newest entry for a chat and role, or ErrNotFound.
// It backs the duplicate-of-last-write suppression.
func (s *Store) LatestMemory(ctx context.Context, userID, chatID int64, role string) (*MemoryItem, error) {
	var m MemoryItem
	err := retryOnBusy(ctx, 5, func() error {
		var scanErr error
		m, scanErr = scanMemory(s.db.QueryRowContext(ctx, `
			SELECT id, role, content, memory_type, salience, is_instructional, safety_flag, created_at
			FROM memories
			WHERE user_id = ? AND chat_id = ? AND role = ?
			ORDER BY id DESC LIMIT 1;
		`, userID, chatID, role))
		return scanErr
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest memory: %w", err)
	}
	return &m, nil
}

// RecallMemoriesSince returns entries with id greater than sinceID in
// ascending id order. The long-term summarizer reads its new chunk this way.
func (s *Store) RecallMemoriesSince(ctx context.Context, userID, chatID, sinceID int64, limit int) ([]MemoryItem, error) {
	if limit <= 0 {
		limit = 1
	}
	var items []MemoryItem
	err := retryOnBusy(ctx, 5, func() error {
		items = items[:0]
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, role, content, memory_type, salience, is_instructional, safety_flag, created_at
			FROM memories
			WHERE user_id = ? AND chat_id = ? AND id > ?
			ORDER BY id ASC
			LIMIT ?;
		`, userID, chatID, sinceID, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			m, err := scanMemory(rows)
			if err != nil {
				return err
			}
			items = append(items, m)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("recall memories since: %w", err)
	}
	return items, nil
}

func scanMemory(row rowScanner) (MemoryItem, error) {
	var m MemoryItem
	var instructional int
	err := row.Scan(&m.ID, &m.Role, &m.Content, &m.MemoryType, &m.Salience, &instructional, &m.SafetyFlag, &m.CreatedAt)
	m.IsInstructional = instructional != 0
	return m, err
}

// CountMemoryRounds counts user-role entries; one round per user turn.
func (s *Store) CountMemoryRounds(ctx context.Context, userID, chatID int64) (int, error) {
	var count int
	err := retryOnBusy(ctx, 5, func() error {
		return s.db.QueryRowContext(ctx, `
			SELECT COUNT(1) FROM memories
			WHERE user_id = ? AND chat_id = ? AND role = 'user';
		`, userID, chatID).Scan(&count)
	})
	if err != nil {
		return 0, fmt.Errorf("count memory rounds: %w", err)
	}
	return count, nil
}

// UpsertPreference writes one stable preference keyed by (user, chat, key).
func (s *Store) UpsertPreference(ctx context.Context, userID, chatID int64, key, value string, confidence float64, source string) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO user_preferences (user_id, chat_id, pref_key, pref_value, confidence, source, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(user_id, chat_id, pref_key) DO UPDATE SET
				pref_value = excluded.pref_value,
				confidence = excluded.confidence,
				source = excluded.source,
				updated_at = excluded.updated_at;
		`, userID, chatID, key, value, confidence, source, nowUnix())
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert preference: %w", err)
	}
	return nil
}

func (s *Store) RecallPreferences(ctx context.Context, userID, chatID int64, limit int) ([]PreferenceItem, error) {
	if limit <= 0 {
		limit = 16
	}
	var items []PreferenceItem
	err := retryOnBusy(ctx, 5, func() error {
		items = items[:0]
		rows, err := s.db.QueryContext(ctx, `
			SELECT pref_key, pref_value, confidence, source
			FROM user_preferences
			WHERE user_id = ? AND chat_id = ?
			ORDER BY updated_at DESC, pref_key ASC
			LIMIT ?;
		`, userID, chatID, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var p PreferenceItem
			if err := rows.Scan(&p.Key, &p.Value, &p.Confidence, &p.Source); err != nil {
				return err
			}
			items = append(items, p)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("recall preferences: %w", err)
	}
	return items, nil
}

// UpsertLongTermSummary writes the rolling summary for a chat. The
// source_memory_id watermark only moves forward; a stale writer loses.
func (s *Store) UpsertLongTermSummary(ctx context.Context, userID, chatID int64, summary string, sourceMemoryID int64) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO long_term_memories (user_id, chat_id, summary, source_memory_id, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(user_id, chat_id) DO UPDATE SET
				summary = excluded.summary,
				source_memory_id = excluded.source_memory_id,
				updated_at = excluded.updated_at
			WHERE excluded.source_memory_id >= long_term_memories.source_memory_id;
		`, userID, chatID, summary, sourceMemoryID, nowUnix())
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert long-term summary: %w", err)
	}
	return nil
}

// GetLongTermSummary returns the current summary, or ErrNotFound.
func (s *Store) GetLongTermSummary(ctx context.Context, userID, chatID int64) (*LongTermSummary, error) {
	var out LongTermSummary
	err := retryOnBusy(ctx, 5, func() error {
		return s.db.QueryRowContext(ctx, `
			SELECT summary, source_memory_id, updated_at
			FROM long_term_memories
			WHERE user_id = ? AND chat_id = ? LIMIT 1;
		`, userID, chatID).Scan(&out.Summary, &out.SourceMemoryID, &out.UpdatedAt)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get long-term summary: %w", err)
	}
	return &out, nil
}
