package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

var ErrNotFound = errors.New("not found")

func (s *Store) InsertUsage(ctx context.Context, rec UsageRecord) error {
	q := s.sql.Insert("usage_log").
		Columns("provider", "model", "prompt_tokens", "completion_tokens", "cached").
		Values(rec.Provider, rec.Model, rec.PromptTokens, rec.CompletionTokens, rec.Cached)

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build insert usage query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("insert usage: %w", err)
	}
	return nil
}

func (s *Store) RecentUsage(ctx context.Context, limit int) ([]UsageRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	q := s.sql.Select("id", "provider", "model", "prompt_tokens", "completion_tokens", "cached", "created_at").
		From("usage_log").
		OrderBy("created_at DESC", "id DESC").
		Limit(uint64(limit))

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build recent usage query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("recent usage: %w", err)
	}
	defer rows.Close()

	out := make([]UsageRecord, 0)
	for rows.Next() {
		var rec UsageRecord
		if err := rows.Scan(&rec.ID, &rec.Provider, &rec.Model, &rec.PromptTokens, &rec.CompletionTokens, &rec.Cached, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan usage row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate usage rows: %w", err)
	}
	return out, nil
}

func (s *Store) TotalTokens(ctx context.Context, since time.Time) (TokenTotals, error) {
	q := s.sql.Select(
		"COALESCE(SUM(prompt_tokens), 0)",
		"COALESCE(SUM(completion_tokens), 0)",
		"COUNT(*)",
	).From("usage_log")
	if !since.IsZero() {
		q = q.Where(sq.GtOrEq{"created_at": since})
	}

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return TokenTotals{}, fmt.Errorf("build total tokens query: %w", err)
	}

	var totals TokenTotals
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&totals.PromptTokens, &totals.CompletionTokens, &totals.Requests); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TokenTotals{}, nil
		}
		return TokenTotals{}, fmt.Errorf("total tokens: %w", err)
	}
	return totals, nil
}
