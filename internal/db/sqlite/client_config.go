package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/iamwavecut/tool"

	"github.com/modwarden/warden/internal/db"
)

func (s *sqliteClient) GetCommunityConfig(ctx context.Context, communityID int64) (*db.CommunityConfig, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	res := &db.CommunityConfig{}
	err := s.db.GetContext(ctx, res, `SELECT id, settings, updated_at FROM communities WHERE id = ?`, communityID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, db.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *sqliteClient) SetCommunityConfig(ctx context.Context, cfg *db.CommunityConfig) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	cfg.UpdatedAt = time.Now()
	query := `
		INSERT INTO communities (id, settings, updated_at)
		VALUES (:id, :settings, :updated_at)
		ON CONFLICT(id) DO UPDATE SET
		settings=excluded.settings,
		updated_at=excluded.updated_at;
	`
	return tool.Err(s.db.NamedExecContext(ctx, query, cfg))
}
