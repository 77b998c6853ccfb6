package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/modwarden/warden/internal/db"
)

func (s *sqliteClient) InsertSanction(ctx context.Context, sanction *db.Sanction) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	query := `
		INSERT INTO sanctions (id, community_id, user_id, kind, reason, infraction_id, issued_at, expires_at, status, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		sanction.ID,
		sanction.CommunityID,
		sanction.UserID,
		sanction.Kind,
		sanction.Reason,
		sanction.InfractionID,
		sanction.IssuedAt,
		sanction.ExpiresAt,
		sanction.Status,
		sanction.ResolvedAt,
	)
	return err
}

func (s *sqliteClient) GetSanction(ctx context.Context, id string) (*db.Sanction, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var sanction db.Sanction
	err := s.db.GetContext(ctx, &sanction, `SELECT * FROM sanctions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, db.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sanction, nil
}

func (s *sqliteClient) GetActiveSanction(ctx context.Context, subject db.Subject, kind string) (*db.Sanction, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var sanction db.Sanction
	err := s.db.GetContext(ctx, &sanction, `
		SELECT * FROM sanctions
		WHERE community_id = ? AND user_id = ? AND kind = ? AND status = 'active'
		ORDER BY issued_at DESC
		LIMIT 1
	`, subject.CommunityID, subject.UserID, kind)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sanction, nil
}

func (s *sqliteClient) ListActiveTimedSanctions(ctx context.Context) ([]*db.Sanction, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var sanctions []*db.Sanction
	err := s.db.SelectContext(ctx, &sanctions, `
		SELECT * FROM sanctions
		WHERE status = 'active' AND expires_at IS NOT NULL
		ORDER BY expires_at ASC
	`)
	if err != nil {
		return nil, err
	}
	return sanctions, nil
}

func (s *sqliteClient) ExtendSanction(ctx context.Context, id string, expiresAt *time.Time) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE sanctions
		SET expires_at = ?
		WHERE id = ? AND status = 'active'
	`, expiresAt, id)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (s *sqliteClient) TransitionSanctionStatus(ctx context.Context, id, from, to string, at time.Time) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE sanctions
		SET status = ?, resolved_at = ?
		WHERE id = ? AND status = ?
	`, to, at, id, from)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}
