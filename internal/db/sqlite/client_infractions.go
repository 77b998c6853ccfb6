package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/modwarden/warden/internal/db"
)

func (s *sqliteClient) AppendInfraction(ctx context.Context, infraction *db.Infraction) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	query := `
		INSERT INTO infractions (id, community_id, user_id, category, weight, reason, sanction_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		infraction.ID,
		infraction.CommunityID,
		infraction.UserID,
		infraction.Category,
		infraction.Weight,
		infraction.Reason,
		infraction.SanctionID,
		infraction.CreatedAt,
	)
	return err
}

func (s *sqliteClient) ListInfractions(ctx context.Context, subject db.Subject) ([]*db.Infraction, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var infractions []*db.Infraction
	err := s.db.SelectContext(ctx, &infractions, `
		SELECT * FROM infractions
		WHERE community_id = ? AND user_id = ?
		ORDER BY created_at DESC
	`, subject.CommunityID, subject.UserID)
	if err != nil {
		return nil, err
	}
	return infractions, nil
}

func (s *sqliteClient) SumInfractionWeightSince(ctx context.Context, subject db.Subject, category string, since time.Time) (int, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	query := `
		SELECT SUM(weight) FROM infractions
		WHERE community_id = ? AND user_id = ? AND created_at > ?
	`
	args := []any{subject.CommunityID, subject.UserID, since}
	if category != "" {
		query += ` AND category = ?`
		args = append(args, category)
	}

	var total sql.NullInt64
	err := s.db.GetContext(ctx, &total, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return int(total.Int64), nil
}

func (s *sqliteClient) LinkInfractionSanction(ctx context.Context, infractionID, sanctionID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	_, err := s.db.ExecContext(ctx,
		`UPDATE infractions SET sanction_id = ? WHERE id = ?`,
		sanctionID, infractionID,
	)
	return err
}

func (s *sqliteClient) PurgeResolvedInfractionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM infractions
		WHERE created_at < ?
		AND (sanction_id IS NULL OR sanction_id NOT IN (
			SELECT id FROM sanctions WHERE status = 'active'
		))
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
