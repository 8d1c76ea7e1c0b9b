package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"belated/common"
	"belated/models"

	"github.com/apex/log"
)

// PositionStore keeps the recent location reports of every participant.
type PositionStore struct {
	db     *sql.DB
	window time.Duration
}

func NewPositionStore(db *sql.DB, window time.Duration) *PositionStore {
	return &PositionStore{db: db, window: window}
}

// RecordPosition stores a report. A report that falls in the same minute as
// the newest stored one (or before it) overwrites it. Reports older than the
// window are pruned afterwards.
func (s *PositionStore) RecordPosition(ctx context.Context, pos *models.Position) error {
	pos.Email = models.NormalizeEmail(pos.Email)
	if !models.ValidEmail(pos.Email) {
		return fmt.Errorf("%w: %q", models.ErrInvalidEmail, pos.Email)
	}
	if err := models.ValidateCoordinate(pos.Latitude, pos.Longitude); err != nil {
		return err
	}
	if pos.Timestamp.IsZero() {
		return fmt.Errorf("position of %s has no timestamp", pos.Email)
	}

	var (
		lastId int64
		lastTs time.Time
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, ts FROM positions WHERE email = ? ORDER BY ts DESC LIMIT 1", pos.Email).Scan(&lastId, &lastTs)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		lastId = 0
	case err != nil:
		log.Errorf("Error retrieving past positions of %s, position dropped: %v", pos.Email, err)
		return err
	}

	ts := pos.Timestamp.UTC()
	if lastId != 0 && !lastTs.Truncate(time.Minute).Before(ts.Truncate(time.Minute)) {
		result, err := s.db.ExecContext(ctx,
			"UPDATE positions SET latitude = ?, longitude = ?, ts = ? WHERE id = ?",
			pos.Latitude, pos.Longitude, ts, lastId)
		common.LogResult("updatePosition", result, err, false)
		if err != nil {
			return fmt.Errorf("failed to update position of %s: %w", pos.Email, err)
		}
	} else {
		result, err := s.db.ExecContext(ctx,
			"INSERT INTO positions (email, latitude, longitude, ts) VALUES (?, ?, ?, ?)",
			pos.Email, pos.Latitude, pos.Longitude, ts)
		common.LogResult("insertPosition", result, err, true)
		if err != nil {
			return fmt.Errorf("failed to insert position of %s: %w", pos.Email, err)
		}
	}

	result, err := s.db.ExecContext(ctx,
		"DELETE FROM positions WHERE email = ? AND ts < ?", pos.Email, ts.Add(-s.window))
	common.LogResult("prunePositions", result, err, false)
	if err != nil {
		log.WithError(err).Warnf("Failed to prune positions of %s", pos.Email)
	}
	return nil
}

// LastPosition returns the newest report for the email, nil if there is none.
func (s *PositionStore) LastPosition(ctx context.Context, email string) (*models.Position, error) {
	var pos models.Position
	err := s.db.QueryRowContext(ctx,
		"SELECT email, latitude, longitude, ts FROM positions WHERE email = ? ORDER BY ts DESC LIMIT 1",
		models.NormalizeEmail(email)).Scan(&pos.Email, &pos.Latitude, &pos.Longitude, &pos.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last position of %s: %w", email, err)
	}
	return &pos, nil
}

// Prune drops every report taken before the given instant.
func (s *PositionStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM positions WHERE ts < ?", before.UTC())
	rows := common.LogResult("prunePositions", result, err, false)
	if err != nil {
		return 0, err
	}
	return rows, nil
}
