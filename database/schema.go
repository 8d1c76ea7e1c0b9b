package database

import (
	"database/sql"
	"fmt"

	"github.com/apex/log"
)

// InitSchema creates the necessary database tables if they don't exist
func InitSchema(db *sql.DB) error {
	log.Info("Initializing belated database schema...")

	// Create meetings table. The business key is not unique: concurrent
	// inserts of the same invite are reconciled by FindMeetingBy.
	meetingsTableSQL := `
	CREATE TABLE IF NOT EXISTS meetings(
		id CHAR(36) NOT NULL,
		organiser_email VARCHAR(255) NOT NULL,
		cal_uid VARCHAR(255) NOT NULL,
		cal_sequence INT NOT NULL DEFAULT 0,
		start_time DATETIME(3) NOT NULL,
		end_time DATETIME(3) NOT NULL,
		location TEXT,
		latitude DOUBLE NOT NULL DEFAULT 0,
		longitude DOUBLE NOT NULL DEFAULT 0,
		location_determined BOOL NOT NULL DEFAULT false,
		subject VARCHAR(1024),
		description TEXT,
		conference_url VARCHAR(1024),
		email_id VARCHAR(512),
		created_at TIMESTAMP(3) DEFAULT CURRENT_TIMESTAMP(3),
		PRIMARY KEY (id),
		INDEX business_key_index (organiser_email, cal_uid),
		INDEX start_time_index (start_time)
	)`

	if _, err := db.Exec(meetingsTableSQL); err != nil {
		return fmt.Errorf("failed to create meetings table: %w", err)
	}
	log.Info("Meetings table created/verified")

	// Create meeting_participants table, the organiser is at position 0
	participantsTableSQL := `
	CREATE TABLE IF NOT EXISTS meeting_participants(
		meeting_id CHAR(36) NOT NULL,
		position INT NOT NULL,
		name VARCHAR(255),
		email VARCHAR(255) NOT NULL,
		notified_late BOOL NOT NULL DEFAULT false,
		track BOOL NOT NULL DEFAULT true,
		travel_mode VARCHAR(16) NOT NULL DEFAULT '',
		travel_eta DATETIME(3),
		deleted BOOL NOT NULL DEFAULT false,
		PRIMARY KEY (meeting_id, position),
		INDEX email_index (email),
		CONSTRAINT fk_participants_meeting FOREIGN KEY (meeting_id) REFERENCES meetings(id) ON DELETE CASCADE
	)`

	if _, err := db.Exec(participantsTableSQL); err != nil {
		return fmt.Errorf("failed to create meeting_participants table: %w", err)
	}
	log.Info("Meeting_participants table created/verified")

	// Create positions table
	positionsTableSQL := `
	CREATE TABLE IF NOT EXISTS positions(
		id BIGINT NOT NULL AUTO_INCREMENT,
		email VARCHAR(255) NOT NULL,
		latitude DOUBLE NOT NULL,
		longitude DOUBLE NOT NULL,
		ts DATETIME(3) NOT NULL,
		PRIMARY KEY (id),
		INDEX email_ts_index (email, ts),
		INDEX ts_index (ts)
	)`

	if _, err := db.Exec(positionsTableSQL); err != nil {
		return fmt.Errorf("failed to create positions table: %w", err)
	}
	log.Info("Positions table created/verified")

	log.Info("Belated database schema initialization completed")
	return nil
}
