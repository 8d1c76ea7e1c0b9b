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
	"github.com/google/uuid"
)

const (
	selectMeetings = `SELECT m.id, m.organiser_email, m.cal_uid, m.cal_sequence, m.start_time, m.end_time,
		m.location, m.latitude, m.longitude, m.location_determined, m.subject, m.description,
		m.conference_url, m.email_id
		FROM meetings m`

	selectParticipants = `SELECT position, name, email, notified_late, track, travel_mode, travel_eta, deleted
		FROM meeting_participants WHERE meeting_id = ? ORDER BY position`

	insertMeeting = `INSERT INTO meetings (id, organiser_email, cal_uid, cal_sequence, start_time, end_time,
		location, latitude, longitude, location_determined, subject, description, conference_url, email_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	insertParticipant = `INSERT INTO meeting_participants (meeting_id, position, name, email, notified_late,
		track, travel_mode, travel_eta, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
)

// MeetingStore is the authoritative record of meetings.
type MeetingStore struct {
	db    *sql.DB
	newId func() string
}

func NewMeetingStore(db *sql.DB) *MeetingStore {
	return &MeetingStore{
		db:    db,
		newId: uuid.NewString,
	}
}

// Add stores a meeting that has no identity yet and assigns one.
func (s *MeetingStore) Add(ctx context.Context, m *models.Meeting) error {
	if m.Id != "" {
		return models.ErrAlreadyStored
	}
	if m.Organiser.Email == "" || m.CalUId == "" {
		return fmt.Errorf("meeting needs an organiser email and a calendar uid")
	}
	if err := models.ValidateCoordinate(m.Latitude, m.Longitude); err != nil {
		return err
	}
	m.Organiser.Deleted = false
	for _, p := range m.Participants() {
		p.Email = models.NormalizeEmail(p.Email)
		if err := models.ValidateTravelPlan(p.TravelMode, p.TravelEta); err != nil {
			return fmt.Errorf("%s: %w", p.Email, err)
		}
	}

	id := s.newId()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		log.Errorf("Error creating transaction: %v", err)
		return err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, insertMeeting,
		id, m.Organiser.Email, m.CalUId, m.CalSequence, m.Start.UTC(), m.End.UTC(),
		m.Location, m.Latitude, m.Longitude, m.LocationDetermined, m.Subject, m.Description,
		m.ConferenceURL, m.EmailId)
	common.LogResult("addMeeting", result, err, true)
	if err != nil {
		return fmt.Errorf("failed to insert meeting: %w", err)
	}
	for i, p := range m.Participants() {
		if err := insertParticipantRow(ctx, tx, id, i, p); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit meeting: %w", err)
	}

	m.Id = id
	log.Infof("Added meeting %s (%s, %s, seq %d)", id, m.Organiser.Email, m.CalUId, m.CalSequence)
	return nil
}

func insertParticipantRow(ctx context.Context, tx *sql.Tx, meetingId string, position int, p *models.Participant) error {
	result, err := tx.ExecContext(ctx, insertParticipant,
		meetingId, position, p.Name, p.Email, p.NotifiedLate, p.Tracked(), string(p.TravelMode), travelEtaValue(p), p.Deleted)
	common.LogResult("insertParticipant", result, err, true)
	if err != nil {
		return fmt.Errorf("failed to insert participant %s: %w", p.Email, err)
	}
	return nil
}

// Get returns the meeting or nil when it does not exist.
func (s *MeetingStore) Get(ctx context.Context, id string) (*models.Meeting, error) {
	meetings, err := s.findMeetings(ctx, selectMeetings+" WHERE m.id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(meetings) == 0 {
		return nil, nil
	}
	return meetings[0], nil
}

// FindMeetingsWithin returns meetings starting in [earliest, latest), ordered by start.
func (s *MeetingStore) FindMeetingsWithin(ctx context.Context, earliest, latest time.Time) ([]*models.Meeting, error) {
	return s.findMeetings(ctx, selectMeetings+" WHERE m.start_time >= ? AND m.start_time < ? ORDER BY m.start_time",
		earliest.UTC(), latest.UTC())
}

// FindMeetingsFor returns the meetings the email organises or attends.
func (s *MeetingStore) FindMeetingsFor(ctx context.Context, email string) ([]*models.Meeting, error) {
	return s.findMeetings(ctx, selectMeetings+` WHERE m.id IN (
		SELECT p.meeting_id FROM meeting_participants p WHERE p.email = ? AND p.deleted = false
		) ORDER BY m.start_time`, models.NormalizeEmail(email))
}

// FindMeetingBy looks a meeting up by its business key. When concurrent
// inserts left several rows, the one with the highest sequence (then the
// newest) is kept and the others are deleted.
func (s *MeetingStore) FindMeetingBy(ctx context.Context, organiserEmail, calUId string) (*models.Meeting, error) {
	meetings, err := s.scanMeetings(ctx,
		selectMeetings+" WHERE m.organiser_email = ? AND m.cal_uid = ? ORDER BY m.cal_sequence DESC, m.created_at DESC",
		models.NormalizeEmail(organiserEmail), calUId)
	if err != nil {
		return nil, err
	}
	if len(meetings) == 0 {
		return nil, nil
	}
	for _, dup := range meetings[1:] {
		log.Warnf("Purging duplicate meeting %s for (%s, %s), keeping %s", dup.Id, organiserEmail, calUId, meetings[0].Id)
		if err := s.Remove(ctx, dup); err != nil {
			log.WithError(err).Warnf("Failed to purge duplicate meeting %s", dup.Id)
		}
	}
	if err := s.loadParticipants(ctx, meetings[0]); err != nil {
		return nil, err
	}
	return meetings[0], nil
}

func (s *MeetingStore) Remove(ctx context.Context, m *models.Meeting) error {
	if m.Id == "" {
		return models.ErrNotStored
	}
	result, err := s.db.ExecContext(ctx, "DELETE FROM meetings WHERE id = ?", m.Id)
	common.LogResult("removeMeeting", result, err, true)
	if err != nil {
		return fmt.Errorf("failed to remove meeting %s: %w", m.Id, err)
	}
	log.Infof("Removed meeting %s", m.Id)
	return nil
}

func (s *MeetingStore) findMeetings(ctx context.Context, query string, args ...interface{}) ([]*models.Meeting, error) {
	meetings, err := s.scanMeetings(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	for _, m := range meetings {
		if err := s.loadParticipants(ctx, m); err != nil {
			return nil, err
		}
	}
	return meetings, nil
}

func (s *MeetingStore) scanMeetings(ctx context.Context, query string, args ...interface{}) ([]*models.Meeting, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		log.Errorf("Error querying meetings: %v", err)
		return nil, err
	}
	defer rows.Close()

	var meetings []*models.Meeting
	for rows.Next() {
		var (
			m                                                models.Meeting
			location, subject, description, confURL, emailId sql.NullString
		)
		if err := rows.Scan(&m.Id, &m.Organiser.Email, &m.CalUId, &m.CalSequence, &m.Start, &m.End,
			&location, &m.Latitude, &m.Longitude, &m.LocationDetermined, &subject, &description,
			&confURL, &emailId); err != nil {
			return nil, fmt.Errorf("failed to scan meeting: %w", err)
		}
		m.Location = location.String
		m.Subject = subject.String
		m.Description = description.String
		m.ConferenceURL = confURL.String
		m.EmailId = emailId.String
		meetings = append(meetings, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return meetings, nil
}

func (s *MeetingStore) loadParticipants(ctx context.Context, m *models.Meeting) error {
	rows, err := s.db.QueryContext(ctx, selectParticipants, m.Id)
	if err != nil {
		log.Errorf("Error querying participants of %s: %v", m.Id, err)
		return err
	}
	defer rows.Close()

	m.Attendees = nil
	for rows.Next() {
		var (
			p        models.Participant
			position int
			name     sql.NullString
			track    bool
			mode     string
			eta      sql.NullTime
		)
		if err := rows.Scan(&position, &name, &p.Email, &p.NotifiedLate, &track, &mode, &eta, &p.Deleted); err != nil {
			return fmt.Errorf("failed to scan participant: %w", err)
		}
		p.Name = name.String
		p.Track = &track
		p.TravelMode = models.TravelMode(mode)
		if eta.Valid {
			t := eta.Time
			p.TravelEta = &t
		}
		if position == 0 {
			p.Email = m.Organiser.Email
			m.Organiser = p
			continue
		}
		m.Attendees = append(m.Attendees, p)
	}
	return rows.Err()
}

// UpdateDetail merges a newer revision of the invite into the stored meeting,
// writing only the fields that changed. Tracking flags and lateness marks are
// owned by this service and are never taken from the invite.
func (s *MeetingStore) UpdateDetail(ctx context.Context, existing, updated *models.Meeting) error {
	if existing.Id == "" {
		return models.ErrNotStored
	}
	if !existing.SameBusinessKey(updated) {
		return models.ErrBusinessKeyMismatch
	}
	if updated.CalSequence <= existing.CalSequence {
		return fmt.Errorf("%w: %d <= %d", models.ErrStaleSequence, updated.CalSequence, existing.CalSequence)
	}
	if err := models.ValidateCoordinate(updated.Latitude, updated.Longitude); err != nil {
		return err
	}

	merged := existing.Clone()
	d := newMeetingDelta()

	merged.CalSequence = updated.CalSequence
	d.meeting.set("cal_sequence", updated.CalSequence)

	startChanged := !merged.Start.Equal(updated.Start)
	if startChanged {
		merged.Start = updated.Start
		d.meeting.set("start_time", updated.Start.UTC())
	}
	if !merged.End.Equal(updated.End) {
		merged.End = updated.End
		d.meeting.set("end_time", updated.End.UTC())
	}
	setString(&d.meeting, "location", &merged.Location, updated.Location)
	setFloat(&d.meeting, "latitude", &merged.Latitude, updated.Latitude)
	setFloat(&d.meeting, "longitude", &merged.Longitude, updated.Longitude)
	if merged.LocationDetermined != updated.LocationDetermined {
		merged.LocationDetermined = updated.LocationDetermined
		d.meeting.set("location_determined", updated.LocationDetermined)
	}
	setString(&d.meeting, "subject", &merged.Subject, updated.Subject)
	setString(&d.meeting, "description", &merged.Description, updated.Description)
	setString(&d.meeting, "conference_url", &merged.ConferenceURL, updated.ConferenceURL)
	setString(&d.meeting, "email_id", &merged.EmailId, updated.EmailId)

	if merged.Organiser.Name != updated.Organiser.Name {
		merged.Organiser.Name = updated.Organiser.Name
		d.setParticipant(0, "name", updated.Organiser.Name)
	}

	incoming := make(map[string]*models.Participant, len(updated.Attendees))
	for i := range updated.Attendees {
		incoming[models.NormalizeEmail(updated.Attendees[i].Email)] = &updated.Attendees[i]
	}
	known := make(map[string]bool, len(merged.Attendees))
	for i := range merged.Attendees {
		a := &merged.Attendees[i]
		position := i + 1
		email := models.NormalizeEmail(a.Email)
		known[email] = true
		u, present := incoming[email]
		switch {
		case !present && !a.Deleted:
			a.Deleted = true
			d.setParticipant(position, "deleted", true)
		case present && a.Deleted:
			a.Deleted = false
			d.setParticipant(position, "deleted", false)
			if a.NotifiedLate {
				a.NotifiedLate = false
				d.setParticipant(position, "notified_late", false)
			}
		}
		if present && a.Name != u.Name {
			a.Name = u.Name
			d.setParticipant(position, "name", u.Name)
		}
	}

	if startChanged {
		for i, p := range merged.Participants() {
			d.resetTiming(i, p)
		}
	}

	for _, u := range updated.Attendees {
		email := models.NormalizeEmail(u.Email)
		if known[email] {
			continue
		}
		known[email] = true
		p := models.Participant{Name: u.Name, Email: email, Track: u.Track}
		merged.Attendees = append(merged.Attendees, p)
		d.inserts = append(d.inserts, participantInsert{position: len(merged.Attendees), participant: p})
	}

	if err := s.apply(ctx, existing, d, true); err != nil {
		return err
	}
	*existing = *merged
	log.Infof("Updated meeting %s to seq %d", existing.Id, existing.CalSequence)
	return nil
}

// UpdateNotifiedLatePersons marks the participants with the given emails as
// notified about being late. Participants already marked are skipped. The
// write is rejected with ErrStaleSequence once the meeting has moved on from
// m's sequence.
func (s *MeetingStore) UpdateNotifiedLatePersons(ctx context.Context, m *models.Meeting, emails []string) error {
	if m.Id == "" {
		return models.ErrNotStored
	}
	merged := m.Clone()
	d := newMeetingDelta()
	for _, email := range emails {
		position, p := participantAt(merged, email)
		if p == nil {
			return fmt.Errorf("%w: %s", models.ErrUnknownParticipant, email)
		}
		if !p.NotifiedLate {
			p.NotifiedLate = true
			d.setParticipant(position, "notified_late", true)
		}
	}
	if err := s.apply(ctx, m, d, true); err != nil {
		return err
	}
	*m = *merged
	return nil
}

func (s *MeetingStore) UpdateCoordinate(ctx context.Context, m *models.Meeting, latitude, longitude float64) error {
	if m.Id == "" {
		return models.ErrNotStored
	}
	if err := models.ValidateCoordinate(latitude, longitude); err != nil {
		return err
	}
	merged := m.Clone()
	d := newMeetingDelta()
	setFloat(&d.meeting, "latitude", &merged.Latitude, latitude)
	setFloat(&d.meeting, "longitude", &merged.Longitude, longitude)
	if !merged.LocationDetermined {
		merged.LocationDetermined = true
		d.meeting.set("location_determined", true)
	}
	if err := s.apply(ctx, m, d, false); err != nil {
		return err
	}
	*m = *merged
	return nil
}

func (s *MeetingStore) UpdateTracking(ctx context.Context, m *models.Meeting, settings []models.TrackingSetting) error {
	if m.Id == "" {
		return models.ErrNotStored
	}
	merged := m.Clone()
	d := newMeetingDelta()
	seen := make(map[string]bool, len(settings))
	for _, setting := range settings {
		email := models.NormalizeEmail(setting.Email)
		if !models.ValidEmail(email) {
			return fmt.Errorf("%w: %q", models.ErrInvalidEmail, setting.Email)
		}
		if seen[email] {
			return fmt.Errorf("%w: %s", models.ErrDuplicateParticipant, email)
		}
		seen[email] = true
		position, p := participantAt(merged, email)
		if p == nil {
			return fmt.Errorf("%w: %s", models.ErrUnknownParticipant, email)
		}
		if p.Tracked() != setting.Track {
			track := setting.Track
			p.Track = &track
			d.setParticipant(position, "track", track)
		}
	}
	if err := s.apply(ctx, m, d, false); err != nil {
		return err
	}
	*m = *merged
	return nil
}

func (s *MeetingStore) UpdateTravelPlan(ctx context.Context, m *models.Meeting, email string, mode models.TravelMode, eta *time.Time) error {
	if m.Id == "" {
		return models.ErrNotStored
	}
	if err := models.ValidateTravelPlan(mode, eta); err != nil {
		return err
	}
	merged := m.Clone()
	position, p := participantAt(merged, email)
	if p == nil {
		return fmt.Errorf("%w: %s", models.ErrUnknownParticipant, email)
	}
	d := newMeetingDelta()
	if p.TravelMode != mode {
		p.TravelMode = mode
		d.setParticipant(position, "travel_mode", string(mode))
	}
	if !sameEta(p.TravelEta, eta) {
		if eta == nil {
			p.TravelEta = nil
		} else {
			t := eta.UTC()
			p.TravelEta = &t
		}
		d.setParticipant(position, "travel_eta", travelEtaValue(p))
	}
	if err := s.apply(ctx, m, d, false); err != nil {
		return err
	}
	*m = *merged
	return nil
}

// apply writes the delta in one transaction. With guardSequence the meeting
// row is only updated while it still holds the sequence the delta was
// computed from.
func (s *MeetingStore) apply(ctx context.Context, m *models.Meeting, d *meetingDelta, guardSequence bool) error {
	if d.empty() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		log.Errorf("Error creating transaction: %v", err)
		return err
	}
	defer tx.Rollback()

	if len(d.meeting) > 0 {
		clause, args := d.meeting.clause()
		query := "UPDATE meetings SET " + clause + " WHERE id = ?"
		args = append(args, m.Id)
		if guardSequence {
			query += " AND cal_sequence = ?"
			args = append(args, m.CalSequence)
		}
		result, err := tx.ExecContext(ctx, query, args...)
		rows := common.LogResult("updateMeeting", result, err, !guardSequence)
		if err != nil {
			return fmt.Errorf("failed to update meeting %s: %w", m.Id, err)
		}
		if guardSequence && rows != 1 {
			return fmt.Errorf("%w: meeting %s changed concurrently", models.ErrStaleSequence, m.Id)
		}
	} else if guardSequence {
		// participant-only writes lock the meeting row to compare the sequence
		var sequence int
		err := tx.QueryRowContext(ctx, "SELECT cal_sequence FROM meetings WHERE id = ? FOR UPDATE", m.Id).Scan(&sequence)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: meeting %s was removed", models.ErrStaleSequence, m.Id)
		}
		if err != nil {
			return fmt.Errorf("failed to lock meeting %s: %w", m.Id, err)
		}
		if sequence != m.CalSequence {
			return fmt.Errorf("%w: meeting %s is at sequence %d", models.ErrStaleSequence, m.Id, sequence)
		}
	}
	for _, position := range d.positions() {
		clause, args := d.participants[position].clause()
		args = append(args, m.Id, position)
		result, err := tx.ExecContext(ctx, "UPDATE meeting_participants SET "+clause+" WHERE meeting_id = ? AND position = ?", args...)
		common.LogResult("updateParticipant", result, err, false)
		if err != nil {
			return fmt.Errorf("failed to update participant %d of %s: %w", position, m.Id, err)
		}
	}
	for _, ins := range d.inserts {
		p := ins.participant
		if err := insertParticipantRow(ctx, tx, m.Id, ins.position, &p); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func participantAt(m *models.Meeting, email string) (int, *models.Participant) {
	email = models.NormalizeEmail(email)
	for i, p := range m.Participants() {
		if models.NormalizeEmail(p.Email) == email {
			return i, p
		}
	}
	return -1, nil
}

func setString(cs *changeSet, column string, field *string, value string) {
	if *field != value {
		*field = value
		cs.set(column, value)
	}
}

func setFloat(cs *changeSet, column string, field *float64, value float64) {
	if *field != value {
		*field = value
		cs.set(column, value)
	}
}

func sameEta(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
