package manager

import (
	"context"
	"fmt"
	"strings"

	"belated/config"
	"belated/geocoder"
	"belated/metrics"
	"belated/models"

	"github.com/apex/log"
)

type MeetingStore interface {
	FindMeetingBy(ctx context.Context, organiserEmail, calUId string) (*models.Meeting, error)
	Add(ctx context.Context, m *models.Meeting) error
	UpdateDetail(ctx context.Context, existing, updated *models.Meeting) error
	Remove(ctx context.Context, m *models.Meeting) error
}

type PositionRecorder interface {
	RecordPosition(ctx context.Context, pos *models.Position) error
}

// Scheduler reports whether a saved meeting still occurs in the future.
type Scheduler interface {
	Schedule(ctx context.Context, m *models.Meeting) (bool, error)
}

type InitialNotifier interface {
	Initial(ctx context.Context, m *models.Meeting, occursInFuture bool)
}

// Manager turns calendar invites and position reports into store updates,
// checkpoint schedules and receipt emails.
type Manager struct {
	meetings  MeetingStore
	positions PositionRecorder
	scheduler Scheduler
	notifier  InitialNotifier
	geocoder  geocoder.Geocoder
	defaults  *config.LocationDefaults
}

func NewManager(meetings MeetingStore, positions PositionRecorder, scheduler Scheduler, notifier InitialNotifier,
	g geocoder.Geocoder, defaults *config.LocationDefaults) *Manager {
	return &Manager{
		meetings:  meetings,
		positions: positions,
		scheduler: scheduler,
		notifier:  notifier,
		geocoder:  g,
		defaults:  defaults,
	}
}

// HandleMeetingRequest stores a new or revised meeting. Revisions that are
// not newer than the stored meeting are ignored.
func (mgr *Manager) HandleMeetingRequest(ctx context.Context, m *models.Meeting) error {
	stored, err := mgr.meetings.FindMeetingBy(ctx, m.Organiser.Email, m.CalUId)
	if err != nil {
		return fmt.Errorf("failed to look up meeting %s by %s: %w", m.CalUId, m.Organiser.Email, err)
	}
	if stored != nil && stored.CalSequence >= m.CalSequence {
		log.Infof("A more recent version of meeting %s by %s is already stored (seq %d >= %d), ignoring",
			m.CalUId, m.Organiser.Email, stored.CalSequence, m.CalSequence)
		return nil
	}

	locationChanged := stored == nil || stored.Location != m.Location
	if locationChanged {
		mgr.locate(ctx, m)
	} else {
		m.Latitude = stored.Latitude
		m.Longitude = stored.Longitude
		m.LocationDetermined = stored.LocationDetermined
	}

	saved := m
	if stored != nil {
		if err := mgr.meetings.UpdateDetail(ctx, stored, m); err != nil {
			return fmt.Errorf("failed to update meeting %s by %s: %w", stored.Id, m.Organiser.Email, err)
		}
		saved = stored
	} else {
		if err := mgr.meetings.Add(ctx, m); err != nil {
			return fmt.Errorf("failed to insert meeting %s by %s: %w", m.CalUId, m.Organiser.Email, err)
		}
	}
	log.Infof("Saved meeting %s by %s (seq %d)", saved.Id, saved.Organiser.Email, saved.CalSequence)

	occursInFuture, err := mgr.scheduler.Schedule(ctx, saved)
	if err != nil {
		log.WithError(err).Errorf("Failed to schedule meeting %s", saved.Id)
	}
	if locationChanged || !occursInFuture {
		mgr.notifier.Initial(ctx, saved, occursInFuture)
	}
	return nil
}

// locate starts from the organiser's default location and replaces it with
// the geocoded invite location when that succeeds.
func (mgr *Manager) locate(ctx context.Context, m *models.Meeting) {
	rule := mgr.defaults.For(m.Organiser.Email)
	m.Latitude = rule.Latitude
	m.Longitude = rule.Longitude
	m.LocationDetermined = false

	if strings.TrimSpace(m.Location) == "" {
		log.Infof("Meeting %s by %s has no location, skipping geocoding", m.CalUId, m.Organiser.Email)
		return
	}
	lat, lon, err := mgr.geocoder.Geocode(ctx, m.Location)
	if err != nil {
		log.WithError(err).Warnf("Could not geocode %q, using the default location of %s", m.Location, m.Organiser.Email)
		return
	}
	log.Infof("Meeting %s geocoded to (%f, %f)", m.CalUId, lat, lon)
	m.Latitude = lat
	m.Longitude = lon
	m.LocationDetermined = true
}

// HandleMeetingCancellation removes the stored meeting unless it has been
// revised after the cancellation was issued.
func (mgr *Manager) HandleMeetingCancellation(ctx context.Context, m *models.Meeting) error {
	stored, err := mgr.meetings.FindMeetingBy(ctx, m.Organiser.Email, m.CalUId)
	if err != nil {
		return fmt.Errorf("failed to look up meeting %s by %s: %w", m.CalUId, m.Organiser.Email, err)
	}
	if stored == nil {
		log.Infof("Meeting %s by %s cancelled, but it was never stored", m.CalUId, m.Organiser.Email)
		return nil
	}
	if stored.CalSequence > m.CalSequence {
		log.Infof("Meeting %s has a more recent version (seq %d > %d), ignoring cancellation",
			stored.Id, stored.CalSequence, m.CalSequence)
		return nil
	}
	if err := mgr.meetings.Remove(ctx, stored); err != nil {
		return fmt.Errorf("failed to remove cancelled meeting %s: %w", stored.Id, err)
	}
	log.Infof("Meeting %s by %s cancelled", stored.Id, stored.Organiser.Email)
	return nil
}

// HandleLocation records a participant's reported position.
func (mgr *Manager) HandleLocation(ctx context.Context, pos *models.Position) error {
	if err := mgr.positions.RecordPosition(ctx, pos); err != nil {
		metrics.PositionsRecordedTotal.WithLabelValues("error").Inc()
		return err
	}
	metrics.PositionsRecordedTotal.WithLabelValues("ok").Inc()
	return nil
}
