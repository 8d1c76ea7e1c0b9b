package notification

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"belated/metrics"
	"belated/models"

	"github.com/apex/log"
	"github.com/robfig/cron/v3"
)

type MeetingStore interface {
	Get(ctx context.Context, id string) (*models.Meeting, error)
	Remove(ctx context.Context, m *models.Meeting) error
	UpdateNotifiedLatePersons(ctx context.Context, m *models.Meeting, emails []string) error
	FindMeetingsWithin(ctx context.Context, earliest, latest time.Time) ([]*models.Meeting, error)
}

type PositionPruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

type StatusUpdater interface {
	StatusUpdate(ctx context.Context, m *models.Meeting, minutesBeforeStart int) ([]string, error)
}

type SchedulerOptions struct {
	// Offsets are the checkpoint minutes before start, in decreasing order.
	Offsets        []int
	SweepSchedule  string
	Lookahead      time.Duration
	PositionWindow time.Duration
}

type checkpoint struct {
	meetingId string
	sequence  int
	offset    int
}

// Scheduler arms one timer per checkpoint of every upcoming meeting. A cron
// sweep picks up meetings entering the lookahead window.
type Scheduler struct {
	store     MeetingStore
	positions PositionPruner
	logic     StatusUpdater
	opts      SchedulerOptions

	now       func() time.Time
	afterFunc func(d time.Duration, f func()) (stop func() bool)

	mu        sync.Mutex
	highWater time.Time
	// pending is the upper bound of a sweep whose lookup may still be running.
	pending time.Time
	armed   map[checkpoint]func() bool

	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

func NewScheduler(store MeetingStore, positions PositionPruner, logic StatusUpdater, opts SchedulerOptions) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:     store,
		positions: positions,
		logic:     logic,
		opts:      opts,
		now:       time.Now,
		afterFunc: func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		},
		highWater: time.Date(1900, time.January, 1, 0, 0, 0, 0, time.UTC),
		armed:     make(map[checkpoint]func() bool),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Schedule arms the checkpoints of a stored meeting that are still ahead.
// Meetings beyond the sweep window are left to a later sweep. A meeting with
// no checkpoint left is removed and reported as not occurring in the future.
func (s *Scheduler) Schedule(ctx context.Context, m *models.Meeting) (bool, error) {
	now := s.now()
	var due []int
	for _, offset := range s.opts.Offsets {
		if triggerAt(m, offset).After(now) {
			due = append(due, offset)
		}
	}
	if len(due) == 0 {
		metrics.MeetingsScheduledTotal.WithLabelValues("false").Inc()
		log.Infof("Not scheduling meeting %s organised by %s, already occurred", m.Id, m.Organiser.Email)
		if err := s.store.Remove(ctx, m); err != nil {
			return false, fmt.Errorf("failed to remove past meeting %s: %w", m.Id, err)
		}
		return false, nil
	}
	metrics.MeetingsScheduledTotal.WithLabelValues("true").Inc()

	s.mu.Lock()
	defer s.mu.Unlock()
	horizon := s.highWater
	if s.pending.After(horizon) {
		horizon = s.pending
	}
	if m.Start.After(horizon) {
		return true, nil
	}
	n := s.armLocked(m, due, now)
	if n > 0 {
		log.Infof("Armed %d checkpoints for meeting %s (seq %d) organised by %s", n, m.Id, m.CalSequence, m.Organiser.Email)
	}
	return true, nil
}

func (s *Scheduler) armLocked(m *models.Meeting, offsets []int, now time.Time) int {
	armed := 0
	for _, offset := range offsets {
		key := checkpoint{meetingId: m.Id, sequence: m.CalSequence, offset: offset}
		if _, ok := s.armed[key]; ok {
			continue
		}
		s.armed[key] = s.afterFunc(triggerAt(m, offset).Sub(now), func() { s.fire(key) })
		armed++
	}
	metrics.CheckpointsArmed.Set(float64(len(s.armed)))
	return armed
}

func triggerAt(m *models.Meeting, offset int) time.Time {
	return m.Start.Add(-time.Duration(offset) * time.Minute)
}

func (s *Scheduler) fire(key checkpoint) {
	s.mu.Lock()
	delete(s.armed, key)
	metrics.CheckpointsArmed.Set(float64(len(s.armed)))
	s.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			metrics.CheckpointsTotal.WithLabelValues("error").Inc()
			log.Errorf("Checkpoint %d of meeting %s panicked: %v", key.offset, key.meetingId, r)
		}
	}()
	result := s.check(s.ctx, key)
	metrics.CheckpointsTotal.WithLabelValues(result).Inc()
}

// check re-reads the meeting and gives up when it changed since the
// checkpoint was armed.
func (s *Scheduler) check(ctx context.Context, key checkpoint) string {
	current, err := s.store.Get(ctx, key.meetingId)
	if err != nil {
		log.WithError(err).Errorf("Unable to retrieve meeting %s for checkpoint %d", key.meetingId, key.offset)
		return "error"
	}
	if current == nil || current.CalSequence != key.sequence {
		log.Infof("Meeting %s changed since checkpoint %d was armed, skipping", key.meetingId, key.offset)
		return "stale"
	}

	newlyLate, err := s.logic.StatusUpdate(ctx, current, key.offset)
	if err != nil {
		log.WithError(err).Errorf("Status update of meeting %s failed", key.meetingId)
		return "error"
	}

	if key.offset == 0 {
		log.Infof("Removing meeting %s, it just started", key.meetingId)
		if err := s.store.Remove(ctx, current); err != nil {
			log.WithError(err).Errorf("Failed to remove meeting %s", key.meetingId)
			return "error"
		}
	} else if len(newlyLate) > 0 {
		log.Infof("Persisting %d late participants of meeting %s", len(newlyLate), key.meetingId)
		err := s.store.UpdateNotifiedLatePersons(ctx, current, newlyLate)
		if errors.Is(err, models.ErrStaleSequence) {
			log.Infof("Meeting %s changed during checkpoint %d, late participants not persisted", key.meetingId, key.offset)
			return "stale"
		}
		if err != nil {
			log.WithError(err).Errorf("Failed to persist late participants of meeting %s", key.meetingId)
			return "error"
		}
	}
	return "evaluated"
}

// Sweep schedules the meetings starting between the high-water mark and the
// end of the lookahead window, then prunes stale positions. The mark only
// advances when the lookup succeeds. Meetings scheduled while the lookup runs
// are armed directly if they fall inside the window being swept.
func (s *Scheduler) Sweep(ctx context.Context) error {
	now := s.now()
	until := now.Add(s.opts.Lookahead)

	s.mu.Lock()
	from := s.highWater
	if until.After(s.pending) {
		s.pending = until
	}
	s.mu.Unlock()

	log.Infof("Looking for meetings starting before %s", until.Format(time.RFC3339))
	meetings, err := s.store.FindMeetingsWithin(ctx, from, until)
	if err != nil {
		metrics.SweepsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to retrieve upcoming meetings: %w", err)
	}

	s.mu.Lock()
	if until.After(s.highWater) {
		s.highWater = until
	}
	s.mu.Unlock()

	for _, m := range meetings {
		if _, err := s.Schedule(ctx, m); err != nil {
			log.WithError(err).Warnf("Failed to schedule meeting %s", m.Id)
		}
	}

	if s.positions != nil {
		pruned, err := s.positions.Prune(ctx, now.Add(-s.opts.PositionWindow))
		if err != nil {
			log.WithError(err).Warn("Failed to prune stale positions")
		} else if pruned > 0 {
			log.Infof("Pruned %d stale positions", pruned)
		}
	}

	metrics.SweepsTotal.WithLabelValues("success").Inc()
	metrics.SweepLastSuccessSeconds.Set(metrics.NowUnixSeconds())
	return nil
}

func (s *Scheduler) runSweep() {
	defer func() {
		if r := recover(); r != nil {
			metrics.SweepsTotal.WithLabelValues("error").Inc()
			log.Errorf("Sweep panicked: %v", r)
		}
	}()
	if err := s.Sweep(s.ctx); err != nil {
		log.WithError(err).Error("Sweep failed")
	}
}

// Start runs a first sweep and then sweeps on the configured cron schedule.
func (s *Scheduler) Start() error {
	c := cron.New()
	if _, err := c.AddFunc(s.opts.SweepSchedule, s.runSweep); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.opts.SweepSchedule, err)
	}
	s.cron = c
	s.runSweep()
	c.Start()
	log.Infof("Scheduler started, sweeping on %q", s.opts.SweepSchedule)
	return nil
}

// Stop halts the sweep, disarms every pending checkpoint and cancels the
// checks in flight.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	s.cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	for key, stop := range s.armed {
		stop()
		delete(s.armed, key)
	}
	metrics.CheckpointsArmed.Set(0)
	log.Info("Scheduler stopped")
}
