package notification

import (
	"context"
	"errors"
	"sync"
	"time"

	"belated/models"
)

type fakeStore struct {
	mu         sync.Mutex
	meetings   map[string]*models.Meeting
	findErr    error
	findCalls  [][2]time.Time
	removed    []string
	lateWrites map[string][]string
	lateErr    error
	afterFind  func()
}

func newFakeStore(meetings ...*models.Meeting) *fakeStore {
	s := &fakeStore{meetings: make(map[string]*models.Meeting), lateWrites: make(map[string][]string)}
	for _, m := range meetings {
		s.meetings[m.Id] = m
	}
	return s
}

func (s *fakeStore) Get(ctx context.Context, id string) (*models.Meeting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meetings[id]
	if !ok {
		return nil, nil
	}
	return m.Clone(), nil
}

func (s *fakeStore) Remove(ctx context.Context, m *models.Meeting) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.meetings, m.Id)
	s.removed = append(s.removed, m.Id)
	return nil
}

func (s *fakeStore) UpdateNotifiedLatePersons(ctx context.Context, m *models.Meeting, emails []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lateErr != nil {
		return s.lateErr
	}
	s.lateWrites[m.Id] = append(s.lateWrites[m.Id], emails...)
	return nil
}

func (s *fakeStore) FindMeetingsWithin(ctx context.Context, earliest, latest time.Time) ([]*models.Meeting, error) {
	s.mu.Lock()
	s.findCalls = append(s.findCalls, [2]time.Time{earliest, latest})
	if s.findErr != nil {
		s.mu.Unlock()
		return nil, s.findErr
	}
	var found []*models.Meeting
	for _, m := range s.meetings {
		if !m.Start.Before(earliest) && m.Start.Before(latest) {
			found = append(found, m.Clone())
		}
	}
	hook := s.afterFind
	s.mu.Unlock()

	// runs after the snapshot is taken, like a write racing the query
	if hook != nil {
		hook()
	}
	return found, nil
}

func (s *fakeStore) put(m *models.Meeting) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meetings[m.Id] = m
}

type fakePositions struct {
	mu        sync.Mutex
	positions map[string]*models.Position
	failFor   string
	pruned    []time.Time
}

func (p *fakePositions) LastPosition(ctx context.Context, email string) (*models.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if email == p.failFor {
		return nil, errors.New("lookup failed")
	}
	return p.positions[email], nil
}

func (p *fakePositions) Prune(ctx context.Context, before time.Time) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pruned = append(p.pruned, before)
	return 1, nil
}

type statusEmail struct {
	meetingId string
	reports   []models.ParticipantReport
}

type fakeSender struct {
	mu       sync.Mutex
	statuses []statusEmail
	initials map[string]bool
}

func (s *fakeSender) SendStatus(ctx context.Context, m *models.Meeting, reports []models.ParticipantReport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, statusEmail{meetingId: m.Id, reports: reports})
}

func (s *fakeSender) SendInitial(ctx context.Context, m *models.Meeting, occursInFuture bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initials == nil {
		s.initials = make(map[string]bool)
	}
	s.initials[m.Id] = occursInFuture
}

type fakeTimer struct {
	delay   time.Duration
	fn      func()
	stopped bool
}

type fakeClock struct {
	now    time.Time
	timers []*fakeTimer
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) AfterFunc(d time.Duration, f func()) func() bool {
	t := &fakeTimer{delay: d, fn: f}
	c.timers = append(c.timers, t)
	return func() bool {
		t.stopped = true
		return true
	}
}

type statusCall struct {
	meetingId string
	minutes   int
}

type fakeLogic struct {
	mu        sync.Mutex
	calls     []statusCall
	newlyLate []string
	panics    bool
}

func (l *fakeLogic) StatusUpdate(ctx context.Context, m *models.Meeting, minutesBeforeStart int) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.panics {
		panic("boom")
	}
	l.calls = append(l.calls, statusCall{meetingId: m.Id, minutes: minutesBeforeStart})
	return l.newlyLate, nil
}
