package notification

import (
	"context"
	"sync"
	"time"

	"belated/arrival"
	"belated/models"

	"github.com/apex/log"
)

type PositionSource interface {
	LastPosition(ctx context.Context, email string) (*models.Position, error)
}

// Sender delivers notification emails. Delivery failures are handled by the
// sender and never reported back.
type Sender interface {
	SendStatus(ctx context.Context, m *models.Meeting, reports []models.ParticipantReport)
	SendInitial(ctx context.Context, m *models.Meeting, occursInFuture bool)
}

// Logic decides, for one checkpoint, who is late and whether to email.
type Logic struct {
	evaluator    *arrival.Evaluator
	positions    PositionSource
	sender       Sender
	alwaysNotify int
	now          func() time.Time
}

func NewLogic(evaluator *arrival.Evaluator, positions PositionSource, sender Sender, alwaysNotifyMinutes int) *Logic {
	return &Logic{
		evaluator:    evaluator,
		positions:    positions,
		sender:       sender,
		alwaysNotify: alwaysNotifyMinutes,
		now:          time.Now,
	}
}

// StatusUpdate assesses every tracked participant and sends a status email on
// the always-notify checkpoint or when someone is newly late. It returns the
// emails of the newly late participants.
func (l *Logic) StatusUpdate(ctx context.Context, m *models.Meeting, minutesBeforeStart int) ([]string, error) {
	var tracked []*models.Participant
	for _, p := range m.Participants() {
		if !p.Deleted && p.Tracked() {
			tracked = append(tracked, p)
		}
	}

	now := l.now()
	reports := make([]models.ParticipantReport, len(tracked))
	var wg sync.WaitGroup
	for i, p := range tracked {
		wg.Add(1)
		go func(i int, p *models.Participant) {
			defer wg.Done()
			var pos *models.Position
			if !p.HasTravelPlan() {
				var err error
				pos, err = l.positions.LastPosition(ctx, p.Email)
				if err != nil {
					log.WithError(err).Warnf("Failed to get position of %s, assessing without one", p.Email)
					pos = nil
				}
			}
			reports[i] = models.ParticipantReport{
				Participant: *p,
				Assessment:  l.evaluator.Evaluate(m, p, pos, now),
			}
		}(i, p)
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var newlyLate []string
	for _, r := range reports {
		if r.Late && !r.Participant.NotifiedLate {
			newlyLate = append(newlyLate, r.Participant.Email)
		}
	}
	log.Infof("Meeting %s at %d minutes: %d tracked, %d newly late", m.Id, minutesBeforeStart, len(reports), len(newlyLate))

	if minutesBeforeStart == l.alwaysNotify || len(newlyLate) > 0 {
		l.sender.SendStatus(ctx, m, reports)
	}
	return newlyLate, nil
}

func (l *Logic) Initial(ctx context.Context, m *models.Meeting, occursInFuture bool) {
	l.sender.SendInitial(ctx, m, occursInFuture)
}
