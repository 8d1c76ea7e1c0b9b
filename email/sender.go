package email

import (
	"context"
	"fmt"
	"time"

	"belated/config"
	"belated/metrics"
	"belated/models"

	"github.com/apex/log"
	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

type mailClient interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

// Sender delivers status and initial emails through SendGrid.
type Sender struct {
	client     mailClient
	fromName   string
	fromEmail  string
	siteDomain string
	loc        *time.Location
}

func NewSender(cfg *config.Config) *Sender {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	return &Sender{
		client:     sendgrid.NewSendClient(cfg.SendGridAPIKey),
		fromName:   cfg.SendGridFromName,
		fromEmail:  cfg.SendGridFromEmail,
		siteDomain: cfg.SiteDomain,
		loc:        loc,
	}
}

// SendStatus emails the arrival reports to the organiser and every attendee
// still on the invite.
func (s *Sender) SendStatus(ctx context.Context, m *models.Meeting, reports []models.ParticipantReport) {
	view := s.statusView(m, reports)
	text, html, err := renderStatus(view)
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues("status", "error").Inc()
		log.WithError(err).Errorf("Error rendering status email for meeting %s", m.Id)
		return
	}

	recipients := m.Recipients()
	log.Infof("Sending status email for meeting %s to %d recipients", m.Id, len(recipients))
	for _, recipient := range recipients {
		if err := s.sendOne(ctx, m, recipient, text, html); err != nil {
			metrics.NotificationsTotal.WithLabelValues("status", "error").Inc()
			log.Warnf("Error sending status email to %s: %v", recipient, err)
			continue
		}
		metrics.NotificationsTotal.WithLabelValues("status", "sent").Inc()
	}
}

// SendInitial tells the organiser that the meeting is being tracked.
func (s *Sender) SendInitial(ctx context.Context, m *models.Meeting, occursInFuture bool) {
	view := s.initialView(m, occursInFuture)
	text, html, err := renderInitial(view)
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues("initial", "error").Inc()
		log.WithError(err).Errorf("Error rendering initial email for meeting %s", m.Id)
		return
	}
	if err := s.sendOne(ctx, m, m.Organiser.Email, text, html); err != nil {
		metrics.NotificationsTotal.WithLabelValues("initial", "error").Inc()
		log.Warnf("Error sending initial email to %s: %v", m.Organiser.Email, err)
		return
	}
	metrics.NotificationsTotal.WithLabelValues("initial", "sent").Inc()
}

func (s *Sender) sendOne(ctx context.Context, m *models.Meeting, recipient, text, html string) error {
	message := mail.NewV3Mail()
	message.SetFrom(mail.NewEmail(s.fromName, s.fromEmail))
	message.Subject = "RE: " + m.Subject

	p := mail.NewPersonalization()
	p.AddTos(mail.NewEmail(recipient, recipient))
	message.AddPersonalizations(p)

	message.AddContent(mail.NewContent("text/plain", text))
	message.AddContent(mail.NewContent("text/html", html))

	// replies thread under the invitation
	if m.EmailId != "" {
		message.SetHeader("In-Reply-To", m.EmailId)
		message.SetHeader("References", m.EmailId)
	}

	response, err := s.client.SendWithContext(ctx, message)
	if err != nil {
		return err
	}
	if response.StatusCode >= 300 {
		return fmt.Errorf("sendgrid returned %d: %s", response.StatusCode, response.Body)
	}
	log.Infof("Email sent to %s! Status: %d", recipient, response.StatusCode)
	return nil
}
