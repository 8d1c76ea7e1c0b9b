package manager

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"belated/invite"
	"belated/models"
	"belated/rabbitmq"

	"github.com/apex/log"
)

// InviteMessage is the queue payload: the raw text/calendar part of an email
// sent to the service mailbox, and that email's Message-ID.
type InviteMessage struct {
	EmailId  string `json:"email_id"`
	Calendar string `json:"calendar"`
}

// InviteHandler returns the subscriber callback feeding calendar invites to
// the manager. Malformed messages are dropped, store failures are retried.
func (mgr *Manager) InviteHandler(parser *invite.Parser) rabbitmq.CallbackFunc {
	return func(ctx context.Context, msg *rabbitmq.Message) error {
		var in InviteMessage
		if err := msg.UnmarshalTo(&in); err != nil {
			return rabbitmq.Permanent(fmt.Errorf("failed to decode invite message: %w", err))
		}
		if strings.TrimSpace(in.Calendar) == "" {
			return rabbitmq.Permanent(fmt.Errorf("invite message %s has no calendar", in.EmailId))
		}
		invites, err := parser.Parse([]byte(in.Calendar), in.EmailId)
		if err != nil {
			return rabbitmq.Permanent(fmt.Errorf("failed to parse invite %s: %w", in.EmailId, err))
		}
		return mgr.HandleInvites(ctx, invites)
	}
}

// HandleInvites dispatches every parsed event. Rejected events are logged
// and skipped; the first transient failure is returned once all events have
// been tried.
func (mgr *Manager) HandleInvites(ctx context.Context, invites []invite.Invite) error {
	var firstErr error
	for _, inv := range invites {
		var err error
		switch inv.Method {
		case invite.MethodCancel:
			err = mgr.HandleMeetingCancellation(ctx, inv.Meeting)
		default:
			err = mgr.HandleMeetingRequest(ctx, inv.Meeting)
		}
		if err == nil {
			continue
		}
		if rejected(err) {
			log.WithError(err).Warnf("Invite %s from %s rejected", inv.Meeting.CalUId, inv.Meeting.Organiser.Email)
			continue
		}
		log.WithError(err).Errorf("Failed to handle invite %s from %s", inv.Meeting.CalUId, inv.Meeting.Organiser.Email)
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// rejected reports whether retrying the same invite would fail the same way.
func rejected(err error) bool {
	for _, target := range []error{
		models.ErrStaleSequence,
		models.ErrBusinessKeyMismatch,
		models.ErrInvalidCoordinate,
		models.ErrInvalidEmail,
		models.ErrInvalidTravelMode,
		models.ErrInvalidTravelPlan,
		models.ErrDuplicateParticipant,
		models.ErrAlreadyStored,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
