package models

import "errors"

var (
	ErrAlreadyStored        = errors.New("meeting already has an id")
	ErrNotStored            = errors.New("meeting has no id")
	ErrBusinessKeyMismatch  = errors.New("meetings have different organiser or calendar uid")
	ErrStaleSequence        = errors.New("calendar sequence is not newer than the stored one")
	ErrInvalidCoordinate    = errors.New("coordinate out of range")
	ErrUnknownParticipant   = errors.New("participant is not part of the meeting")
	ErrDuplicateParticipant = errors.New("participant listed more than once")
	ErrInvalidTravelMode    = errors.New("unknown travel mode")
	ErrInvalidTravelPlan    = errors.New("travel mode and eta do not match")
	ErrInvalidEmail         = errors.New("invalid email address")
	ErrMeetingNotFound      = errors.New("meeting not found")
)
