package models

import (
	"strings"
	"time"
)

type TravelMode string

const (
	TravelModeUnspecified TravelMode = ""
	TravelModeWalk        TravelMode = "walk"
	TravelModeCar         TravelMode = "car"
	TravelModeTransit     TravelMode = "transit"
	TravelModeOnline      TravelMode = "online"
	TravelModeDecline     TravelMode = "decline"
)

// RequiresEta reports whether a plan with this mode must carry an ETA.
// Modes that do not require one forbid it.
func (m TravelMode) RequiresEta() bool {
	switch m {
	case TravelModeWalk, TravelModeCar, TravelModeTransit:
		return true
	}
	return false
}

func (m TravelMode) Valid() bool {
	switch m {
	case TravelModeUnspecified, TravelModeWalk, TravelModeCar, TravelModeTransit, TravelModeOnline, TravelModeDecline:
		return true
	}
	return false
}

type Participant struct {
	Name         string     `json:"name"`
	Email        string     `json:"email"`
	NotifiedLate bool       `json:"notified_late"`
	Track        *bool      `json:"track,omitempty"`
	TravelMode   TravelMode `json:"travel_mode,omitempty"`
	TravelEta    *time.Time `json:"travel_eta,omitempty"`
	Deleted      bool       `json:"deleted,omitempty"`
}

// Tracked is false only when tracking was explicitly turned off.
func (p *Participant) Tracked() bool {
	return p.Track == nil || *p.Track
}

func (p *Participant) HasTravelPlan() bool {
	return p.TravelMode != TravelModeUnspecified
}

type Meeting struct {
	Id                 string        `json:"id"`
	CalUId             string        `json:"cal_uid"`
	CalSequence        int           `json:"cal_sequence"`
	Start              time.Time     `json:"start"`
	End                time.Time     `json:"end"`
	Location           string        `json:"location"`
	Latitude           float64       `json:"latitude"`
	Longitude          float64       `json:"longitude"`
	LocationDetermined bool          `json:"location_determined"`
	Organiser          Participant   `json:"organiser"`
	Attendees          []Participant `json:"attendees"`
	Subject            string        `json:"subject"`
	Description        string        `json:"description"`
	ConferenceURL      string        `json:"conference_url,omitempty"`
	EmailId            string        `json:"email_id,omitempty"`
}

func (m *Meeting) OrganiserEmail() string {
	return m.Organiser.Email
}

// SameBusinessKey compares the (organiser email, calendar UID) pair.
func (m *Meeting) SameBusinessKey(o *Meeting) bool {
	return strings.EqualFold(m.Organiser.Email, o.Organiser.Email) && m.CalUId == o.CalUId
}

// Participant returns the organiser or attendee with the given email, or nil.
func (m *Meeting) Participant(email string) *Participant {
	email = NormalizeEmail(email)
	if NormalizeEmail(m.Organiser.Email) == email {
		return &m.Organiser
	}
	for i := range m.Attendees {
		if NormalizeEmail(m.Attendees[i].Email) == email {
			return &m.Attendees[i]
		}
	}
	return nil
}

// Participants lists the organiser followed by every attendee, deleted ones included.
func (m *Meeting) Participants() []*Participant {
	ps := make([]*Participant, 0, len(m.Attendees)+1)
	ps = append(ps, &m.Organiser)
	for i := range m.Attendees {
		ps = append(ps, &m.Attendees[i])
	}
	return ps
}

// Recipients lists the emails of the organiser and every attendee still on the invite.
func (m *Meeting) Recipients() []string {
	emails := []string{m.Organiser.Email}
	for _, a := range m.Attendees {
		if !a.Deleted {
			emails = append(emails, a.Email)
		}
	}
	return emails
}

// Clone returns a deep copy.
func (m *Meeting) Clone() *Meeting {
	c := *m
	c.Organiser = m.Organiser.clone()
	c.Attendees = make([]Participant, len(m.Attendees))
	for i := range m.Attendees {
		c.Attendees[i] = m.Attendees[i].clone()
	}
	return &c
}

func (p Participant) clone() Participant {
	if p.Track != nil {
		t := *p.Track
		p.Track = &t
	}
	if p.TravelEta != nil {
		eta := *p.TravelEta
		p.TravelEta = &eta
	}
	return p
}

type TrackingSetting struct {
	Email string `json:"email" binding:"required"`
	Track bool   `json:"track"`
}
