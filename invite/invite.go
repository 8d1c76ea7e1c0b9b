package invite

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"belated/models"

	"github.com/apex/log"
	ical "github.com/arran4/golang-ical"
)

type Method string

const (
	MethodRequest Method = "request"
	MethodCancel  Method = "cancel"
)

var (
	ErrUnsupportedMethod = errors.New("unsupported calendar method")
	ErrNoEvents          = errors.New("calendar holds no events")
)

// conference links in order of preference
var conferenceProperties = []ical.ComponentProperty{
	ical.ComponentProperty("X-MICROSOFT-SKYPETEAMSMEETINGURL"),
	ical.ComponentProperty("X-GOOGLE-CONFERENCE"),
	ical.ComponentPropertyUrl,
}

type Invite struct {
	Method  Method
	Meeting *models.Meeting
}

// Parser turns text/calendar payloads into meetings.
type Parser struct {
	serviceEmail string
	loc          *time.Location
}

// NewParser returns a parser that leaves serviceEmail out of the attendees
// and reads floating times in loc.
func NewParser(serviceEmail string, loc *time.Location) *Parser {
	if loc == nil {
		loc = time.UTC
	}
	return &Parser{serviceEmail: models.NormalizeEmail(serviceEmail), loc: loc}
}

// Parse returns one invite per event of the calendar. Events that cannot be
// read are logged and skipped.
func (p *Parser) Parse(body []byte, emailId string) ([]Invite, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, ErrNoEvents
	}
	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse calendar: %w", err)
	}

	method, err := calendarMethod(cal)
	if err != nil {
		return nil, err
	}

	var invites []Invite
	for _, ve := range cal.Events() {
		m, err := p.parseEvent(ve)
		if err != nil {
			log.WithError(err).Warnf("Skipping event of email %s", emailId)
			continue
		}
		m.EmailId = emailId
		eventMethod := method
		if status := ve.GetProperty(ical.ComponentPropertyStatus); status != nil && strings.EqualFold(status.Value, "CANCELLED") {
			eventMethod = MethodCancel
		}
		invites = append(invites, Invite{Method: eventMethod, Meeting: m})
	}
	if len(invites) == 0 {
		return nil, ErrNoEvents
	}
	return invites, nil
}

func calendarMethod(cal *ical.Calendar) (Method, error) {
	for _, prop := range cal.CalendarProperties {
		if prop.IANAToken != string(ical.PropertyMethod) {
			continue
		}
		switch strings.ToUpper(strings.TrimSpace(prop.Value)) {
		case "REQUEST", "PUBLISH":
			return MethodRequest, nil
		case "CANCEL":
			return MethodCancel, nil
		default:
			return "", fmt.Errorf("%w: %s", ErrUnsupportedMethod, prop.Value)
		}
	}
	return MethodRequest, nil
}

func (p *Parser) parseEvent(ve *ical.VEvent) (*models.Meeting, error) {
	var m models.Meeting

	uid := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uid == nil || strings.TrimSpace(uid.Value) == "" {
		return nil, errors.New("missing UID")
	}
	m.CalUId = strings.TrimSpace(uid.Value)

	if seq := ve.GetProperty(ical.ComponentPropertySequence); seq != nil {
		n, err := strconv.Atoi(strings.TrimSpace(seq.Value))
		if err != nil {
			return nil, fmt.Errorf("invalid SEQUENCE %q", seq.Value)
		}
		m.CalSequence = n
	}

	organiser := ve.GetProperty(ical.ComponentPropertyOrganizer)
	if organiser == nil {
		return nil, errors.New("missing ORGANIZER")
	}
	m.Organiser = toParticipant(&organiser.BaseProperty)
	if !models.ValidEmail(m.Organiser.Email) {
		return nil, fmt.Errorf("invalid organiser %q", organiser.Value)
	}

	start, err := p.eventTime(ve, ical.ComponentPropertyDtStart)
	if err != nil {
		return nil, err
	}
	m.Start = start
	m.End = start
	if ve.GetProperty(ical.ComponentPropertyDtEnd) != nil {
		end, err := p.eventTime(ve, ical.ComponentPropertyDtEnd)
		if err != nil {
			return nil, err
		}
		m.End = end
	}

	m.Subject = textValue(ve, ical.ComponentPropertySummary)
	m.Description = textValue(ve, ical.ComponentPropertyDescription)
	m.Location = textValue(ve, ical.ComponentPropertyLocation)
	for _, prop := range conferenceProperties {
		if url := textValue(ve, prop); url != "" {
			m.ConferenceURL = url
			break
		}
	}

	seen := map[string]bool{m.Organiser.Email: true, p.serviceEmail: true}
	for _, a := range ve.Attendees() {
		person := toParticipant(&a.BaseProperty)
		if person.Email == "" || seen[person.Email] {
			continue
		}
		seen[person.Email] = true
		m.Attendees = append(m.Attendees, person)
	}
	return &m, nil
}

// eventTime reads a DTSTART/DTEND value as UTC. Floating times and zone
// names unknown to the tz database (Windows names) are read in the
// parser's location.
func (p *Parser) eventTime(ve *ical.VEvent, prop ical.ComponentProperty) (time.Time, error) {
	tp := ve.GetProperty(prop)
	if tp == nil {
		return time.Time{}, fmt.Errorf("missing %s", prop)
	}
	value := strings.TrimSpace(tp.Value)
	_, hasZone := tp.ICalParameters["TZID"]
	if !hasZone && !strings.HasSuffix(value, "Z") {
		return parseFloating(value, p.loc)
	}

	var (
		t   time.Time
		err error
	)
	if prop == ical.ComponentPropertyDtStart {
		t, err = ve.GetStartAt()
	} else {
		t, err = ve.GetEndAt()
	}
	if err != nil && hasZone {
		log.Debugf("Unknown zone %v for %s, reading it in %s", tp.ICalParameters["TZID"], prop, p.loc)
		return parseFloating(value, p.loc)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s %q: %w", prop, value, err)
	}
	return t.UTC(), nil
}

func parseFloating(value string, loc *time.Location) (time.Time, error) {
	layout := "20060102T150405"
	if len(value) == len("20060102") {
		layout = "20060102"
	}
	t, err := time.ParseInLocation(layout, value, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: %w", value, err)
	}
	return t.UTC(), nil
}

func textValue(ve *ical.VEvent, prop ical.ComponentProperty) string {
	if p := ve.GetProperty(prop); p != nil {
		return strings.TrimSpace(p.Value)
	}
	return ""
}

func toParticipant(prop *ical.BaseProperty) models.Participant {
	email := strings.TrimSpace(prop.Value)
	if len(email) > 7 && strings.EqualFold(email[:7], "mailto:") {
		email = email[7:]
	}
	email = models.NormalizeEmail(email)

	name := email
	if cn, ok := prop.ICalParameters[string(ical.ParameterCn)]; ok && len(cn) > 0 {
		if n := strings.Trim(strings.TrimSpace(cn[0]), `"`); n != "" {
			name = n
		}
	}
	return models.Participant{Name: name, Email: email}
}
