package database

import (
	"sort"
	"strings"

	"belated/models"
)

type assignment struct {
	column string
	value  interface{}
}

type changeSet []assignment

func (c *changeSet) set(column string, value interface{}) {
	*c = append(*c, assignment{column: column, value: value})
}

// clause renders "a = ?, b = ?" and the matching arguments.
func (c changeSet) clause() (string, []interface{}) {
	parts := make([]string, len(c))
	args := make([]interface{}, len(c))
	for i, a := range c {
		parts[i] = a.column + " = ?"
		args[i] = a.value
	}
	return strings.Join(parts, ", "), args
}

type participantInsert struct {
	position    int
	participant models.Participant
}

// meetingDelta is the minimal set of writes that turns the stored meeting into the merged one.
type meetingDelta struct {
	meeting      changeSet
	participants map[int]changeSet
	inserts      []participantInsert
}

func newMeetingDelta() *meetingDelta {
	return &meetingDelta{participants: make(map[int]changeSet)}
}

func (d *meetingDelta) setParticipant(position int, column string, value interface{}) {
	cs := d.participants[position]
	cs.set(column, value)
	d.participants[position] = cs
}

func (d *meetingDelta) empty() bool {
	return len(d.meeting) == 0 && len(d.participants) == 0 && len(d.inserts) == 0
}

func (d *meetingDelta) positions() []int {
	ps := make([]int, 0, len(d.participants))
	for p := range d.participants {
		ps = append(ps, p)
	}
	sort.Ints(ps)
	return ps
}

// resetTiming clears the lateness judgement and travel plan of a participant.
func (d *meetingDelta) resetTiming(position int, p *models.Participant) {
	if p.NotifiedLate {
		p.NotifiedLate = false
		d.setParticipant(position, "notified_late", false)
	}
	if p.TravelMode != models.TravelModeUnspecified {
		p.TravelMode = models.TravelModeUnspecified
		d.setParticipant(position, "travel_mode", string(models.TravelModeUnspecified))
	}
	if p.TravelEta != nil {
		p.TravelEta = nil
		d.setParticipant(position, "travel_eta", nil)
	}
}

func travelEtaValue(p *models.Participant) interface{} {
	if p.TravelEta == nil {
		return nil
	}
	return *p.TravelEta
}
