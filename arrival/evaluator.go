package arrival

import (
	"fmt"
	"math"
	"time"

	"belated/models"

	"github.com/golang/geo/s2"
	"github.com/shopspring/decimal"
)

const earthRadiusMeters = 6371010.0

type Options struct {
	ComfortableSlack     float64
	ComfortableMinsEarly int
	StaleAfter           time.Duration
	// Location is used to render report times, UTC when nil.
	Location *time.Location
}

// Evaluator judges whether a participant can reach a meeting in time. It holds
// no mutable state and is safe for concurrent use.
type Evaluator struct {
	curve     []Vehicle
	slack     float64
	minsEarly int
	stale     time.Duration
	loc       *time.Location
}

func NewEvaluator(opts Options) *Evaluator {
	e, err := NewEvaluatorWithModel(DefaultBaseDistance, DefaultVehicles(), opts)
	if err != nil {
		panic(err)
	}
	return e
}

func NewEvaluatorWithModel(baseDistance float64, vehicles []Vehicle, opts Options) (*Evaluator, error) {
	curve, err := buildCurve(baseDistance, vehicles)
	if err != nil {
		return nil, err
	}
	if opts.ComfortableSlack <= 0 || opts.ComfortableSlack > 1 {
		return nil, fmt.Errorf("comfortable slack must be in (0, 1], got %v", opts.ComfortableSlack)
	}
	if opts.StaleAfter <= 0 {
		return nil, fmt.Errorf("stale window must be positive, got %v", opts.StaleAfter)
	}
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	return &Evaluator{
		curve:     curve,
		slack:     opts.ComfortableSlack,
		minsEarly: opts.ComfortableMinsEarly,
		stale:     opts.StaleAfter,
		loc:       loc,
	}, nil
}

// Vehicles lists the vehicle names, slowest first.
func (e *Evaluator) Vehicles() []string {
	names := make([]string, len(e.curve))
	for i, v := range e.curve {
		names[i] = v.Name
	}
	return names
}

// AllowableDistance is the distance in metres reachable in the given minutes
// when vehicles up to and including the given index may be used.
func (e *Evaluator) AllowableDistance(vehicle int, minutes float64) float64 {
	return e.allowableDistance(vehicle, minutes, 1)
}

func (e *Evaluator) allowableDistance(vehicle int, minutes, slack float64) float64 {
	if minutes < 0 {
		minutes = 0
	}
	base := 0
	for i := 1; i <= vehicle && i < len(e.curve); i++ {
		if minutes >= e.curve[i].StartMinute {
			base = i
		}
	}
	v := e.curve[base]
	return (v.reach + (minutes-v.StartMinute)*60*v.Speed) * slack
}

type reachability struct {
	vehicle int
	canMake bool
}

func (e *Evaluator) reachability(minutes, slack, distance float64) reachability {
	for i := range e.curve {
		if e.allowableDistance(i, minutes, slack) > distance {
			return reachability{vehicle: i, canMake: true}
		}
	}
	return reachability{vehicle: len(e.curve) - 1, canMake: false}
}

// Evaluate uses the participant's travel plan when one is declared, the last
// known position otherwise.
func (e *Evaluator) Evaluate(m *models.Meeting, p *models.Participant, pos *models.Position, now time.Time) models.Assessment {
	if p.HasTravelPlan() {
		return e.EvaluateTravelPlan(m, p)
	}
	return e.EvaluatePosition(m, pos, now)
}

func (e *Evaluator) EvaluatePosition(m *models.Meeting, pos *models.Position, now time.Time) models.Assessment {
	if pos == nil {
		return models.Assessment{Late: false, Comfortable: true, Message: "not using Belated app"}
	}
	if now.Sub(pos.Timestamp) > e.stale {
		return models.Assessment{
			Late:        false,
			Comfortable: false,
			Message:     fmt.Sprintf("no position updates received within the last %d minutes", int(e.stale.Minutes())),
		}
	}

	distance := Distance(pos.Latitude, pos.Longitude, m.Latitude, m.Longitude)
	minutes := m.Start.Sub(pos.Timestamp).Minutes()
	tight := e.reachability(minutes, 1, distance)
	comfortable := e.reachability(minutes-float64(e.minsEarly), e.slack, distance)

	where := e.describe(distance, pos.Timestamp)
	a := models.Assessment{
		Late:            !tight.canMake,
		Comfortable:     tight.canMake && comfortable.canMake,
		VehicleRequired: e.curve[tight.vehicle].Name,
	}
	switch {
	case a.Comfortable:
		a.VehicleRequired = e.curve[comfortable.vehicle].Name
		a.Message = "on-time (" + where + ")"
	case !a.Late:
		a.Message = "cutting it close (" + where + ")"
	default:
		a.Message = "stuck in traffic, will be late (" + where + ")"
	}
	return a
}

func (e *Evaluator) EvaluateTravelPlan(m *models.Meeting, p *models.Participant) models.Assessment {
	a := models.Assessment{Late: false, Comfortable: true, Message: travelModeMessage(p.TravelMode)}
	if p.TravelMode == models.TravelModeDecline {
		a.Late = true
		a.Comfortable = false
	}
	if p.TravelEta != nil {
		minutesEarly := int(math.Floor(m.Start.Sub(*p.TravelEta).Minutes()))
		if minutesEarly < e.minsEarly {
			a.Comfortable = false
		}
		if minutesEarly < 0 {
			a.Late = true
		}
		a.Message += ", expected " + formatMinutesEarly(minutesEarly)
	}
	return a
}

// Distance is the great-circle distance in metres.
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	a := s2.LatLngFromDegrees(lat1, lon1)
	b := s2.LatLngFromDegrees(lat2, lon2)
	return a.Distance(b).Radians() * earthRadiusMeters
}

func (e *Evaluator) describe(distance float64, at time.Time) string {
	km := "<0.1"
	if distance >= 100 {
		km = decimal.NewFromFloat(distance).Div(decimal.NewFromInt(1000)).Truncate(1).String()
	}
	return km + " km away at " + at.In(e.loc).Format("3:04 pm")
}

func travelModeMessage(mode models.TravelMode) string {
	switch mode {
	case models.TravelModeCar:
		return "travelling by car"
	case models.TravelModeWalk:
		return "travelling by foot"
	case models.TravelModeTransit:
		return "travelling by public transport"
	case models.TravelModeOnline:
		return "attending via video conference"
	case models.TravelModeDecline:
		return "unable to attend"
	}
	return ""
}

func formatMinutesEarly(minutes int) string {
	when := "early"
	if minutes < 0 {
		when = "late"
		minutes = -minutes
	}
	switch minutes {
	case 0:
		return "just on-time"
	case 1:
		return "1 minute " + when
	}
	return fmt.Sprintf("%d minutes %s", minutes, when)
}
