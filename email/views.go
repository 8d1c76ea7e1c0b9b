package email

import (
	"bytes"
	"embed"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"
	"time"

	"belated/models"
)

//go:embed templates
var templateFS embed.FS

var (
	textTemplates = texttemplate.Must(texttemplate.ParseFS(templateFS, "templates/*.txt"))
	htmlTemplates = htmltemplate.Must(htmltemplate.ParseFS(templateFS, "templates/*.html"))
)

const (
	introOnTime   = "All attendees look to be arriving on time."
	introLate     = "Some attendees are stuck in traffic and are running late."
	introTooTight = "Some attendees may be cutting it close to the meeting start time."
)

type meetingView struct {
	Subject          string
	DescriptionLines []string
	Description      string
	Start            string
	End              string
	Location         string
	Latitude         float64
	Longitude        float64
	ConferenceURL    string
}

type reportView struct {
	Name    string
	Email   string
	Message string
	Late    bool
}

type statusView struct {
	meetingView
	Intro   string
	Reports []reportView
}

type initialView struct {
	meetingView
	Link               string
	LocationDetermined bool
	OccursInFuture     bool
	People             []models.Participant
}

func introduction(reports []models.ParticipantReport) string {
	someoneLate := false
	allComfortable := true
	for _, r := range reports {
		if r.Late {
			someoneLate = true
		}
		if !r.Comfortable {
			allComfortable = false
		}
	}
	switch {
	case someoneLate:
		return introLate
	case !allComfortable:
		return introTooTight
	}
	return introOnTime
}

func (s *Sender) meetingView(m *models.Meeting) meetingView {
	start := m.Start.In(s.loc)
	end := m.End.In(s.loc)
	endLayout := "Monday January 2, 2006 3:04 pm"
	if sameDay(start, end) {
		endLayout = "3:04 pm"
	}
	return meetingView{
		Subject:          m.Subject,
		Description:      m.Description,
		DescriptionLines: strings.Split(m.Description, "\n"),
		Start:            start.Format("Monday January 2, 2006 3:04 pm"),
		End:              end.Format(endLayout),
		Location:         m.Location,
		Latitude:         m.Latitude,
		Longitude:        m.Longitude,
		ConferenceURL:    m.ConferenceURL,
	}
}

func (s *Sender) statusView(m *models.Meeting, reports []models.ParticipantReport) statusView {
	v := statusView{meetingView: s.meetingView(m), Intro: introduction(reports)}
	for _, r := range reports {
		name := r.Participant.Name
		if name == "" {
			name = r.Participant.Email
		}
		v.Reports = append(v.Reports, reportView{
			Name:    name,
			Email:   r.Participant.Email,
			Message: r.Message,
			Late:    r.Late,
		})
	}
	return v
}

func (s *Sender) initialView(m *models.Meeting, occursInFuture bool) initialView {
	v := initialView{
		meetingView:        s.meetingView(m),
		Link:               "https://" + s.siteDomain + "/meeting/" + m.Id,
		LocationDetermined: m.LocationDetermined,
		OccursInFuture:     occursInFuture,
	}
	for _, p := range m.Participants() {
		if !p.Deleted {
			v.People = append(v.People, *p)
		}
	}
	return v
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func renderStatus(v statusView) (string, string, error) {
	return render("status", v)
}

func renderInitial(v initialView) (string, string, error) {
	return render("initial", v)
}

func render(name string, data interface{}) (string, string, error) {
	var text, html bytes.Buffer
	if err := textTemplates.ExecuteTemplate(&text, name+".txt", data); err != nil {
		return "", "", err
	}
	if err := htmlTemplates.ExecuteTemplate(&html, name+".html", data); err != nil {
		return "", "", err
	}
	return text.String(), html.String(), nil
}
