package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"belated/models"

	"github.com/apex/log"
	"github.com/gin-gonic/gin"
)

type MeetingStore interface {
	Get(ctx context.Context, id string) (*models.Meeting, error)
	FindMeetingsFor(ctx context.Context, email string) ([]*models.Meeting, error)
	UpdateCoordinate(ctx context.Context, m *models.Meeting, latitude, longitude float64) error
	UpdateTracking(ctx context.Context, m *models.Meeting, settings []models.TrackingSetting) error
	UpdateTravelPlan(ctx context.Context, m *models.Meeting, email string, mode models.TravelMode, eta *time.Time) error
}

type LocationRecorder interface {
	HandleLocation(ctx context.Context, pos *models.Position) error
}

// CoordinateRequest sets the coordinates of a meeting whose location could not be geocoded.
type CoordinateRequest struct {
	Latitude  *float64 `json:"latitude" binding:"required"`
	Longitude *float64 `json:"longitude" binding:"required"`
}

type TrackingRequest struct {
	Settings []struct {
		Email string `json:"email" binding:"required"`
		Track *bool  `json:"track" binding:"required"`
	} `json:"settings" binding:"required,dive"`
}

type TravelPlanRequest struct {
	Email string            `json:"email" binding:"required"`
	Mode  models.TravelMode `json:"mode"`
	Eta   *time.Time        `json:"eta"`
}

// PositionRequest is a location report from the mobile app. A missing
// timestamp means the position was taken when the request arrived.
type PositionRequest struct {
	Email     string     `json:"email" binding:"required"`
	Latitude  *float64   `json:"latitude" binding:"required"`
	Longitude *float64   `json:"longitude" binding:"required"`
	Timestamp *time.Time `json:"timestamp"`
}

type Handlers struct {
	meetings  MeetingStore
	locations LocationRecorder
	now       func() time.Time
}

func NewHandlers(meetings MeetingStore, locations LocationRecorder) *Handlers {
	return &Handlers{meetings: meetings, locations: locations, now: time.Now}
}

func (h *Handlers) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "belated",
	})
}

func (h *Handlers) GetMeeting(c *gin.Context) {
	m, ok := h.loadMeeting(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, m)
}

// GetParticipantMeetings lists the meetings the email organises or attends.
func (h *Handlers) GetParticipantMeetings(c *gin.Context) {
	email := models.NormalizeEmail(c.Param("email"))
	if !models.ValidEmail(email) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid email"})
		return
	}
	meetings, err := h.meetings.FindMeetingsFor(c.Request.Context(), email)
	if err != nil {
		log.WithError(err).Errorf("Failed to query meetings of %s", email)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get meetings"})
		return
	}
	if meetings == nil {
		meetings = []*models.Meeting{}
	}
	c.JSON(http.StatusOK, meetings)
}

func (h *Handlers) SetLocation(c *gin.Context) {
	var req CoordinateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}
	if err := models.ValidateCoordinate(*req.Latitude, *req.Longitude); err != nil {
		writeError(c, err, "Failed to update meeting location")
		return
	}
	m, ok := h.loadMeeting(c)
	if !ok {
		return
	}
	if err := h.meetings.UpdateCoordinate(c.Request.Context(), m, *req.Latitude, *req.Longitude); err != nil {
		writeError(c, err, "Failed to update meeting location")
		return
	}
	c.JSON(http.StatusOK, m)
}

func (h *Handlers) SetTracking(c *gin.Context) {
	var req TrackingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}
	settings := make([]models.TrackingSetting, len(req.Settings))
	for i, s := range req.Settings {
		settings[i] = models.TrackingSetting{Email: s.Email, Track: *s.Track}
	}
	m, ok := h.loadMeeting(c)
	if !ok {
		return
	}
	if err := h.meetings.UpdateTracking(c.Request.Context(), m, settings); err != nil {
		writeError(c, err, "Failed to update tracking settings")
		return
	}
	c.JSON(http.StatusOK, m)
}

func (h *Handlers) SetTravelPlan(c *gin.Context) {
	var req TravelPlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}
	email := models.NormalizeEmail(req.Email)
	if !models.ValidEmail(email) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid email"})
		return
	}
	if err := models.ValidateTravelPlan(req.Mode, req.Eta); err != nil {
		writeError(c, err, "Failed to update travel plan")
		return
	}
	m, ok := h.loadMeeting(c)
	if !ok {
		return
	}
	if err := h.meetings.UpdateTravelPlan(c.Request.Context(), m, email, req.Mode, req.Eta); err != nil {
		writeError(c, err, "Failed to update travel plan")
		return
	}
	c.JSON(http.StatusOK, m)
}

func (h *Handlers) RecordPosition(c *gin.Context) {
	var req PositionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}
	pos := &models.Position{
		Email:     req.Email,
		Latitude:  *req.Latitude,
		Longitude: *req.Longitude,
		Timestamp: h.now().UTC(),
	}
	if req.Timestamp != nil {
		pos.Timestamp = req.Timestamp.UTC()
	}
	if err := h.locations.HandleLocation(c.Request.Context(), pos); err != nil {
		writeError(c, err, "Failed to record position")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "recorded"})
}

func (h *Handlers) loadMeeting(c *gin.Context) (*models.Meeting, bool) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Meeting id is required"})
		return nil, false
	}
	m, err := h.meetings.Get(c.Request.Context(), id)
	if err != nil {
		log.WithError(err).Errorf("Failed to retrieve meeting %s", id)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get meeting"})
		return nil, false
	}
	if m == nil {
		writeError(c, models.ErrMeetingNotFound, "Failed to get meeting")
		return nil, false
	}
	return m, true
}

var badRequestErrors = []error{
	models.ErrInvalidCoordinate,
	models.ErrInvalidEmail,
	models.ErrInvalidTravelMode,
	models.ErrInvalidTravelPlan,
	models.ErrUnknownParticipant,
	models.ErrDuplicateParticipant,
}

// writeError maps validation failures to 400 and a missing meeting to 404.
func writeError(c *gin.Context, err error, msg string) {
	if errors.Is(err, models.ErrMeetingNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	for _, target := range badRequestErrors {
		if errors.Is(err, target) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	log.WithError(err).Error(msg)
	c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
}
