package handlers

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func NewRouter(h *Handlers) *gin.Engine {
	router := gin.Default()
	router.Use(cors.New(cors.Config{
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type"},
		AllowOrigins:     []string{"*"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/health", h.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api/v1")
	{
		api.GET("/meetings/:id", h.GetMeeting)
		api.POST("/meetings/:id/location", h.SetLocation)
		api.POST("/meetings/:id/tracking", h.SetTracking)
		api.POST("/meetings/:id/travel_plan", h.SetTravelPlan)
		api.GET("/participants/:email/meetings", h.GetParticipantMeetings)
		api.POST("/location", h.RecordPosition)
	}
	return router
}
