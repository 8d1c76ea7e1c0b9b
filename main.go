package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"belated/arrival"
	"belated/common"
	"belated/config"
	"belated/database"
	"belated/email"
	"belated/geocoder"
	"belated/handlers"
	"belated/invite"
	"belated/manager"
	"belated/metrics"
	"belated/notification"
	"belated/rabbitmq"

	"github.com/apex/log"
	"github.com/apex/log/handlers/json"
	"github.com/apex/log/handlers/text"
	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Info(".env file not found, using system environment variables")
	}

	cfg := config.Load()
	setUpLogging(cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if cfg.SendGridAPIKey == "" {
		log.Warn("SENDGRID_API_KEY is not set, notification emails will fail")
	}
	metrics.Register()

	defaults, err := config.LoadLocationDefaults(cfg.DefaultLocationsFile)
	if err != nil {
		log.Fatalf("Failed to load default locations: %v", err)
	}

	db, err := common.DBConnect(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to the database: %v", err)
	}
	defer db.Close()
	if err := database.InitSchema(db); err != nil {
		log.Fatalf("Failed to initialize the schema: %v", err)
	}

	meetings := database.NewMeetingStore(db)
	positions := database.NewPositionStore(db, cfg.PositionWindow)

	evaluator, err := arrival.NewEvaluatorWithModel(arrival.DefaultBaseDistance, arrival.DefaultVehicles(), arrival.Options{
		ComfortableSlack:     cfg.ComfortableSlack,
		ComfortableMinsEarly: cfg.ComfortableMinsEarly,
		StaleAfter:           cfg.PositionWindow,
		Location:             cfg.Location,
	})
	if err != nil {
		log.Fatalf("Failed to build the arrival model: %v", err)
	}
	logic := notification.NewLogic(evaluator, positions, email.NewSender(cfg), cfg.AlwaysNotifyMinutes)
	scheduler := notification.NewScheduler(meetings, positions, logic, notification.SchedulerOptions{
		Offsets:        cfg.CheckpointOffsets,
		SweepSchedule:  cfg.SweepSchedule,
		Lookahead:      cfg.SweepLookahead,
		PositionWindow: cfg.PositionWindow,
	})

	geocoders := geocoder.Fallback{
		geocoder.NewNominatim(cfg.GeocoderURL, cfg.GeocoderUserAgent, cfg.GeocoderRPS, cfg.GeocoderMaxRetries),
	}
	if cfg.GeocoderFallbackURL != "" {
		geocoders = append(geocoders,
			geocoder.NewNominatim(cfg.GeocoderFallbackURL, cfg.GeocoderUserAgent, cfg.GeocoderRPS, cfg.GeocoderMaxRetries))
	}
	mgr := manager.NewManager(meetings, positions, scheduler, logic, geocoders, defaults)

	if err := scheduler.Start(); err != nil {
		log.Fatalf("Failed to start the scheduler: %v", err)
	}

	var subscriber *rabbitmq.Subscriber
	if cfg.AMQPURL != "" {
		subscriber, err = rabbitmq.NewSubscriber(cfg.AMQPURL, cfg.InviteExchange, cfg.InviteQueue, cfg.InviteWorkers)
		if err != nil {
			log.Fatalf("Failed to connect the invite subscriber: %v", err)
		}
		parser := invite.NewParser(cfg.ServiceEmail, cfg.Location)
		subscriber.Start(map[string]rabbitmq.CallbackFunc{
			cfg.InviteRoutingKey: mgr.InviteHandler(parser),
		})
	} else {
		log.Warn("AMQP_URL is not set, calendar invites will not be ingested")
	}

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: handlers.NewRouter(handlers.NewHandlers(meetings, mgr)),
	}
	go func() {
		log.Infof("Starting HTTP server on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down...")

	if subscriber != nil {
		if err := subscriber.Close(); err != nil {
			log.WithError(err).Warn("Failed to close the invite subscriber")
		}
	}
	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.WithError(err).Error("Server forced to shutdown")
	}
	log.Info("Server exited")
}

func setUpLogging(cfg *config.Config) {
	if cfg.LogFormat == "json" {
		log.SetHandler(json.New(os.Stderr))
	} else {
		log.SetHandler(text.New(os.Stderr))
	}
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warnf("Unknown LOG_LEVEL %q, using info", cfg.LogLevel)
		level = log.InfoLevel
	}
	log.SetLevel(level)
}
