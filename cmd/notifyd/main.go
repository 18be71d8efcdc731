package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	h "github.com/gorilla/handlers"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stanstork/notifyd/internal/config"
	"github.com/stanstork/notifyd/internal/connection"
	"github.com/stanstork/notifyd/internal/handlers"
	"github.com/stanstork/notifyd/internal/middleware"
	"github.com/stanstork/notifyd/internal/models"
	"github.com/stanstork/notifyd/internal/repository"
	"github.com/stanstork/notifyd/internal/routes"
	"github.com/stanstork/notifyd/internal/session"
)

type application struct {
	config   *config.Config
	logger   zerolog.Logger
	hub      *handlers.StreamHub
	sessions *session.Service
}

func main() {
	// Set up structured, level-based logging.
	consoleWriter := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}
	logger := zerolog.New(consoleWriter).With().Timestamp().Logger()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.SetFlags(0)
	log.SetOutput(logger)

	// Load configuration.
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if err := cfg.RequireSecret(); err != nil {
		logger.Fatal().Err(err).Msg("Invalid configuration")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && level != zerolog.NoLevel {
		zerolog.SetGlobalLevel(level)
	}

	app := &application{
		config: cfg,
		logger: logger,
		hub:    handlers.NewStreamHub(cfg.AllowedOrigins, logger),
	}

	// Initialize the notification session service.
	sessions, err := session.NewService(session.Options{
		Config:    cfg,
		Dialer:    app.newDialer(),
		NewClient: app.newClient,
		Out:       app.hub,
		Logger:    logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create session service")
	}
	app.sessions = sessions
	app.hub.SetOwner(func() string { return sessions.Status().UserID })

	// Initialize the HTTP router and middleware.
	router := app.initRouter(logger)
	loggedRouter := middleware.LoggingMiddleware(app.logger)(router)
	corsHandler := h.CORS(
		h.AllowedOrigins(cfg.AllowedOrigins),
		h.AllowedMethods([]string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
		h.AllowedHeaders([]string{"Content-Type", "Authorization"}),
		h.AllowCredentials(),
	)(loggedRouter)

	// Start the HTTP server and handle graceful shutdown.
	app.startServer(corsHandler, logger)

	logger.Info().Msg("Application terminated.")
}

func (app *application) newDialer() connection.Dialer {
	return &connection.WebsocketDialer{
		Dialer: &websocket.Dialer{
			HandshakeTimeout: app.config.API.Timeout,
			Proxy:            http.ProxyFromEnvironment,
		},
		PingInterval: app.config.Realtime.PingInterval,
		PongWait:     app.config.Realtime.PongWait,
		Logger:       app.logger,
	}
}

func (app *application) newClient(user models.User) repository.NotificationRepository {
	httpClient := &http.Client{Timeout: app.config.API.Timeout}
	return repository.NewNotificationRepository(app.config.API.BaseURL, user.Token, httpClient, app.logger)
}

// initRouter sets up all HTTP handlers and returns the router.
func (app *application) initRouter(logger zerolog.Logger) http.Handler {
	sessionHandler := handlers.NewSessionHandler(app.sessions, logger)
	notificationHandler := handlers.NewNotificationHandler(app.sessions, logger)
	streamHandler := handlers.NewStreamHandler(app.hub, app.sessions)

	return routes.NewRouter([]byte(app.config.JWTSecret), sessionHandler, notificationHandler, streamHandler)
}

// startServer launches the HTTP server and handles graceful shutdown.
func (app *application) startServer(handler http.Handler, logger zerolog.Logger) {
	server := &http.Server{
		Addr:    ":" + app.config.ServerPort,
		Handler: handler,
	}

	// Channel to listen for server errors
	serverErrCh := make(chan error, 1)
	go func() {
		logger.Info().Msgf("Server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- err
		}
	}()

	// Wait for an interrupt signal or a server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info().Msgf("Received signal: %s. Shutting down...", sig)
	case err := <-serverErrCh:
		logger.Error().Err(err).Msg("Server error occurred")
	}

	// Gracefully shut down the HTTP server.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	} else {
		logger.Info().Msg("HTTP server shutdown complete.")
	}

	// Close the notification session.
	logger.Info().Msg("Closing notification session...")
	app.sessions.Close()
	logger.Info().Msg("Notification session closed.")
}
