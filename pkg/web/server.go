// Package web exposes the voice engine to browser front ends: a JSON API
// for control and configuration, and a websocket event stream through the
// hub.
package web

import (
	"context"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/websocket/v2"

	"github.com/panda-one/go-panda/internal/config"
	"github.com/panda-one/go-panda/internal/log"
	"github.com/panda-one/go-panda/pkg/capture"
	"github.com/panda-one/go-panda/pkg/devices"
	"github.com/panda-one/go-panda/pkg/hub"
	"github.com/panda-one/go-panda/pkg/synth"
	"github.com/panda-one/go-panda/pkg/voice"
)

// PlaybackStatus is the slice of the playback queue the status endpoint
// reports on.
type PlaybackStatus interface {
	IsPlaying() bool
	Pending() int
}

// Options wires a Server. Config and Manager are required.
type Options struct {
	Config   *config.Config
	Manager  *voice.Manager
	Registry *devices.Registry
	Synth    *synth.Engine
	Queue    PlaybackStatus

	// Capture, when set, receives updated duration limits on config PATCH.
	Capture *capture.Engine
}

// Server is the HTTP and websocket front end of the engine.
type Server struct {
	app  *fiber.App
	opts Options
	hub  *hub.Hub

	subID     int
	hubCancel context.CancelFunc
}

// NewServer builds the fiber app and its routes. Start brings it up.
func NewServer(opts Options) (*Server, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("web: config is required")
	}
	if opts.Manager == nil {
		return nil, fmt.Errorf("web: voice manager is required")
	}

	s := &Server{
		opts: opts,
		hub:  hub.New(),
	}

	app := fiber.New(fiber.Config{
		AppName:               "PANDA Voice",
		DisableStartupMessage: true,
	})
	app.Use(cors.New())

	api := app.Group("/api")
	api.Get("/status", s.handleStatus)
	api.Get("/devices", s.handleDevices)
	api.Post("/devices/refresh", s.handleDevicesRefresh)
	api.Get("/config", s.handleGetConfig)
	api.Patch("/config", s.handlePatchConfig)
	api.Post("/ptt/start", s.handlePTTStart)
	api.Post("/ptt/stop", s.handlePTTStop)
	api.Post("/ptt/cancel", s.handlePTTCancel)
	api.Post("/speak", s.handleSpeak)
	api.Post("/speak/stop", s.handleSpeakStop)
	api.Get("/synth/health", s.handleSynthHealth)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/events", websocket.New(s.handleEventsWS))

	s.app = app
	return s, nil
}

// Start runs the hub and listens on the configured port. It blocks until
// Shutdown.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.hubCancel = cancel
	go s.hub.Run(ctx)
	s.subID = s.opts.Manager.Subscribe(s.hub.BroadcastEvent)

	addr := fmt.Sprintf(":%d", s.opts.Config.WebPort)
	log.Info("web server listening", "addr", addr)
	return s.app.Listen(addr)
}

// Shutdown stops the listener and the event hub.
func (s *Server) Shutdown() error {
	s.opts.Manager.Unsubscribe(s.subID)
	if s.hubCancel != nil {
		s.hubCancel()
	}
	return s.app.Shutdown()
}

// handleEventsWS attaches one websocket client to the event stream.
func (s *Server) handleEventsWS(c *websocket.Conn) {
	client := hub.NewClient(s.hub, c)
	if client == nil {
		c.Close()
		return
	}
	client.Run()
}
