package web

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/panda-one/go-panda/internal/log"
	"github.com/panda-one/go-panda/pkg/voice"
)

// statusResponse is the /api/status payload.
type statusResponse struct {
	Session  string          `json:"session"`
	State    voice.State     `json:"state"`
	Synth    *synthStatus    `json:"synth,omitempty"`
	Playback *playbackStatus `json:"playback,omitempty"`
}

type synthStatus struct {
	Kind    string `json:"kind"`
	Healthy bool   `json:"healthy"`
	Device  string `json:"device,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

type playbackStatus struct {
	Playing bool `json:"playing"`
	Pending int  `json:"pending"`
}

func (s *Server) handleStatus(c *fiber.Ctx) error {
	resp := statusResponse{
		Session: s.opts.Manager.Session(),
		State:   s.opts.Manager.State(),
	}
	if s.opts.Synth != nil {
		h := s.opts.Synth.Healthcheck(c.UserContext())
		resp.Synth = &synthStatus{
			Kind:    h.Kind.String(),
			Healthy: h.Healthy,
			Device:  h.Device,
			Detail:  h.Detail,
		}
	}
	if s.opts.Queue != nil {
		resp.Playback = &playbackStatus{
			Playing: s.opts.Queue.IsPlaying(),
			Pending: s.opts.Queue.Pending(),
		}
	}
	return c.JSON(resp)
}

func (s *Server) handleDevices(c *fiber.Ctx) error {
	if s.opts.Registry == nil {
		return c.JSON([]struct{}{})
	}
	return c.JSON(s.opts.Registry.List())
}

func (s *Server) handleDevicesRefresh(c *fiber.Ctx) error {
	if s.opts.Registry == nil {
		return c.JSON([]struct{}{})
	}
	if err := s.opts.Registry.Refresh(); err != nil {
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(s.opts.Registry.List())
}

func (s *Server) handleGetConfig(c *fiber.Ctx) error {
	return c.JSON(s.opts.Config.Clone())
}

// handlePatchConfig merges the request body into the configuration.
// The merge is validated on a copy first, so an invalid patch leaves the
// running configuration untouched.
func (s *Server) handlePatchConfig(c *fiber.Ctx) error {
	candidate := s.opts.Config.Clone()
	if err := c.BodyParser(candidate); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	if err := candidate.Validate(); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	s.opts.Config.Update(candidate)
	if s.opts.Synth != nil {
		s.opts.Synth.SetMuted(candidate.Synth.Muted)
	}
	if s.opts.Capture != nil {
		s.opts.Capture.SetLimits(candidate.Capture.MinRecording(), candidate.Capture.MaxRecording())
	}
	if s.opts.Config.Path() != "" {
		if err := s.opts.Config.Save(); err != nil {
			log.Warn("persist config", "error", err)
		}
	}
	return c.JSON(s.opts.Config.Clone())
}

func (s *Server) handlePTTStart(c *fiber.Ctx) error {
	if err := s.opts.Manager.StartRecording(); err != nil {
		if errors.Is(err, voice.ErrUnavailable) {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": err.Error()})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"state": s.opts.Manager.State()})
}

// handlePTTStop runs the rest of the pipeline before responding; progress
// is visible live on the event stream.
func (s *Server) handlePTTStop(c *fiber.Ctx) error {
	if err := s.opts.Manager.StopRecording(c.UserContext()); err != nil {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"state": s.opts.Manager.State()})
}

func (s *Server) handlePTTCancel(c *fiber.Ctx) error {
	s.opts.Manager.CancelRecording()
	return c.JSON(fiber.Map{"state": s.opts.Manager.State()})
}

type speakRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleSpeak(c *fiber.Ctx) error {
	var req speakRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	if strings.TrimSpace(req.Text) == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "text is required"})
	}
	spoken := s.opts.Manager.Speak(c.UserContext(), req.Text)
	return c.JSON(fiber.Map{"spoken": spoken})
}

func (s *Server) handleSpeakStop(c *fiber.Ctx) error {
	s.opts.Manager.StopSpeaking()
	return c.JSON(fiber.Map{"state": s.opts.Manager.State()})
}

func (s *Server) handleSynthHealth(c *fiber.Ctx) error {
	if s.opts.Synth == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no synthesis engine"})
	}
	return c.JSON(s.opts.Synth.Healthcheck(c.UserContext()))
}
