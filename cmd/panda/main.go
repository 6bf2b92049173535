// Command panda runs the voice interaction engine with a terminal front
// end: push-to-talk over a stdin REPL, streamed synthesis and playback,
// and the web API with its live event stream.
//
// Usage:
//
//	go run ./cmd/panda
//	go run ./cmd/panda --config ~/.panda1/voice_config.json
//	go run ./cmd/panda --no-web
//	go run ./cmd/panda --input 2 --output 1
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/panda-one/go-panda/internal/config"
	"github.com/panda-one/go-panda/internal/log"
	"github.com/panda-one/go-panda/pkg/capture"
	"github.com/panda-one/go-panda/pkg/devices"
	"github.com/panda-one/go-panda/pkg/playback"
	"github.com/panda-one/go-panda/pkg/synth"
	"github.com/panda-one/go-panda/pkg/vad"
	"github.com/panda-one/go-panda/pkg/voice"
	"github.com/panda-one/go-panda/pkg/web"
)

// app holds every long-lived component. Everything is constructed once in
// main and passed down; no package keeps global state.
type app struct {
	cfg      *config.Config
	registry *devices.Registry
	capture  *capture.Engine
	synth    *synth.Engine
	queue    *playback.Queue
	manager  *voice.Manager
	server   *web.Server
}

func main() {
	configPath := flag.String("config", "", "config file (default $PANDA_HOME/voice_config.json)")
	inputDev := flag.Int("input", -1, "input device index (-1 = from config)")
	outputDev := flag.Int("output", -1, "output device index (-1 = from config)")
	noWeb := flag.Bool("no-web", false, "disable the web server")
	wake := flag.Bool("wake", false, "run the always-listening wake loop")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := "info"
	if *debug {
		level = "debug"
	}
	log.Init(level)

	path := *configPath
	if path == "" {
		path = filepath.Join(config.Home(), config.DefaultConfigFileName)
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Printf("config error: %v\n", err)
		os.Exit(1)
	}
	if *inputDev >= 0 {
		v := *inputDev
		cfg.Capture.InputDevice = &v
	}
	if *outputDev >= 0 {
		v := *outputDev
		cfg.Playback.OutputDevice = &v
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := build(ctx, cfg)
	if err != nil {
		fmt.Printf("startup error: %v\n", err)
		os.Exit(1)
	}
	defer a.shutdown()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\ninterrupted")
		cancel()
	}()

	if !*noWeb {
		go func() {
			if err := a.server.Start(); err != nil {
				log.Error("web server stopped", "error", err)
			}
		}()
		fmt.Printf("web API on http://localhost:%d\n", cfg.WebPort)
	}

	if *wake {
		if err := a.runWake(ctx, cfg); err != nil {
			fmt.Printf("wake loop error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	a.repl(ctx)
}

// build wires the component graph bottom up: devices, capture, playback,
// synthesis, then the session manager and the web server on top.
func build(ctx context.Context, cfg *config.Config) (*app, error) {
	registry := devices.NewRegistry(devices.ALSAEnumerator{})

	source, err := capture.NewArecordSource(capture.SourceConfig{
		Device:     captureDevice(cfg, registry),
		SampleRate: cfg.Capture.SampleRate,
		FrameMs:    30,
	})
	if err != nil {
		return nil, fmt.Errorf("capture source: %w", err)
	}

	saveDir := ""
	if cfg.Capture.SaveRecordings {
		saveDir = filepath.Join(config.Home(), "recordings")
	}

	player, err := playback.ResolvePlayer(cfg.Playback)
	if err != nil {
		return nil, fmt.Errorf("playback: %w", err)
	}
	queue := playback.NewQueue(player)

	syn := synth.Resolve(ctx, cfg.Synth, queue)

	eng, err := capture.NewEngine(capture.Options{
		Source:      source,
		Registry:    registry,
		DeviceIndex: cfg.Capture.InputDevice,
		MinDuration: cfg.Capture.MinRecording(),
		MaxDuration: cfg.Capture.MaxRecording(),
		SaveDir:     saveDir,
	})
	if err != nil {
		return nil, fmt.Errorf("capture engine: %w", err)
	}

	wakeSource, err := capture.NewArecordSource(capture.SourceConfig{
		Device:     captureDevice(cfg, registry),
		SampleRate: cfg.Capture.SampleRate,
		FrameMs:    cfg.Wake.WindowMs,
	})
	if err != nil {
		return nil, fmt.Errorf("wake source: %w", err)
	}

	mgr, err := voice.NewManager(voice.Options{
		Config:     cfg,
		Capture:    eng,
		Synth:      syn,
		Queue:      queue,
		Registry:   registry,
		WakeSource: wakeSource,
		Detector:   vad.New(cfg.Capture.SampleRate, cfg.Capture.LevelThreshold),
	})
	if err != nil {
		return nil, fmt.Errorf("voice manager: %w", err)
	}

	srv, err := web.NewServer(web.Options{
		Config:   cfg,
		Manager:  mgr,
		Registry: registry,
		Synth:    syn,
		Queue:    queue,
		Capture:  eng,
	})
	if err != nil {
		return nil, fmt.Errorf("web server: %w", err)
	}

	return &app{
		cfg:      cfg,
		registry: registry,
		capture:  eng,
		synth:    syn,
		queue:    queue,
		manager:  mgr,
		server:   srv,
	}, nil
}

// captureDevice maps the configured input index to an arecord device name.
func captureDevice(cfg *config.Config, registry *devices.Registry) string {
	dev, err := registry.Validate(cfg.Capture.InputDevice, devices.Input)
	if err != nil {
		log.Warn("input device lookup failed, using system default", "error", err)
		return ""
	}
	if cfg.Capture.InputDevice == nil {
		return ""
	}
	return fmt.Sprintf("plughw:%d", dev.Index)
}

// runWake blocks in the always-listening loop. It fails up front when no
// speech recognizer is wired in as a voice.Transcriber.
func (a *app) runWake(ctx context.Context, cfg *config.Config) error {
	fmt.Printf("listening for %s\n", strings.Join(cfg.Wake.Phrases, " / "))
	return a.manager.RunWakeLoop(ctx)
}

// repl reads commands from stdin until EOF or cancellation.
func (a *app) repl(ctx context.Context) {
	fmt.Println("PANDA voice engine")
	fmt.Println("commands: start | stop | cancel | speak <text> | status | devices | mute | unmute | quit")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		fmt.Print("> ")
		var line string
		var ok bool
		select {
		case <-ctx.Done():
			fmt.Println()
			return
		case line, ok = <-lines:
			if !ok {
				return
			}
		}

		cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
		switch strings.ToLower(cmd) {
		case "":
		case "start":
			if err := a.manager.StartRecording(); err != nil {
				fmt.Printf("error: %v\n", err)
			} else {
				fmt.Println("recording... (stop to finish, cancel to discard)")
			}
		case "stop":
			if err := a.manager.StopRecording(ctx); err != nil {
				fmt.Printf("error: %v\n", err)
			}
			fmt.Printf("state: %s\n", a.manager.State())
		case "cancel":
			a.manager.CancelRecording()
			fmt.Println("discarded")
		case "speak":
			if strings.TrimSpace(arg) == "" {
				fmt.Println("usage: speak <text>")
				break
			}
			if !a.manager.Speak(ctx, arg) {
				fmt.Println("nothing spoken")
			}
		case "status":
			a.printStatus(ctx)
		case "devices":
			a.printDevices()
		case "mute":
			a.synth.SetMuted(true)
			fmt.Println("muted")
		case "unmute":
			a.synth.SetMuted(false)
			fmt.Println("unmuted")
		case "quit", "exit":
			return
		default:
			fmt.Printf("unknown command: %s\n", cmd)
		}
	}
}

func (a *app) printStatus(ctx context.Context) {
	fmt.Printf("session:  %s\n", a.manager.Session())
	fmt.Printf("state:    %s\n", a.manager.State())
	health := a.synth.Healthcheck(ctx)
	fmt.Printf("synth:    %s healthy=%v device=%s\n", health.Kind, health.Healthy, health.Device)
	fmt.Printf("playback: playing=%v pending=%d\n", a.queue.IsPlaying(), a.queue.Pending())
}

func (a *app) printDevices() {
	devs := a.registry.List()
	if len(devs) == 0 {
		fmt.Println("no audio devices found")
		return
	}
	for _, d := range devs {
		dir := ""
		if d.IsInput() {
			dir += "in "
		}
		if d.IsOutput() {
			dir += "out"
		}
		fmt.Printf("  [%d] %-40s %s\n", d.Index, d.Name, dir)
	}
}

func (a *app) shutdown() {
	a.manager.StopSpeaking()
	a.synth.Stop()
	a.queue.Close()
	a.server.Shutdown()
	a.manager.Close()
}
