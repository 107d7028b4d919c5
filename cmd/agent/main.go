package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"castrelay/internal/core/domain"
	"castrelay/internal/core/services"
	"castrelay/internal/infrastructure/signal"
	webrtcinfra "castrelay/internal/infrastructure/webrtc"
	"castrelay/pkg/config"
	"castrelay/pkg/logger"
	"castrelay/pkg/validation"

	"github.com/pion/webrtc/v3"
)

// The agent is one participant: either the host sharing its screen or a
// viewer receiving it. It talks to the relay over a websocket and runs the
// media transport locally.
func main() {
	var (
		serverURL  = flag.String("server", "ws://localhost:8081/ws", "relay websocket URL")
		host       = flag.Bool("host", false, "create a room and share the screen")
		roomID     = flag.String("room", "", "room to join as viewer")
		token      = flag.String("token", "", "room token")
		withAudio  = flag.Bool("audio", false, "share audio alongside video")
		profile    = flag.String("quality", "native", "quality profile: native, 1440p, 1080p, 720p")
		configPath = flag.String("config", "configs/config.yaml", "config file path")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if err := validation.ValidateRelayURL(*serverURL); err != nil {
		log.Fatalw("invalid relay URL", "url", *serverURL, "error", err)
	}
	if err := validation.ValidateQualityProfile(*profile); err != nil {
		log.Fatalw("invalid quality profile", "profile", *profile, "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	client, err := signal.Dial(ctx, *serverURL, log)
	cancel()
	if err != nil {
		log.Fatalw("failed to reach relay", "url", *serverURL, "error", err)
	}
	defer client.Close()

	var iceServers []webrtc.ICEServer
	for _, s := range cfg.WebRTC.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	if len(iceServers) == 0 {
		iceServers = []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		}
	}

	transportConfig := webrtcinfra.Config{ICEServers: iceServers}
	transportConfig.PortRange.Min = cfg.WebRTC.PortRange.Min
	transportConfig.PortRange.Max = cfg.WebRTC.PortRange.Max
	factory := webrtcinfra.NewFactory(transportConfig, log)

	capture := webrtcinfra.NewRTPDisplayCapture(webrtcinfra.CaptureConfig{
		VideoAddress: cfg.Capture.VideoAddress,
		AudioAddress: cfg.Capture.AudioAddress,
		Width:        cfg.Capture.Width,
		Height:       cfg.Capture.Height,
		FrameRate:    cfg.Capture.FrameRate,
	}, log)

	coordinator := services.NewCoordinator(
		client.Self(),
		client,
		factory,
		capture,
		services.NewQualityService(log),
		cfg.Stats.SampleInterval,
		cfg.Room.HeartbeatInterval,
		log,
	)

	ended := make(chan struct{})
	coordinator.OnStreamEnded(func() {
		close(ended)
	})

	runCtx := context.Background()

	if *host {
		id, roomToken, err := coordinator.CreateRoom(runCtx)
		if err != nil {
			log.Fatalw("failed to create room", "error", err)
		}
		fmt.Printf("room: %s\ntoken: %s\n", id, roomToken)

		if err := coordinator.StartSharing(runCtx, *withAudio); err != nil {
			log.Fatalw("failed to start sharing", "error", err)
		}
		if *profile != string(domain.ProfileNative) {
			if err := coordinator.ChangeQuality(runCtx, domain.ProfileName(*profile)); err != nil {
				log.Warnw("failed to apply quality profile", "profile", *profile, "error", err)
			}
		}
		log.Infow("sharing screen", "room_id", id)
	} else {
		if *roomID == "" || *token == "" {
			log.Fatal("viewer mode requires -room and -token")
		}
		if err := validation.ValidateRoomID(*roomID); err != nil {
			log.Fatalw("invalid room ID", "room_id", *roomID, "error", err)
		}
		if err := coordinator.JoinRoom(runCtx, domain.RoomID(*roomID), domain.RoomToken(*token)); err != nil {
			log.Fatalw("failed to join room", "error", err)
		}
		log.Infow("joined room, waiting for the host's stream", "room_id", *roomID)
	}

	sigChan := make(chan os.Signal, 1)
	ossignal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	case <-ended:
		log.Info("stream ended by remote")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if *host {
		if err := coordinator.CloseRoom(shutdownCtx); err != nil {
			log.Warnw("failed to close room", "error", err)
		}
	} else {
		coordinator.Shutdown(shutdownCtx)
	}
}
