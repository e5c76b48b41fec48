// Package main runs a headless stream viewer: playback with fault recovery, presence
// heartbeat, and live chat and polls driven from stdin.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/streamcast/portal/config"
	"github.com/streamcast/portal/internal/controls"
	"github.com/streamcast/portal/internal/engagement"
	"github.com/streamcast/portal/internal/i18n"
	"github.com/streamcast/portal/internal/metrics"
	"github.com/streamcast/portal/internal/models"
	"github.com/streamcast/portal/internal/playback"
	"github.com/streamcast/portal/internal/presence"
	"github.com/streamcast/portal/internal/session"
	"github.com/streamcast/portal/internal/status"
)

const usage = `commands:
  /quality <index|label>  pin a rendition
  /auto                   adaptive quality
  /pause                  toggle play/pause
  /mute                   toggle mute
  /fullscreen             toggle fullscreen
  /vote <n|option-id>     vote on the active poll
  /retry                  retry now while reconnecting
  /reload                 start a new session after a failure
  /close                  stop video, keep chat
  /state                  print the current state
  /quit                   leave
anything else is sent as a chat message`

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	streamID := cfg.Player.StreamID
	if len(os.Args) > 1 {
		streamID = os.Args[1]
	}
	if streamID == "" {
		logger.Fatal("no stream id: set STREAM_ID or pass it as the first argument")
	}
	lang := i18n.Normalize(cfg.Player.Lang)

	playerMetrics := metrics.NewPlayer()
	if cfg.Player.MetricsAddr != "" {
		go serveMetrics(cfg.Player.MetricsAddr, playerMetrics, logger)
	}

	httpClient := &http.Client{Timeout: 15 * time.Second}
	renderer := playback.NewBufferRenderer()
	fetcher := playback.NewFetchLoop(httpClient, renderer, playback.FetchConfig{
		TargetBuffer: cfg.Player.TargetBuffer,
		LowBuffer:    cfg.Player.LowBuffer,
	}, logger)
	heartbeat := presence.NewHeartbeat(presence.NewHTTPSender(cfg.Player.BackendURL, httpClient), cfg.Presence.HeartbeatInterval, logger)

	channel := engagement.NewChannel(engagement.Config{
		URL:            cfg.Player.WSURL,
		ViewerName:     cfg.Player.ViewerName,
		InitialBackoff: cfg.Realtime.ReconnectBase,
		MaxBackoff:     cfg.Realtime.ReconnectMax,
		HistoryLimit:   cfg.Realtime.ChatHistorySize,
	}, engagement.Events{
		OnChatMessage: func(m models.ChatMessage) {
			fmt.Printf("[%s] %s: %s\n", m.SentAt.Local().Format("15:04"), m.AuthorName, m.Body)
		},
		OnViewerCount: func(n int) {
			fmt.Println(i18n.Message(lang, i18n.Viewers, n))
		},
		OnPollOpened:  printPoll,
		OnPollUpdated: printPoll,
		OnPollClosed: func(_ uuid.UUID, _ string) {
			fmt.Println(i18n.Message(lang, i18n.PollEnded))
		},
		OnStatus: func(c engagement.Connection) {
			if msg := controls.ChatIndicator(lang, c.Status); msg != "" {
				fmt.Println("~", msg)
			}
		},
	}, playerMetrics, logger)

	pbCfg := playback.DefaultConfig()
	pbCfg.MaxNetworkRetries = cfg.Player.MaxNetworkRetries
	pbCfg.RetryBase = cfg.Player.RetryBaseDelay
	pbCfg.RetryMax = cfg.Player.RetryMaxDelay
	pbCfg.RecoveryTimeout = cfg.Player.RecoveryTimeout
	pbCfg.StallRetryInterval = cfg.Player.StallRetryInterval
	pbCfg.ManifestRefresh = cfg.Player.ManifestRefresh

	ctrl := session.New(session.Options{
		Lang:               lang,
		StatusPollInterval: cfg.Player.StatusPollInterval,
		HeartbeatGrace:     cfg.Presence.GraceWindow,
		ControlsHideAfter:  controls.DefaultHideAfter,
		Playback:           pbCfg,
	}, session.Deps{
		Status:    status.NewClient(cfg.Player.BackendURL, httpClient),
		Manifests: playback.NewManifestLoader(httpClient),
		Fetcher:   fetcher,
		Renderer:  renderer,
		Heartbeat: heartbeat,
		Channel:   channel,
		Metrics:   playerMetrics,
		Logger:    logger,
		OnTransition: func(tr playback.Transition) {
			logger.Info("playback", zap.String("from", tr.From.String()), zap.String("to", tr.To.String()), zap.String("reason", tr.Reason))
			if msg := controls.Banner(lang, tr.To); msg != "" {
				fmt.Println("*", msg)
			}
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = ctrl.Open(ctx, streamID)
	cancel()
	if errors.Is(err, playback.ErrAssetGone) {
		fmt.Println(i18n.Message(lang, i18n.Unavailable))
		os.Exit(1)
	}
	if err != nil {
		logger.Fatal("open stream", zap.String("stream_id", streamID), zap.Error(err))
	}
	defer ctrl.Close()
	if st := ctrl.GetState(); st.Banner != "" {
		fmt.Println("*", st.Banner)
	}
	fmt.Println(usage)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	for {
		select {
		case <-quit:
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			ctrl.Controls().PointerMoved()
			if done := handleLine(ctrl, strings.TrimSpace(line)); done {
				return
			}
		}
	}
}

func handleLine(ctrl *session.Controller, line string) bool {
	if line == "" {
		return false
	}
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	var err error
	switch cmd {
	case "/quit":
		return true
	case "/quality":
		err = ctrl.SetRendition(arg)
	case "/auto":
		err = ctrl.SetRendition("auto")
	case "/pause":
		err = ctrl.TogglePlay()
	case "/mute":
		ctrl.ToggleMute()
	case "/fullscreen":
		ctrl.RequestFullscreen()
	case "/vote":
		err = ctrl.CastVote(resolveOption(ctrl.GetState().Poll, arg))
	case "/retry":
		err = ctrl.Retry()
	case "/reload":
		err = ctrl.Reload()
	case "/close":
		ctrl.ClosePlayback()
	case "/state":
		printState(ctrl.GetState())
	default:
		if strings.HasPrefix(cmd, "/") {
			fmt.Println(usage)
			return false
		}
		err = ctrl.SendChatMessage(line)
	}
	if err != nil {
		fmt.Println("!", err)
	}
	return false
}

// resolveOption maps a 1-based option number onto the active poll's option id.
func resolveOption(p *models.Poll, arg string) string {
	n, err := strconv.Atoi(arg)
	if err != nil || p == nil || n < 1 || n > len(p.Options) {
		return arg
	}
	return p.Options[n-1].ID.String()
}

func printPoll(p models.Poll) {
	total := p.TotalVotes()
	fmt.Printf("? %s (%ds left)\n", p.Question, max(0, int(time.Until(p.Deadline()).Seconds())))
	for i, o := range p.Options {
		pct := 0
		if total > 0 {
			pct = o.Votes * 100 / total
		}
		fmt.Printf("  %d) %s  %d%%\n", i+1, o.Text, pct)
	}
}

func printState(s session.State) {
	fmt.Printf("stream %s online=%t viewers=%d\n", s.StreamID, s.Status.Online, s.Status.ViewerCount)
	if s.HasSession {
		pb := s.Playback
		label := "auto"
		if pb.RenditionIndex != playback.Auto && pb.RenditionIndex < len(pb.Renditions) {
			label = pb.Renditions[pb.RenditionIndex].Label
		}
		fmt.Printf("session %s state=%s quality=%s buffer=%s faults=%d\n", pb.ID, pb.State, label, pb.BufferHealth.Round(100*time.Millisecond), pb.FaultCount)
	}
	fmt.Printf("controls visible=%t muted=%t volume=%.0f%% fullscreen=%t\n", s.Controls.ControlsVisible, s.Controls.Muted, s.Controls.Volume*100, s.Controls.Fullscreen)
	fmt.Printf("chat %s heartbeat=%t\n", s.Chat.Status, s.Heartbeat != nil)
	if s.Banner != "" {
		fmt.Println("*", s.Banner)
	}
	if s.ChatBanner != "" {
		fmt.Println("~", s.ChatBanner)
	}
}

func serveMetrics(addr string, m *metrics.Player, logger *zap.Logger) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.GET("/metrics", gin.WrapH(m.Handler()))
	logger.Info("player metrics listening", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, router); err != nil {
		logger.Error("metrics server", zap.Error(err))
	}
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
