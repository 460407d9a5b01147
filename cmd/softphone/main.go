package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"voicelink/internal/core/domain"
	"voicelink/internal/core/ports"
	"voicelink/internal/core/services"
	"voicelink/internal/infrastructure/media"
	"voicelink/internal/infrastructure/monitoring"
	"voicelink/internal/infrastructure/signal"
	"voicelink/pkg/backoff"
	"voicelink/pkg/config"
	"voicelink/pkg/logger"
	"voicelink/pkg/tracing"

	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	var (
		configPath = flag.String("config", "configs/config.yaml", "path to config file")
		clientID   = flag.String("client-id", "", "identity to register as (required)")
		tokenURL   = flag.String("token-url", "http://localhost:8081/token", "gateway token endpoint")
		callee     = flag.String("call", "", "client id to call; listen only when empty")
	)
	flag.Parse()

	if *clientID == "" {
		fmt.Fprintln(os.Stderr, "-client-id is required")
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		os.Exit(1)
	}

	zapLogger, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to build logger:", err)
		os.Exit(1)
	}
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to init tracing", "error", err)
	}
	defer tp.Shutdown(context.Background())

	var metrics ports.MetricsSink = ports.NopMetrics{}
	if cfg.Monitoring.PrometheusEnabled {
		metrics = monitoring.NewPrometheusCollector()
		go serveMetrics(cfg.Monitoring.PrometheusPort, log)
	}

	client := buildClient(cfg, *clientID, *tokenURL, zapLogger, metrics)

	stream := signal.NewStream(transportConfig(cfg), zapLogger, metrics, client)
	client.Bind(stream)

	client.OnIncoming(func(call *services.Call) {
		log.Infow("answering incoming call", "call_sid", call.Sid())
		go func() {
			if err := call.Accept(context.Background()); err != nil {
				log.Errorw("failed to accept call", "error", err)
			}
		}()
	})
	client.OnStateChange(func(state services.ClientState) {
		log.Infow("client state changed", "state", state.String())
	})
	client.OnError(func(err *domain.CallError) {
		log.Warnw("client error", "code", err.Code, "message", err.Message)
	})

	if err := client.Connect(context.Background()); err != nil {
		log.Fatalw("failed to connect", "error", err)
	}
	defer client.Close()

	if *callee != "" {
		go dialWhenReady(client, *callee, log)
	}

	quit := make(chan os.Signal, 1)
	ossignal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")
}

func buildClient(cfg *config.Config, clientID, tokenURL string, zapLogger *zap.Logger, metrics ports.MetricsSink) *services.Client {
	clientCfg := services.DefaultClientConfig()
	clientCfg.ClientID = clientID
	clientCfg.RegistrationInterval = cfg.Registration.Interval

	callCfg := services.DefaultCallConfig()
	callCfg.MediaBackoff = backoff.Config{
		InitialDelay: cfg.Media.Backoff.InitialDelay,
		MaxDelay:     cfg.Media.Backoff.MaxDelay,
		Multiplier:   cfg.Media.Backoff.Multiplier,
		JitterFactor: cfg.Media.Backoff.JitterFactor,
	}
	callCfg.Monitor.SampleInterval = cfg.Monitor.SampleInterval
	callCfg.Monitor.LevelSampleInterval = cfg.Monitor.LevelSampleInterval
	callCfg.Monitor.WarningDwell = cfg.Monitor.WarningDwell
	callCfg.WarmupDelay = cfg.Monitor.WarmupDelay
	callCfg.DTMFPerSecond = cfg.DTMF.RatePerSecond
	callCfg.DTMFBurst = cfg.DTMF.Burst
	clientCfg.Call = callCfg

	mediaCfg := mediaConfig(cfg)
	engineFactory := func() (ports.MediaEngine, error) {
		return media.NewEngine(mediaCfg, nil, zapLogger), nil
	}

	tokenProvider := func(ctx context.Context) (string, error) {
		return fetchToken(ctx, tokenURL, clientID)
	}

	return services.NewClient(clientCfg, engineFactory, tokenProvider, zapLogger, metrics)
}

func transportConfig(cfg *config.Config) signal.TransportConfig {
	return signal.TransportConfig{
		URL:              cfg.Signal.URL,
		HeartbeatTimeout: cfg.Signal.HeartbeatTimeout,
		HandshakeTimeout: cfg.Signal.HandshakeTimeout,
		SuccessThreshold: cfg.Signal.SuccessThreshold,
		WriteTimeout:     cfg.Signal.WriteTimeout,
		Backoff: backoff.Config{
			InitialDelay: cfg.Signal.Backoff.InitialDelay,
			MaxDelay:     cfg.Signal.Backoff.MaxDelay,
			Multiplier:   cfg.Signal.Backoff.Multiplier,
			JitterFactor: cfg.Signal.Backoff.JitterFactor,
		},
	}
}

func mediaConfig(cfg *config.Config) media.Config {
	var mediaCfg media.Config
	for _, s := range cfg.Media.ICEServers {
		mediaCfg.ICEServers = append(mediaCfg.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	if len(mediaCfg.ICEServers) == 0 {
		mediaCfg.ICEServers = []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		}
	}
	mediaCfg.PortRange.Min = cfg.Media.PortRange.Min
	mediaCfg.PortRange.Max = cfg.Media.PortRange.Max
	return mediaCfg
}

// fetchToken asks the gateway's development token endpoint for a JWT.
func fetchToken(ctx context.Context, tokenURL, clientID string) (string, error) {
	body, err := json.Marshal(map[string]string{"client_id": clientID})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned %s", resp.Status)
	}

	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.Token, nil
}

// dialWhenReady places the outgoing call once registration completes.
func dialWhenReady(client *services.Client, callee string, log *zap.SugaredLogger) {
	for client.State() != services.ClientReady {
		time.Sleep(200 * time.Millisecond)
		if client.State() == services.ClientClosed {
			return
		}
	}

	call, err := client.Dial(context.Background(), services.OutgoingParams{
		Params: map[string]string{"To": callee},
	})
	if err != nil {
		log.Errorw("failed to place call", "error", err)
		return
	}

	call.OnStateChange(func(state domain.CallState) {
		log.Infow("call state changed", "call_sid", call.Sid(), "state", string(state))
	})
	call.OnWarning(
		func(w domain.Warning) {
			log.Warnw("quality warning raised", "stat", w.Stat, "threshold", w.Threshold, "value", w.Value)
		},
		func(w domain.Warning) {
			log.Infow("quality warning cleared", "stat", w.Stat, "threshold", w.Threshold)
		},
	)

	<-call.Done()
	log.Infow("call finished", "call_sid", call.Sid())
}

func serveMetrics(port int, log *zap.SugaredLogger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	log.Infow("serving metrics", "address", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Warnw("metrics server stopped", "error", err)
	}
}
