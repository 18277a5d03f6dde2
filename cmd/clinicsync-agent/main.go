package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/clinicsync/internal/backend"
	"github.com/agentworkforce/clinicsync/internal/channel"
	"github.com/agentworkforce/clinicsync/internal/config"
	"github.com/agentworkforce/clinicsync/internal/connectivity"
	"github.com/agentworkforce/clinicsync/internal/coordinator"
	"github.com/agentworkforce/clinicsync/internal/httpapi"
	"github.com/agentworkforce/clinicsync/internal/offlinequeue"
	"github.com/agentworkforce/clinicsync/internal/storage"
	"github.com/agentworkforce/clinicsync/internal/workflow"
)

type flagOverrides struct {
	apiURL            string
	channelURL        string
	token             string
	role              string
	userID            int64
	storeDSN          string
	probeURL          string
	probeInterval     time.Duration
	markerFile        string
	reconnectDelay    time.Duration
	reconnectAttempts int
}

func main() {
	configPath := flag.String("config", envOrDefault("CLINICSYNC_CONFIG", ""), "config.toml path")
	var overrides flagOverrides
	flag.StringVar(&overrides.apiURL, "api-url", "", "backend base URL")
	flag.StringVar(&overrides.channelURL, "channel-url", "", "realtime channel base URL")
	flag.StringVar(&overrides.token, "token", "", "bearer token")
	flag.StringVar(&overrides.role, "role", "", "user role (patient or doctor)")
	flag.Int64Var(&overrides.userID, "user-id", 0, "user ID")
	flag.StringVar(&overrides.storeDSN, "store", "", "queue store DSN (file path, sqlite://, postgres://, memory://)")
	flag.StringVar(&overrides.probeURL, "probe-url", "", "health URL polled for connectivity")
	flag.DurationVar(&overrides.probeInterval, "probe-interval", 0, "connectivity probe interval")
	flag.StringVar(&overrides.markerFile, "marker-file", "", "connectivity marker file (overrides probing)")
	flag.DurationVar(&overrides.reconnectDelay, "reconnect-delay", 0, "channel reconnect base delay")
	flag.IntVar(&overrides.reconnectAttempts, "reconnect-attempts", 0, "channel reconnect attempts before giving up")
	submitFile := flag.String("submit", "", "JSON file with a {method, path, payload} request to queue at startup")
	refreshInterval := flag.Duration("refresh-interval", durationEnv("CLINICSYNC_REFRESH_INTERVAL", 30*time.Second), "appointment list refresh interval")
	refreshJitter := flag.Float64("refresh-jitter", floatEnv("CLINICSYNC_REFRESH_JITTER", 0.2), "refresh interval jitter ratio (0.0-1.0)")
	listenAddr := flag.String("listen", envOrDefault("CLINICSYNC_LISTEN", ""), "control API listen address (empty disables)")
	listFilter := flag.String("filter", envOrDefault("CLINICSYNC_FILTER", string(workflow.FilterAll)), "appointment filter (all, pending, confirmed, completed)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	cfg = applyEnv(cfg)
	cfg = applyFlags(cfg, overrides)
	if cfg.UserID <= 0 {
		log.Fatalf("user-id is required (--user-id, CLINICSYNC_USER_ID or user_id in config)")
	}
	filter, err := workflow.ParseFilter(*listFilter)
	if err != nil {
		log.Fatalf("invalid -filter: %v", err)
	}
	if *refreshInterval <= 0 {
		*refreshInterval = 30 * time.Second
	}
	*refreshJitter = clampJitterRatio(*refreshJitter)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.BuildFromDSN(rootCtx, cfg.StoreDSN)
	if err != nil {
		log.Fatalf("failed to open queue store: %v", err)
	}
	defer store.Close()

	online, err := startConnectivity(rootCtx, cfg)
	if err != nil {
		log.Fatalf("failed to start connectivity monitor: %v", err)
	}

	api := backend.NewClient(cfg.APIURL, cfg.Token, &http.Client{Timeout: 15 * time.Second})
	queue, err := offlinequeue.New(rootCtx, offlinequeue.Options{
		Store:        store,
		Executor:     api,
		Connectivity: online,
		Logger:       log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize offline queue: %v", err)
	}
	defer queue.Close()

	ch, err := channel.New(channel.NewWebSocketDialer(cfg.Token, nil), channel.Options{
		BaseURL:     cfg.ChannelURL,
		BaseDelay:   cfg.ReconnectDelay,
		MaxAttempts: cfg.ReconnectAttempts,
		Logger:      log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize channel: %v", err)
	}
	coord, err := coordinator.New(coordinator.Options{
		Queue:        queue,
		Channel:      ch,
		Connectivity: online,
		Logger:       log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize coordinator: %v", err)
	}
	coord.OnAppointmentEvent(func(event coordinator.AppointmentEvent) {
		badge := workflow.Display(event.State)
		log.Printf("%s: appointment %d %s %s (%d history entries)", event.Type, event.Appointment.ID, badge.Icon, badge.Label, len(event.History))
	})
	coord.OnGiveUp(func() {
		log.Printf("realtime updates unavailable; will retry when connectivity returns")
	})

	if strings.TrimSpace(*submitFile) != "" {
		req, err := readSubmitFile(*submitFile)
		if err != nil {
			log.Fatalf("failed to read submit file: %v", err)
		}
		queued, err := coord.Submit(rootCtx, req)
		if err != nil {
			log.Printf("queued %s %s with error: %s", req.Method, req.Path, backend.Message(err))
		} else {
			log.Printf("queued %s %s as %s (pending %d)", queued.Method, queued.Path, queued.ID, queue.Depth())
		}
	}

	if err := coord.Start(rootCtx, channel.Identity{Role: cfg.Role, ID: cfg.UserID}); err != nil {
		log.Fatalf("failed to start coordinator: %v", err)
	}
	defer coord.Stop()

	if strings.TrimSpace(*listenAddr) != "" {
		control := httpapi.NewServer(queue, coord, ch, online, httpapi.ServerConfig{
			Token:           envOrDefault("CLINICSYNC_CONTROL_TOKEN", ""),
			RateLimitMax:    intEnv("CLINICSYNC_RATE_LIMIT_MAX", 0),
			RateLimitWindow: durationEnv("CLINICSYNC_RATE_LIMIT_WINDOW", time.Minute),
			MaxBodyBytes:    int64Env("CLINICSYNC_MAX_BODY_BYTES", 0),
		})
		httpServer := &http.Server{Addr: *listenAddr, Handler: control}
		go func() {
			log.Printf("clinicsync control API listening on %s", *listenAddr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("control API failed: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = httpServer.Shutdown(shutdownCtx)
		}()
	}

	refresh := func() {
		if !online.Online() {
			log.Printf("offline; %d request(s) pending", queue.Depth())
			return
		}
		ctx, cancel := context.WithTimeout(rootCtx, 15*time.Second)
		defer cancel()
		appointments, err := api.ListAppointments(ctx)
		if err != nil {
			log.Printf("appointment refresh failed: %s", backend.Message(err))
			return
		}
		shown := 0
		for _, appointment := range appointments {
			if !filter.Matches(appointment.Notes, appointment.Status) {
				continue
			}
			badge := workflow.Display(workflow.Resolve(appointment.Notes))
			log.Printf("appointment %d on %s: %s %s", appointment.ID, appointment.AppointmentDate, badge.Icon, badge.Label)
			shown++
		}
		log.Printf("appointment refresh: %d of %d shown (filter %s)", shown, len(appointments), filter)
	}

	refresh()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(*refreshInterval, *refreshJitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-rootCtx.Done():
			log.Printf("clinicsync agent stopping: %v", rootCtx.Err())
			return
		case <-timer.C:
			refresh()
			timer.Reset(jitteredIntervalWithSample(*refreshInterval, *refreshJitter, rng.Float64()))
		}
	}
}

// startConnectivity follows the marker file when one is configured and
// otherwise probes the backend.
func startConnectivity(ctx context.Context, cfg config.Config) (*connectivity.Switch, error) {
	online := connectivity.NewSwitch(false)
	if strings.TrimSpace(cfg.MarkerFile) != "" {
		watcher, err := connectivity.NewFileWatcher(cfg.MarkerFile, online, log.Default())
		if err != nil {
			return nil, err
		}
		if err := watcher.Refresh(); err != nil {
			log.Printf("connectivity marker unreadable, starting offline: %v", err)
		}
		go func() {
			if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("connectivity watcher stopped: %v", err)
			}
		}()
		return online, nil
	}
	probeURL := cfg.ProbeURL
	if probeURL == "" {
		probeURL = cfg.APIURL
	}
	prober := connectivity.NewProber(online, connectivity.ProberOptions{
		URL:      probeURL,
		Interval: cfg.ProbeInterval,
		Logger:   log.Default(),
	})
	prober.ProbeOnce(ctx)
	go func() {
		if err := prober.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("connectivity prober stopped: %v", err)
		}
	}()
	return online, nil
}

func readSubmitFile(path string) (offlinequeue.Request, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return offlinequeue.Request{}, err
	}
	var req offlinequeue.Request
	if err := json.Unmarshal(data, &req); err != nil {
		return offlinequeue.Request{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return req, nil
}

func applyEnv(cfg config.Config) config.Config {
	cfg.APIURL = envOrDefault("CLINICSYNC_API_URL", cfg.APIURL)
	cfg.ChannelURL = envOrDefault("CLINICSYNC_CHANNEL_URL", cfg.ChannelURL)
	cfg.Token = envOrDefault("CLINICSYNC_TOKEN", cfg.Token)
	cfg.Role = envOrDefault("CLINICSYNC_ROLE", cfg.Role)
	cfg.UserID = int64Env("CLINICSYNC_USER_ID", cfg.UserID)
	cfg.StoreDSN = envOrDefault("CLINICSYNC_STORE_DSN", cfg.StoreDSN)
	cfg.ProbeURL = envOrDefault("CLINICSYNC_PROBE_URL", cfg.ProbeURL)
	cfg.ProbeInterval = durationEnv("CLINICSYNC_PROBE_INTERVAL", cfg.ProbeInterval)
	cfg.MarkerFile = envOrDefault("CLINICSYNC_MARKER_FILE", cfg.MarkerFile)
	cfg.ReconnectDelay = durationEnv("CLINICSYNC_RECONNECT_DELAY", cfg.ReconnectDelay)
	cfg.ReconnectAttempts = intEnv("CLINICSYNC_RECONNECT_ATTEMPTS", cfg.ReconnectAttempts)
	return cfg
}

func applyFlags(cfg config.Config, o flagOverrides) config.Config {
	if v := strings.TrimSpace(o.apiURL); v != "" {
		cfg.APIURL = v
	}
	if v := strings.TrimSpace(o.channelURL); v != "" {
		cfg.ChannelURL = v
	}
	if v := strings.TrimSpace(o.token); v != "" {
		cfg.Token = v
	}
	if v := strings.TrimSpace(o.role); v != "" {
		cfg.Role = v
	}
	if o.userID > 0 {
		cfg.UserID = o.userID
	}
	if v := strings.TrimSpace(o.storeDSN); v != "" {
		cfg.StoreDSN = v
	}
	if v := strings.TrimSpace(o.probeURL); v != "" {
		cfg.ProbeURL = v
	}
	if o.probeInterval > 0 {
		cfg.ProbeInterval = o.probeInterval
	}
	if v := strings.TrimSpace(o.markerFile); v != "" {
		cfg.MarkerFile = v
	}
	if o.reconnectDelay > 0 {
		cfg.ReconnectDelay = o.reconnectDelay
	}
	if o.reconnectAttempts > 0 {
		cfg.ReconnectAttempts = o.reconnectAttempts
	}
	return cfg
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %f", name, raw, fallback)
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
