package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"villagesim.ai/internal/decision"
	"villagesim.ai/internal/logging"
	persistlog "villagesim.ai/internal/persistence/log"
	"villagesim.ai/internal/persistence/snapshot"
	"villagesim.ai/internal/protocol"
	"villagesim.ai/internal/sim/catalogs"
	"villagesim.ai/internal/sim/guardrail"
	"villagesim.ai/internal/sim/tuning"
	"villagesim.ai/internal/sim/village"
	"villagesim.ai/internal/transport/observer"
	"villagesim.ai/internal/transport/snapshotapi"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		configDir  = flag.String("configs", "./configs", "config directory (village.yaml, agents.yaml)")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml or tuning.toml (default: <configs>/tuning.yaml)")
		rulesDir   = flag.String("rules", "", "directory of .lua guardrail rules (default: <configs>/rules)")
		logLevel   = flag.String("log_level", "info", "debug|info|warn|error")
		logFormat  = flag.String("log_format", "console", "console|json")

		decisionURL     = flag.String("decision_url", "", "decision service base url (empty disables replanning)")
		decisionTimeout = flag.Duration("decision_timeout", 20*time.Second, "decision http timeout")

		storeKind   = flag.String("store", "file", "snapshot store: file|sqlite|postgres|http")
		pgDSN       = flag.String("pg_dsn", "", "postgres dsn (store=postgres, or set VILLAGESIM_PG_DSN)")
		snapshotURL = flag.String("snapshot_url", "", "remote snapshot service base url (store=http)")
		keep        = flag.Int("snapshot_keep", 10, "snapshots to retain (0 = all)")
		loadLatest  = flag.Bool("load_latest_snapshot", true, "resume from the latest stored snapshot if present")
		disableDB   = flag.Bool("disable_db", false, "disable the sqlite tick/audit index")
		serveSnaps  = flag.Bool("serve_snapshots", true, "expose GET/POST /v1/snapshot backed by the snapshot store")
	)
	flag.Parse()

	logger, err := logging.New(logging.Config{Level: *logLevel, Format: *logFormat})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(runConfig{
		Addr:            *addr,
		ConfigDir:       *configDir,
		DataDir:         *dataDir,
		TuningPath:      *tuningPath,
		RulesDir:        *rulesDir,
		DecisionURL:     strings.TrimSpace(*decisionURL),
		DecisionTimeout: *decisionTimeout,
		StoreKind:       *storeKind,
		PGDSN:           firstNonEmpty(*pgDSN, os.Getenv("VILLAGESIM_PG_DSN")),
		SnapshotURL:     *snapshotURL,
		Keep:            *keep,
		LoadLatest:      *loadLatest,
		DisableDB:       *disableDB,
		ServeSnapshots:  *serveSnaps,
	}, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

type runConfig struct {
	Addr            string
	ConfigDir       string
	DataDir         string
	TuningPath      string
	RulesDir        string
	DecisionURL     string
	DecisionTimeout time.Duration
	StoreKind       string
	PGDSN           string
	SnapshotURL     string
	Keep            int
	LoadLatest      bool
	DisableDB       bool
	ServeSnapshots  bool
}

func run(cfg runConfig, logger *zap.Logger) error {
	ctx, cancel := signalContext()
	defer cancel()

	cats, err := catalogs.Load(cfg.ConfigDir)
	if err != nil {
		return fmt.Errorf("load catalogs: %w", err)
	}
	logger.Info("catalogs loaded",
		zap.String("village", cats.Village.Name),
		zap.Int("agents", len(cats.Agents.List)),
		zap.String("map_digest", cats.Village.Digest),
	)

	tp := cfg.TuningPath
	if tp == "" {
		tp = filepath.Join(cfg.ConfigDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if errors.Is(err, os.ErrNotExist) {
		logger.Warn("tuning not found, using defaults", zap.String("path", tp))
		tune, err = tuning.Defaults(), nil
	}
	if err != nil {
		return fmt.Errorf("load tuning: %w", err)
	}

	guard := guardrail.Default()
	rd := cfg.RulesDir
	if rd == "" {
		rd = filepath.Join(cfg.ConfigDir, "rules")
	}
	if st, err := os.Stat(rd); err == nil && st.IsDir() {
		scripts, err := guardrail.LoadScripts(rd, logger.Named("rules"))
		if err != nil {
			return fmt.Errorf("load rules: %w", err)
		}
		defer scripts.Close()
		if err := guard.Append(scripts.Rules()...); err != nil {
			return fmt.Errorf("rules: %w", err)
		}
	}
	logger.Info("guardrail rules", zap.Strings("rules", guard.Rules()))

	var capability decision.Capability
	if cfg.DecisionURL != "" {
		capability = decision.NewHTTPClient(cfg.DecisionURL, cfg.DecisionTimeout)
	} else {
		logger.Warn("no decision_url, agents follow their schedules only")
	}

	w, err := village.New(cats, tune, village.Deps{
		Capability: capability,
		Guardrail:  guard,
		Log:        logger.Named("village"),
	})
	if err != nil {
		return fmt.Errorf("world: %w", err)
	}

	worldDir := filepath.Join(cfg.DataDir, "village")
	if err := os.MkdirAll(worldDir, 0o755); err != nil {
		return err
	}

	store, closeStore, err := openStore(ctx, cfg, worldDir, logger)
	if err != nil {
		return fmt.Errorf("snapshot store: %w", err)
	}
	defer closeStore()

	if cfg.LoadLatest {
		snap, err := store.Load(ctx)
		switch {
		case errors.Is(err, snapshot.ErrInvalid):
			logger.Warn("stored snapshot invalid, starting fresh", zap.Error(err))
		case err != nil:
			return fmt.Errorf("load snapshot: %w", err)
		case snap != nil:
			if err := w.ImportSnapshot(*snap); err != nil {
				logger.Warn("snapshot rejected, starting fresh", zap.Error(err))
			}
		}
	}

	idx, err := openIndex(worldDir, cfg.DisableDB, logger)
	if err != nil {
		return fmt.Errorf("open index: %w", err)
	}
	if idx != nil {
		defer idx.Close()
	}

	tickLog := persistlog.NewTickLogger(worldDir)
	auditLog := persistlog.NewAuditLogger(worldDir)
	defer tickLog.Close()
	defer auditLog.Close()
	if idx != nil {
		w.SetTickLogger(multiTickLogger{tickLog, idx})
		w.SetAuditLogger(multiAuditLogger{auditLog, idx})
	} else {
		w.SetTickLogger(tickLog)
		w.SetAuditLogger(auditLog)
	}

	obs := observer.NewServer(func() protocol.WelcomeMsg {
		return protocol.WelcomeMsg{
			Tick:           w.CurrentTick(),
			AgentCount:     w.AgentCount(),
			MinutesPerTick: w.Clock().MinutesPerTick,
		}
	}, logger.Named("observer"))
	w.SetPublisher(obs)

	// Snapshot writer.
	snapCh := make(chan snapshot.WorldSnapshot, 2)
	w.SetSnapshotSink(snapCh)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case snap := <-snapCh:
				saveCtx, cancelSave := context.WithTimeout(context.Background(), 30*time.Second)
				if err := store.Save(saveCtx, snap); err != nil {
					logger.Error("snapshot save failed", zap.Uint64("tick", snap.World.Tick), zap.Error(err))
				} else {
					logger.Debug("snapshot saved", zap.Uint64("tick", snap.World.Tick))
				}
				cancelSave()
			}
		}
	}()

	go func() {
		err := tuning.Watch(ctx, tp, logger.Named("tuning"), w.Retune)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("tuning watch stopped", zap.Error(err))
		}
	}()

	worldDone := make(chan struct{})
	go func() {
		defer close(worldDone)
		if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("world stopped", zap.Error(err))
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", metricsHandler(w, obs))
	mux.HandleFunc("/v1/observer/ws", obs.WSHandler())
	if cfg.ServeSnapshots {
		mux.HandleFunc(snapshotapi.Path, snapshotapi.NewServer(store, logger.Named("snapshotapi")).Handler())
	}

	if envBool("VILLAGESIM_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP()) {
		mux.HandleFunc("/admin/v1/state", func(rw http.ResponseWriter, r *http.Request) {
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			rw.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(rw).Encode(map[string]any{
				"tick":        w.CurrentTick(),
				"agents":      w.AgentCount(),
				"route_cache": w.RouteCacheStats(),
				"replan":      w.ReplanStats(),
				"observers":   obs.Clients(),
			})
		})
		mux.HandleFunc("/admin/v1/snapshot", func(rw http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				rw.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			ctx2, cancel2 := context.WithTimeout(r.Context(), 5*time.Second)
			defer cancel2()
			tick, err := w.RequestSnapshot(ctx2)
			rw.Header().Set("Content-Type", "application/json")
			if err != nil {
				rw.WriteHeader(http.StatusServiceUnavailable)
				_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "tick": tick, "error": err.Error()})
				return
			}
			_ = json.NewEncoder(rw).Encode(map[string]any{"ok": true, "tick": tick})
		})
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	} else {
		logger.Info("admin endpoints disabled (VILLAGESIM_ENABLE_ADMIN_HTTP=false)")
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Info("listening", zap.String("addr", cfg.Addr), zap.Uint64("tick", w.CurrentTick()))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		cancel()
		return fmt.Errorf("listen: %w", err)
	}

	<-worldDone
	<-writerDone
	// Final snapshot so a restart resumes where this run stopped.
	final, cancelFinal := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelFinal()
	if err := store.Save(final, w.ExportSnapshot()); err != nil {
		logger.Warn("final snapshot failed", zap.Error(err))
	}
	return nil
}

func metricsHandler(w *village.World, obs *observer.Server) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		cs := w.RouteCacheStats()
		rs := w.ReplanStats()

		fmt.Fprintf(rw, "# HELP villagesim_tick Current world tick.\n")
		fmt.Fprintf(rw, "# TYPE villagesim_tick gauge\n")
		fmt.Fprintf(rw, "villagesim_tick %d\n", w.CurrentTick())

		fmt.Fprintf(rw, "# HELP villagesim_route_cache Route cache counters.\n")
		fmt.Fprintf(rw, "# TYPE villagesim_route_cache gauge\n")
		fmt.Fprintf(rw, "villagesim_route_cache{metric=%q} %d\n", "hits", cs.Hits)
		fmt.Fprintf(rw, "villagesim_route_cache{metric=%q} %d\n", "misses", cs.Misses)
		fmt.Fprintf(rw, "villagesim_route_cache{metric=%q} %d\n", "evictions", cs.Evictions)
		fmt.Fprintf(rw, "villagesim_route_cache{metric=%q} %d\n", "size", cs.Size)

		fmt.Fprintf(rw, "# HELP villagesim_replans Replan request counters.\n")
		fmt.Fprintf(rw, "# TYPE villagesim_replans gauge\n")
		fmt.Fprintf(rw, "villagesim_replans{metric=%q} %d\n", "issued", rs.Issued)
		fmt.Fprintf(rw, "villagesim_replans{metric=%q} %d\n", "completed", rs.Completed)
		fmt.Fprintf(rw, "villagesim_replans{metric=%q} %d\n", "discarded", rs.Discarded)
		fmt.Fprintf(rw, "villagesim_replans{metric=%q} %d\n", "in_flight", rs.InFlight)

		fmt.Fprintf(rw, "# HELP villagesim_observers Connected observer clients.\n")
		fmt.Fprintf(rw, "# TYPE villagesim_observers gauge\n")
		fmt.Fprintf(rw, "villagesim_observers %d\n", obs.Clients())
		fmt.Fprintf(rw, "villagesim_observer_dropped_total %d\n", obs.Dropped())
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}

func envBool(key string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
