package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"

	"github.com/vaultize/alerting/internal/alerts"
	"github.com/vaultize/alerting/internal/api"
	"github.com/vaultize/alerting/internal/config"
	"github.com/vaultize/alerting/internal/logging"
	"github.com/vaultize/alerting/internal/metrics"
	"github.com/vaultize/alerting/internal/notifications"
	"github.com/vaultize/alerting/internal/rules"
	"github.com/vaultize/alerting/internal/websocket"
	"github.com/vaultize/alerting/pkg/opensearch"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Exit codes. 64 covers configuration and startup validation problems,
// 70 covers internal failures while running.
const (
	exitConfig   = 64
	exitInternal = 70
)

const bcryptCost = 12

var rootCmd = &cobra.Command{
	Use:     "vaultize-alerting",
	Short:   "Vaultize Alerting Service - scheduled alert evaluation over the log store",
	Long:    `The Vaultize Alerting Service periodically evaluates alert rules against the search store, tracks per-rule alert lifecycle, and delivers webhook notifications.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("vaultize-alerting %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

var validateDir string

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate rule files without starting the service",
	Long:  `Loads every rule file from the rules directory, prints the result per file, and exits non-zero if any file is invalid. The search store is never contacted.`,
	Run: func(cmd *cobra.Command, args []string) {
		runValidate()
	},
}

var hashTokenCmd = &cobra.Command{
	Use:   "hash-token [token]",
	Short: "Print a bcrypt hash of a token for MGMT_ADMIN_TOKEN",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runHashToken(args)
	},
}

func init() {
	validateCmd.Flags().StringVar(&validateDir, "dir", "", "rules directory (defaults to RULES_DIR)")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(hashTokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func userAgent() string {
	return "vaultize-alerting/" + Version
}

func runServer() {
	// Baseline logger for early startup messages; re-initialized once
	// the configuration is loaded.
	logging.Init(logging.Config{Format: "auto", Level: "info", Component: "alerting"})

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("Failed to load configuration")
		os.Exit(exitConfig)
	}

	logging.Init(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel, Component: "alerting"})
	log.Info().Str("version", Version).Msg("Starting " + api.ServiceName)

	loaded, fileErrs, err := rules.Load(cfg.RulesDir)
	if err != nil {
		log.Error().Err(err).Str("dir", cfg.RulesDir).Msg("Failed to read rules directory")
		os.Exit(exitConfig)
	}
	for _, fe := range fileErrs {
		log.Warn().Str("file", fe.File).Err(fe.Err).Msg("Skipping invalid rule file")
	}

	storeClient, err := opensearch.NewClient(opensearch.ClientConfig{
		BaseURL:     cfg.StoreURL,
		Username:    cfg.StoreUser,
		Password:    cfg.StorePassword,
		VerifyTLS:   cfg.StoreVerifyTLS,
		Fingerprint: cfg.StoreFingerprint,
		Timeout:     cfg.StoreTimeout,
		UserAgent:   userAgent(),
		OnRequest:   metrics.RecordStoreRequest,
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to build store client")
		os.Exit(exitConfig)
	}

	// Identify the backend up front. A failure here is not fatal; the
	// engine start below enforces reachability.
	infoCtx, cancelInfo := context.WithTimeout(context.Background(), 5*time.Second)
	if info, err := storeClient.Info(infoCtx); err != nil {
		log.Warn().Err(err).Str("url", cfg.StoreURL).Msg("Search store not answering yet")
	} else {
		log.Info().
			Str("cluster", info.ClusterName).
			Str("store_version", info.Version.Number).
			Msg("Connected to search store")
	}
	cancelInfo()

	dispatcher := notifications.NewDispatcher(notifications.DispatcherConfig{
		MaxConcurrent:  int64(cfg.MaxConcurrentDeliveries),
		DefaultTimeout: cfg.WebhookTimeout,
		AllowedHosts:   cfg.WebhookAllowedHosts,
		UserAgent:      userAgent(),
		OnAttempt:      metrics.RecordNotificationAttempt,
	})

	stateStore := alerts.NewStateStore(storeClient, cfg.StateIndex, cfg.HistoryIndex)

	// The snapshot closure only runs once the hub starts, which happens
	// after eng is assigned below.
	var eng *alerts.Engine
	hub := websocket.NewHub(func() any {
		if eng == nil {
			return nil
		}
		states := make([]*alerts.RuleState, 0)
		for _, s := range eng.Rules() {
			if s.State != nil {
				states = append(states, s.State)
			}
		}
		return states
	})

	eng = alerts.NewEngine(alerts.EngineConfig{
		Rules:         loaded,
		Evaluator:     alerts.NewEvaluator(storeClient),
		Store:         stateStore,
		Dispatcher:    dispatcher,
		MaxConcurrent: int64(cfg.MaxConcurrentEvaluations),
		PublicURL:     cfg.PublicURL,
		ShutdownGrace: cfg.ShutdownGrace,
		OnEvent: func(ev alerts.AlertEvent) {
			hub.BroadcastEvent(ev)
		},
	})

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	err = eng.Start(startCtx)
	cancelStart()
	if err != nil {
		log.Error().Err(err).Msg("Failed to start alert engine")
		os.Exit(exitConfig)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	if cfg.MetricsListenAddr != "" {
		startMetricsServer(ctx, cfg.MetricsListenAddr)
	}

	// All reload paths (API, SIGHUP, directory watcher) funnel through
	// doReload so the API always reports the latest per-file failures.
	var loadErrsMu sync.Mutex
	lastLoadErrs := fileErrs

	doReload := func() (alerts.ReloadResult, []rules.FileError, error) {
		loaded, errs, err := rules.Load(cfg.RulesDir)
		if err != nil {
			return alerts.ReloadResult{}, nil, err
		}
		res := eng.Reload(loaded, errs)
		loadErrsMu.Lock()
		lastLoadErrs = errs
		loadErrsMu.Unlock()
		return res, errs, nil
	}

	router := api.NewRouter(api.RouterConfig{
		Service:    eng,
		Store:      stateStore,
		Hub:        hub,
		Reload:     doReload,
		AdminToken: cfg.AdminToken,
		Version:    Version,
		StoreURL:   cfg.StoreURL,
		LoadErrors: func() []rules.FileError {
			loadErrsMu.Lock()
			defer loadErrsMu.Unlock()
			return lastLoadErrs
		},
	})

	// ReadHeaderTimeout instead of ReadTimeout so the stream endpoint
	// keeps its connection after the websocket upgrade.
	srv := &http.Server{
		Handler:           api.ErrorHandler(router),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		log.Error().Err(err).Str("addr", cfg.ListenAddr).Msg("Cannot bind management API address")
		eng.Stop()
		os.Exit(exitConfig)
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("Management API listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	var watcher *config.RulesWatcher
	if cfg.RulesWatch {
		watcher, err = config.NewRulesWatcher(cfg.RulesDir, func() {
			if _, _, err := doReload(); err != nil {
				log.Error().Err(err).Msg("Automatic rule reload failed")
			}
		})
		if err != nil {
			log.Warn().Err(err).Msg("Cannot watch rules directory, auto-reload disabled")
			watcher = nil
		} else {
			watcher.Start()
		}
	}

	sigChan := make(chan os.Signal, 1)
	reloadChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	signal.Notify(reloadChan, syscall.SIGHUP)

	exitCode := 0
	for {
		select {
		case <-reloadChan:
			log.Info().Msg("Received SIGHUP, reloading rules")
			if _, _, err := doReload(); err != nil {
				log.Error().Err(err).Msg("Rule reload failed")
			}

		case err := <-serverErr:
			log.Error().Err(err).Msg("Management API server failed")
			exitCode = exitInternal
			goto shutdown

		case <-sigChan:
			log.Info().Msg("Shutting down")
			goto shutdown
		}
	}

shutdown:
	if watcher != nil {
		watcher.Stop()
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}
	cancelShutdown()

	eng.Stop()
	cancel()

	log.Info().Msg("Stopped")
	os.Exit(exitCode)
}

func runValidate() {
	logging.Init(logging.Config{Format: "auto", Level: "warn", Component: "alerting"})

	dir := validateDir
	if dir == "" {
		dir = strings.TrimSpace(os.Getenv("RULES_DIR"))
	}
	if dir == "" {
		fmt.Fprintln(os.Stderr, "validate: --dir or RULES_DIR is required")
		os.Exit(exitConfig)
	}

	loaded, fileErrs, err := rules.Load(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "validate: %v\n", err)
		os.Exit(exitConfig)
	}

	for _, r := range loaded {
		state := "enabled"
		if !r.Enabled {
			state = "disabled"
		}
		fmt.Printf("ok     %-32s %s (%s, every %s)\n", r.Name, state, r.SourceFile, r.EvalInterval)
	}
	for _, fe := range fileErrs {
		fmt.Printf("error  %s: %v\n", fe.File, fe.Err)
	}

	fmt.Printf("\n%d valid, %d invalid\n", len(loaded), len(fileErrs))
	if len(fileErrs) > 0 {
		os.Exit(1)
	}
}

func runHashToken(args []string) {
	var token string
	if len(args) == 1 {
		token = args[0]
	} else {
		fmt.Fprint(os.Stderr, "Token: ")
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "hash-token: %v\n", err)
			os.Exit(exitConfig)
		}
		token = string(raw)
	}

	if strings.TrimSpace(token) == "" {
		fmt.Fprintln(os.Stderr, "hash-token: token must not be empty")
		os.Exit(exitConfig)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcryptCost)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hash-token: %v\n", err)
		os.Exit(exitInternal)
	}
	fmt.Println(string(hash))
}
