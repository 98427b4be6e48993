// Command dataplaned runs the data plane's Evaluation Engine behind the
// Enforce and Management Plane HTTP surfaces described in spec.md §6.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/dataplane-ruleengine/domain/audit"
	"github.com/R3E-Network/dataplane-ruleengine/domain/match"
	"github.com/R3E-Network/dataplane-ruleengine/infrastructure/config"
	"github.com/R3E-Network/dataplane-ruleengine/infrastructure/hitlog"
	applog "github.com/R3E-Network/dataplane-ruleengine/infrastructure/logging"
	"github.com/R3E-Network/dataplane-ruleengine/internal/deployment"
	"github.com/R3E-Network/dataplane-ruleengine/internal/engine"
	"github.com/R3E-Network/dataplane-ruleengine/internal/lifecycle"
	"github.com/R3E-Network/dataplane-ruleengine/internal/ruletable"
	"github.com/R3E-Network/dataplane-ruleengine/internal/rpc"
)

// version is set at build time via -ldflags.
var version = "dev"

const (
	exitOK             = 0
	exitConfigError    = 64
	exitDependencyDown = 69
	exitInternal       = 70
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("dataplaned", flag.ContinueOnError)
	listen := fs.String("listen", "", "override LISTEN_ADDR")
	hitlogDir := fs.String("hitlog-dir", "", "override HITLOG_DIR")
	showVersion := fs.Bool("version", false, "print version and exit")
	_ = fs.String("config", "", "unused: configuration is environment-only")
	if err := fs.Parse(args); err != nil {
		return exitConfigError
	}
	if *showVersion {
		fmt.Println(version)
		return exitOK
	}

	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Error("invalid configuration")
		return exitConfigError
	}
	if *listen != "" {
		cfg.ListenAddr = *listen
	}
	if *hitlogDir != "" {
		cfg.HitlogDir = *hitlogDir
	}

	log := applog.New("dataplaned", cfg.LogLevel, config.GetEnv("LOG_FORMAT", "json"))

	store, err := openHitlog(cfg.HitlogDir)
	if err != nil {
		log.WithError(err).Error("open hitlog store")
		return exitDependencyDown
	}
	if closer, ok := store.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	table := ruletable.New(ruletable.NewDecisionCache(cfg.MaxCacheSize, time.Duration(cfg.CacheTTLSeconds)*time.Second))
	trail := audit.NewTrail(audit.LevelCompactOnly, 1000, store)
	eng := engine.New(table, match.NewSandbox(), trail)
	deployer := deployment.NewManager(table)
	lc := lifecycle.New(table, deployer)

	secret := []byte(config.GetEnv("MANAGEMENT_JWT_SECRET", ""))
	if len(secret) == 0 {
		log.Warn("MANAGEMENT_JWT_SECRET not set, generating an ephemeral secret for this process lifetime")
		secret = []byte(fmt.Sprintf("ephemeral-%d", time.Now().UnixNano()))
	}

	server := rpc.NewServer(eng, deployer, lc, store, rpc.NewAuthenticator(secret), cfg.ValidationConfig(), nil)

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.ListenAddr).Info("dataplaned listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.WithError(err).Error("listener failed")
		return exitInternal
	case <-sigCh:
		log.Info("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.WithError(err).Error("graceful shutdown failed")
		return exitInternal
	}
	return exitOK
}

// openHitlog picks the sqlite-backed store when a directory is
// configured, falling back to the in-process store otherwise.
func openHitlog(dir string) (interface {
	Query(f hitlog.Filters) ([]hitlog.SessionRecord, int, error)
	Get(sessionID string) (hitlog.SessionRecord, bool, error)
	Write(record audit.Full) error
	AppendSession(s hitlog.SessionRecord) error
}, error) {
	if dir == "" {
		return hitlog.NewMemoryStore(), nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create hitlog dir: %w", err)
	}
	return hitlog.NewSqliteStore(dir)
}
