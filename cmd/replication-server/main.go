// Command replication-server runs the replication domains of one
// replication server: it stores every update in a LevelDB changelog,
// forwards it to the connected peers and serves the admin endpoints.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dd0wney/cluso-replication/pkg/changelog"
	"github.com/dd0wney/cluso-replication/pkg/health"
	"github.com/dd0wney/cluso-replication/pkg/logging"
	"github.com/dd0wney/cluso-replication/pkg/metrics"
	"github.com/dd0wney/cluso-replication/pkg/replication"
	"github.com/dd0wney/cluso-replication/pkg/server"
	rtls "github.com/dd0wney/cluso-replication/pkg/tls"
)

const (
	shutdownTimeout       = 10 * time.Second
	systemMetricsInterval = 15 * time.Second
)

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func main() {
	configPath := flag.String("config", "", "YAML configuration file")
	adminAddr := flag.String("admin", "", "Admin HTTP listen address (overrides config)")
	changelogDir := flag.String("changelog", "", "Changelog directory (overrides config)")
	logLevel := flag.String("log-level", "", "Log level: debug, info, warn, error (overrides config)")
	transport := flag.String("transport", "", "Peer transport (overrides config)")
	serverID := flag.Int("server-id", 0, "Local replication server id (overrides config)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "replication-server: %v\n", err)
		os.Exit(1)
	}
	applyFlags(cfg, flagOverrides{
		adminAddr:    *adminAddr,
		changelogDir: *changelogDir,
		logLevel:     *logLevel,
		transport:    *transport,
		serverID:     int32(*serverID),
	})

	logger := logging.NewJSONLogger(os.Stdout, logging.ParseLevel(cfg.LogLevel))
	logging.SetDefaultLogger(logger)

	if err := cfg.validate(); err != nil {
		logger.Error("invalid configuration", logging.Error(err))
		os.Exit(1)
	}

	if err := run(cfg, *configPath, logger); err != nil {
		logger.Error("replication server failed", logging.Error(err))
		os.Exit(1)
	}
}

type flagOverrides struct {
	adminAddr    string
	changelogDir string
	logLevel     string
	transport    string
	serverID     int32
}

// applyFlags lets non-empty command line flags win over the file
func applyFlags(cfg *serverConfig, f flagOverrides) {
	if f.adminAddr != "" {
		cfg.AdminAddr = f.adminAddr
	}
	if f.changelogDir != "" {
		cfg.ChangelogDir = f.changelogDir
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	if f.transport != "" {
		cfg.Transport = f.transport
	}
	if f.serverID != 0 {
		cfg.Replication.ServerID = f.serverID
	}
}

func run(cfg *serverConfig, configPath string, logger logging.Logger) error {
	startedAt := time.Now()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cleanup := replication.NewResourceCleanup(logger)
	defer cleanup.Cleanup()

	db, err := changelog.Open(cfg.ChangelogDir, logger)
	if err != nil {
		return err
	}
	cleanup.Add(db, "changelog")

	reg := metrics.DefaultRegistry()
	checker := health.NewChecker()
	checker.RegisterCheck("changelog", health.ChangelogCheck(db.Ping))
	checker.RegisterReadinessCheck("changelog", health.ChangelogCheck(db.Ping))
	checker.RegisterLivenessCheck("changelog", health.ChangelogCheck(db.Ping))
	checker.RegisterCheck("memory", health.MemoryCheck())

	domains := make(map[string]*replication.Domain, len(cfg.BaseDNs))
	adminDomains := make([]server.Domain, 0, len(cfg.BaseDNs))
	for _, baseDN := range cfg.BaseDNs {
		d, err := replication.NewDomain(baseDN, cfg.Replication, db, logger, reg)
		if err != nil {
			return fmt.Errorf("domain %s: %w", baseDN, err)
		}
		if err := d.Start(ctx); err != nil {
			return fmt.Errorf("domain %s: %w", baseDN, err)
		}
		cleanup.Add(closerFunc(func() error { d.Shutdown(); return nil }), "domain "+baseDN)

		domains[baseDN] = d
		adminDomains = append(adminDomains, d)
		checker.RegisterCheck("domain "+baseDN, health.DomainCheck(d))
	}

	connectPeers(ctx, cfg, domains, logger)

	tlsConfig, err := rtls.Load(cfg.AdminTLS)
	if err != nil {
		return fmt.Errorf("admin TLS: %w", err)
	}
	ln, err := net.Listen("tcp", cfg.AdminAddr)
	if err != nil {
		return fmt.Errorf("admin listener: %w", err)
	}
	admin := server.NewGracefulServer(cfg.AdminAddr, server.NewAdminRouter(server.AdminConfig{
		Domains: adminDomains,
		Health:  checker,
		Metrics: reg,
		Logger:  logger,
	}), logger)
	admin.SetTLSConfig(tlsConfig)
	admin.SetConfigReloadFunc(func() error { return reloadLogLevel(configPath, logger) })

	serveErr := make(chan error, 1)
	go func() { serveErr <- admin.Serve(ln) }()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		updateSystemMetrics(ctx, reg, startedAt)
	}()
	go func() {
		defer wg.Done()
		handleReloads(ctx, admin)
	}()

	logger.Info("replication server started",
		logging.ServerID(cfg.Replication.ServerID),
		logging.String("admin_addr", cfg.AdminAddr),
		logging.String("transport", cfg.Transport),
		logging.Count(len(domains)))

	select {
	case <-ctx.Done():
	case err = <-serveErr:
	}

	logger.Info("shutting down")
	stop()
	if shutdownErr := admin.Shutdown(shutdownTimeout); shutdownErr != nil && err == nil {
		err = shutdownErr
	}
	wg.Wait()
	return err
}

// connectPeers opens a session to every configured peer and registers it in
// its domain. A peer that cannot be reached is logged and skipped.
func connectPeers(ctx context.Context, cfg *serverConfig, domains map[string]*replication.Domain, logger logging.Logger) {
	for _, p := range cfg.Peers {
		peerLogger := logger.With(logging.BaseDN(p.BaseDN), logging.PeerID(p.ServerID), logging.String("address", p.Address))

		session, err := replication.NewTransportSession(cfg.Transport, p.sessionConfig(cfg.SendTimeout), logger)
		if err != nil {
			peerLogger.Error("failed to open peer session", logging.Error(err))
			continue
		}
		if _, err := domains[p.BaseDN].Register(ctx, p.peerInfo(), session); err != nil {
			peerLogger.Error("failed to register peer", logging.Error(err))
			session.Close()
			continue
		}
		peerLogger.Info("peer connected", logging.String("peer_kind", p.Kind))
	}
}

// reloadLogLevel re-reads the log level from the configuration file
func reloadLogLevel(configPath string, logger logging.Logger) error {
	if configPath == "" {
		return nil
	}
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger.SetLevel(logging.ParseLevel(cfg.LogLevel))
	return nil
}

func handleReloads(ctx context.Context, admin *server.GracefulServer) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			_ = admin.ReloadConfig()
		}
	}
}

func updateSystemMetrics(ctx context.Context, reg *metrics.Registry, startedAt time.Time) {
	ticker := time.NewTicker(systemMetricsInterval)
	defer ticker.Stop()

	reg.UpdateSystemMetrics(startedAt)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reg.UpdateSystemMetrics(startedAt)
		}
	}
}
