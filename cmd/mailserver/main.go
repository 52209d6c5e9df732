// Command mailserver runs the inbound SMTP/LMTP pipeline: one or more
// listeners, each running the SMTP session state machine through an
// optional Milter chain and Sieve script before handing a message to the
// queue.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bobobo1618/mail-server/directory"
	icfg "github.com/bobobo1618/mail-server/internal/config"
	"github.com/bobobo1618/mail-server/internal/metrics"
	"github.com/bobobo1618/mail-server/milter"
	"github.com/bobobo1618/mail-server/queue"
	"github.com/bobobo1618/mail-server/sieve"
	"github.com/bobobo1618/mail-server/smtp"
)

func main() {
	flags := icfg.ParseFlags()
	cfg, err := icfg.LoadWithFlags(flags)
	if err != nil {
		fmt.Fprintln(os.Stderr, "mailserver: loading config:", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "mailserver: invalid config:", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)}))
	milter.LogWarning = func(format string, v ...any) {
		logger.Warn(fmt.Sprintf(format, v...))
	}

	collector, metricsSrv := buildMetrics(cfg)

	dir, err := buildDirectory(cfg.Directory)
	if err != nil {
		logger.Error("building directory", "error", err)
		os.Exit(1)
	}

	registry := sieve.NewRegistry()
	if cfg.Sieve.ScriptDir != "" {
		if err := loadSieveScripts(registry, cfg.Sieve.ScriptDir); err != nil {
			logger.Error("loading sieve scripts", "error", err)
			os.Exit(1)
		}
	}

	sessionCfg := smtp.Config{
		Hostname:              cfg.Hostname,
		MaxMessageSize:        cfg.Limits.MaxMessageSize,
		CommandTimeout:        cfg.Timeouts.CommandTimeout(),
		DataTimeout:           cfg.Timeouts.DataTimeout(),
		Directory:             dir,
		MilterChain:           buildMilterChain(cfg.Milter),
		TempfailOnMilterError: cfg.Milter.TempfailOnError,
		SieveRegistry:         registry,
		SieveScript:           cfg.Sieve.DefaultScript,
		SieveSub:              sieve.NewSubprocess(),
		Queue:                 queue.NewMemoryQueue(),
		Metrics:               collector,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	servers := make([]*smtp.Server, 0, len(cfg.Listeners))
	for _, l := range cfg.Listeners {
		lnCfg := sessionCfg
		lnCfg.LMTP = l.Mode == icfg.ModeLMTP
		srv := smtp.NewServer(lnCfg, logger)
		servers = append(servers, srv)

		network := "tcp"
		if l.Mode == icfg.ModeLMTP && isUnixSocketPath(l.Address) {
			network = "unix"
		}
		ln, err := net.Listen(network, l.Address)
		if err != nil {
			logger.Error("listen", "address", l.Address, "error", err)
			os.Exit(1)
		}
		logger.Info("listening", "address", l.Address, "mode", l.Mode)

		wg.Add(1)
		go func(srv *smtp.Server, ln net.Listener) {
			defer wg.Done()
			if err := srv.Serve(ctx, ln); err != nil && err != smtp.ErrServerClosed {
				logger.Error("serve", "error", err)
			}
		}(srv, ln)
	}

	if metricsSrv != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := metricsSrv.Start(ctx); err != nil && err != context.Canceled {
				logger.Error("metrics server", "error", err)
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown", "error", err)
		}
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	wg.Wait()
}

func logLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func buildMetrics(cfg icfg.Config) (metrics.Collector, metrics.Server) {
	if !cfg.Metrics.Enabled {
		return &metrics.NoopCollector{}, nil
	}
	collector := metrics.NewPrometheusCollector(prometheus.DefaultRegisterer)
	return collector, metrics.NewPrometheusServer(cfg.Metrics.Address, cfg.Metrics.Path)
}

func buildDirectory(cfg icfg.DirectoryConfig) (directory.Directory, error) {
	switch cfg.Backend {
	case icfg.BackendLDAP:
		return directory.NewLDAPDirectory(directory.LDAPConfig{
			URL:          cfg.LDAP.URL,
			BindDN:       cfg.LDAP.BindDN,
			BindPassword: cfg.LDAP.BindPassword,
			BaseDN:       cfg.LDAP.BaseDN,
			UserFilter:   cfg.LDAP.UserFilter,
			GroupFilter:  cfg.LDAP.GroupFilter,
			MailAttr:     cfg.LDAP.MailAttr,
			NameAttr:     cfg.LDAP.NameAttr,
			MemberAttr:   cfg.LDAP.MemberAttr,
			QuotaAttr:    cfg.LDAP.QuotaAttr,
		}), nil
	case icfg.BackendStatic, "":
		accounts := make([]directory.Account, 0, len(cfg.Static.Accounts))
		for _, a := range cfg.Static.Accounts {
			typ := directory.Individual
			if a.Type == "list" {
				typ = directory.List
			}
			accounts = append(accounts, directory.Account{
				Name:    a.Name,
				Emails:  a.Emails,
				Secret:  a.Secret,
				Type:    typ,
				Quota:   a.Quota,
				Members: a.Members,
			})
		}
		return directory.NewStaticDirectory(accounts, cfg.LocalDomains, cfg.Static.CatchAll), nil
	default:
		return nil, fmt.Errorf("unknown directory backend %q", cfg.Backend)
	}
}

func buildMilterChain(cfg icfg.MilterConfig) *milter.Chain {
	if len(cfg.Peers) == 0 {
		return nil
	}
	entries := make([]milter.ChainEntry, 0, len(cfg.Peers))
	for i, p := range cfg.Peers {
		entries = append(entries, milter.ChainEntry{
			Name:   fmt.Sprintf("%s-%d", p.Network, i),
			Client: milter.NewClient(p.Network, p.Address),
		})
	}
	return milter.NewChain(entries...)
}

func loadSieveScripts(registry *sieve.Registry, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading sieve script directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := dir + "/" + e.Name()
		source, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading sieve script %s: %w", path, err)
		}
		if err := registry.Load(e.Name(), source); err != nil {
			return fmt.Errorf("compiling sieve script %s: %w", path, err)
		}
	}
	return nil
}

func isUnixSocketPath(address string) bool {
	return len(address) > 0 && address[0] == '/'
}
