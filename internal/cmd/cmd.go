// Package cmd is the CLI entry point: load a static config, wire it into
// an [resolver.Resolver], and run it until SIGINT/SIGTERM.
package cmd

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/log"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/osutil"
	"github.com/gin-gonic/gin"
	"github.com/go-co-op/gocron"

	"github.com/chromiumos/dns-proxy-resolver/internal/resolver"
)

// buildVersion is overridden at link time (-ldflags -X); "dev" covers
// ad-hoc local builds.
var buildVersion = "dev"

// Main is the entrypoint: parse flags, load config, run until signaled.
func Main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	lvl := slog.LevelInfo
	if *verbose {
		lvl = slog.LevelDebug
	}

	l := slogutil.New(&slogutil.Config{
		Output: os.Stdout,
		Format: slogutil.FormatDefault,
		Level:  lvl,
	})

	conf, err := loadConfig(*configPath)
	if err != nil {
		l.ErrorContext(context.Background(), "loading config", slogutil.KeyError, err)
		os.Exit(osutil.ExitCodeArgumentError)
	}

	if *verbose {
		log.SetLevel(log.DEBUG)
	}

	ctx := context.Background()
	l.InfoContext(ctx, "dns-proxy-resolver starting", "version", buildVersion)

	if err := run(ctx, l, conf); err != nil {
		l.ErrorContext(ctx, "running resolver", slogutil.KeyError, err)
		os.Exit(osutil.ExitCodeFailure)
	}
}

// run wires conf into a [resolver.Resolver], starts the admin surface and
// scheduled housekeeping, and blocks until a shutdown signal arrives.
func run(ctx context.Context, l *slog.Logger, conf *config) error {
	r := resolver.New()

	metrics := resolver.NewMemMetricsSink()
	r.SetMetricsSink(metrics)

	if err := r.Start(ctx); err != nil {
		return errors.Annotate(err, "starting resolver: %w")
	}

	for _, la := range conf.ListenUDP {
		if !r.ListenUDP(la.Addr, la.Ifname) {
			l.ErrorContext(ctx, "udp listen failed", "addr", la.Addr, "ifname", la.Ifname)
		}
	}

	for _, la := range conf.ListenTCP {
		if !r.ListenTCP(la.Addr, la.Ifname) {
			l.ErrorContext(ctx, "tcp listen failed", "addr", la.Addr, "ifname", la.Ifname)
		}
	}

	r.SetNameServers(conf.NameServers)
	r.SetDoHProviders(conf.dohProviders(), conf.DoHAlwaysOn)
	r.SetDomainDoHConfigs(conf.IncludedDomains, conf.ExcludedDomains)

	stopAdmin := runAdminServer(l, conf.AdminAddr, metrics)
	defer stopAdmin()

	stopScheduler := runScheduler(l, metrics)
	defer stopScheduler()

	signalChannel := make(chan os.Signal, 1)
	signal.Notify(signalChannel, syscall.SIGINT, syscall.SIGTERM)
	<-signalChannel

	l.InfoContext(ctx, "shutting down")

	if err := r.Shutdown(ctx); err != nil {
		return errors.Annotate(err, "stopping resolver: %w")
	}

	return nil
}

// runAdminServer exposes a read-only /stats and /healthz surface over
// metrics, the Go analogue of the teacher's gin "/stats" endpoint in
// cmd.go. The returned func stops the server.
func runAdminServer(l *slog.Logger, addr string, metrics *resolver.MemMetricsSink) func() {
	gin.SetMode(gin.ReleaseMode)

	mux := gin.New()
	mux.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, metrics.Snapshot())
	})
	mux.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	srv := &http.Server{
		Addr:        addr,
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			l.Error("admin server failed", "addr", addr, slogutil.KeyError, err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = srv.Shutdown(ctx)
	}
}

// runScheduler drives the periodic "log stats summary" housekeeping job,
// adapted from the teacher's own gocron usage in cmd.go (there: saving
// stats to disk and rotating the log file on a schedule; here: there is no
// on-disk stats file or log rotation to manage, so the one job this core
// keeps is the summary log line itself).
func runScheduler(l *slog.Logger, metrics *resolver.MemMetricsSink) func() {
	s := gocron.NewScheduler(time.UTC)

	_, err := s.Every(1).Minute().Do(func() {
		l.Info("stats summary", "counts", metrics.Snapshot(), "durations", metrics.DurationSnapshot())
	})
	if err != nil {
		log.Error("cannot start stats summary job: %s", err)
	}

	s.StartAsync()

	return func() { s.Stop() }
}
