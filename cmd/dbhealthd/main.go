// Command dbhealthd samples a PostgreSQL server into the tiered telemetry
// store and serves the read endpoints plus Prometheus metrics.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/thisdougb/dbhealth"
	"github.com/thisdougb/dbhealth/internal/config"
	"github.com/thisdougb/dbhealth/internal/provider/postgres"
	"github.com/thisdougb/dbhealth/internal/storage"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "dbhealthd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		dsn        string
		listen     string
		identity   string
		restore    string
	)
	pflag.StringVar(&configPath, "config", "", "flat YAML file of DBHEALTH_* settings")
	pflag.StringVar(&dsn, "dsn", "", "PostgreSQL connection string (default $DBHEALTH_DSN)")
	pflag.StringVar(&listen, "listen", "", "HTTP listen address (default $DBHEALTH_LISTEN)")
	pflag.StringVar(&identity, "identity", "", "name reported in status output (default hostname)")
	pflag.StringVar(&restore, "restore", "", "restore the store from the backup taken on YYYYMMDD, then exit")
	pflag.Parse()

	if configPath != "" {
		if err := config.LoadFile(configPath); err != nil {
			return err
		}
	}
	if dsn == "" {
		dsn = config.StringValue("DBHEALTH_DSN")
	}
	if listen == "" {
		listen = config.StringValue("DBHEALTH_LISTEN")
	}
	if identity == "" {
		identity, _ = os.Hostname()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = config.SetContextCorrelationId(ctx, "dbhealthd")

	if restore != "" {
		return restoreBackup(ctx, restore)
	}

	if dsn == "" {
		return errors.New("a DSN is required, set --dsn or DBHEALTH_DSN")
	}

	p, err := postgres.Open(dsn)
	if err != nil {
		return err
	}
	defer p.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m, err := dbhealth.New(dbhealth.Options{
		Identity:   identity,
		Provider:   p,
		Registerer: reg,
	})
	if err != nil {
		return err
	}
	defer m.Close()

	mux := http.NewServeMux()
	mux.Handle("/", m.Handler())
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		config.LogInfo(ctx, "listening on "+listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	runDone := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(runDone)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		stop()
		<-runDone
		return errors.Wrap(err, "http server failed")
	}

	config.LogInfo(ctx, "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		config.LogError(ctx, "http shutdown: "+err.Error())
	}
	<-runDone

	return nil
}

// restoreBackup copies the dated backup over the configured store path.
func restoreBackup(ctx context.Context, date string) error {
	cfg := storage.LoadConfig()
	if !cfg.Enabled {
		return errors.New("restore needs DBHEALTH_PERSISTENCE_ENABLED=true")
	}

	name, err := storage.FindBackupForDate(date, &cfg.Backup)
	if err != nil {
		return err
	}
	if err := storage.RestoreDatabase(name, cfg.DBPath, &cfg.Backup); err != nil {
		return err
	}

	config.LogInfo(ctx, fmt.Sprintf("restored %s to %s", name, cfg.DBPath))
	return nil
}
