package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"vawter.tech/stopper"

	"github.com/loykin/rcvisor/internal/attr/factory"
	"github.com/loykin/rcvisor/internal/config"
	"github.com/loykin/rcvisor/internal/detector"
	"github.com/loykin/rcvisor/internal/env"
	"github.com/loykin/rcvisor/internal/history"
	hfactory "github.com/loykin/rcvisor/internal/history/factory"
	"github.com/loykin/rcvisor/internal/logger"
	"github.com/loykin/rcvisor/internal/metrics"
	"github.com/loykin/rcvisor/internal/supervisor"
)

// shutdownGrace bounds how long supervisors get to stop their children.
const shutdownGrace = 60 * time.Second

// Serve runs the supervision master until ctx ends. With a pid file the
// daemon records itself there; with a log file its log goes to a rotating
// file instead of stderr.
func (sd *command) Serve(ctx context.Context, f *ServeFlags) error {
	s := sd.settings
	var w io.Writer = sd.errOut
	if f.LogFile != "" {
		lw, _, err := logger.Config{
			StdoutPath: f.LogFile,
			MaxSizeMB:  s.Log.MaxSizeMB,
			MaxBackups: s.Log.MaxBackups,
			MaxAgeDays: s.Log.MaxAgeDays,
			Compress:   s.Log.Compress,
		}.Writers()
		if err != nil {
			return err
		}
		defer func() { _ = lw.Close() }()
		w = lw
	}
	log := logger.NewDaemon(w, sd.flags.Verbose)

	if f.PidFile != "" {
		if err := writePidFile(f.PidFile); err != nil {
			return err
		}
		defer func() {
			if err := removePidFile(f.PidFile); err != nil {
				log.Warn("remove pid file", "path", f.PidFile, "error", err)
			}
		}()
	}

	st, err := factory.Open(s.AttrDSN)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	var sink history.Sink
	if s.HistoryDSN != "" {
		if sink, err = hfactory.NewSinkFromDSN(s.HistoryDSN); err != nil {
			return err
		}
	}

	genv, err := s.GlobalEnv()
	if err != nil {
		return err
	}
	base := env.FromList(genv)
	spawner := &supervisor.Spawner{Rotation: logger.Config{
		MaxSizeMB:  s.Log.MaxSizeMB,
		MaxBackups: s.Log.MaxBackups,
		MaxAgeDays: s.Log.MaxAgeDays,
		Compress:   s.Log.Compress,
	}}
	master := supervisor.NewMaster(s.DaemonsDir, log, func(svc string) supervisor.Options {
		o := supervisor.Options{Store: st, Env: base, History: sink, Spawner: spawner}
		if s.HealthcheckCommand != "" {
			hc := detector.HealthCheck(s.HealthcheckCommand, filepath.Join(s.InitDir, svc), svc)
			hc.Env = base.Merge([]string{"RC_SVCNAME=" + svc})
			o.HealthCheck = hc
		}
		return o
	})

	sctx := stopper.WithContext(ctx)
	if s.MetricsListen != "" {
		if err := serveMetrics(sctx, s, master, log); err != nil {
			return err
		}
	}
	sctx.Go(func(c *stopper.Context) error {
		err := master.Serve(c)
		if err != nil {
			c.Stop(shutdownGrace)
		}
		return err
	})
	go func() {
		select {
		case <-ctx.Done():
			log.Info("shutting down")
			sctx.Stop(shutdownGrace)
		case <-sctx.Stopping():
		}
	}()
	return sctx.Wait()
}

// serveMetrics exposes the supervision metrics and per child resource
// samples on settings.MetricsListen.
func serveMetrics(sctx *stopper.Context, s config.Settings, master *supervisor.Master, log *slog.Logger) error {
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return err
	}
	coll := metrics.NewChildCollector(metrics.ChildConfig{Enabled: true})
	if err := coll.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
		return err
	}
	coll.Start(sctx, master.PIDs)
	sctx.Defer(coll.Stop)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: s.MetricsListen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	sctx.Go(func(c *stopper.Context) error {
		go func() {
			<-c.Stopping()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		log.Info("serving metrics", "listen", s.MetricsListen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server", "error", err)
		}
		return nil
	})
	return nil
}
