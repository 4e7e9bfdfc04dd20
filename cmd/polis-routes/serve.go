package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/polisai/polis-routes/internal/governance"
	certs "github.com/polisai/polis-routes/internal/tls"
	"github.com/polisai/polis-routes/pkg/config"
	"github.com/polisai/polis-routes/pkg/engine"
	"github.com/polisai/polis-routes/pkg/imageopt"
	"github.com/polisai/polis-routes/pkg/policy"
	"github.com/polisai/polis-routes/pkg/telemetry"
)

const telemetryShutdownTimeout = 5 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the data and admin listeners",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load(os.Stdout)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, logger)
		},
	}
}

// run orchestrates the service lifecycle until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	shutdownTelemetry, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName:  cfg.Telemetry.ServiceName,
		Endpoint:     cfg.Telemetry.OTLPEndpoint,
		Insecure:     cfg.Telemetry.Insecure,
		Environment:  cfg.Telemetry.Environment,
		ResourceTags: map[string]string{"log.level": cfg.Logging.Level},
	})
	if err != nil {
		return fmt.Errorf("telemetry initialization failed: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			logger.Warn("Telemetry shutdown failed", "error", err)
		}
	}()

	metrics := telemetry.NewMetrics()

	table, updates, closePolicy, err := openPolicy(cfg, metrics, logger)
	if err != nil {
		return err
	}
	defer closePolicy()

	holder := engine.NewPolicyHolder(table)
	publishRules(metrics, table)

	origin, err := url.Parse(cfg.Server.UpstreamURL)
	if err != nil {
		return fmt.Errorf("invalid upstream_url: %w", err)
	}

	var dataTransport http.RoundTripper = http.DefaultTransport
	breakers := map[string]*governance.BreakerTransport{}
	var imageTransport http.RoundTripper = http.DefaultTransport
	if cb := cfg.Server.CircuitBreaker; cb.Enabled {
		breakerCfg := breakerConfig(cb)
		breakers["origin"] = governance.NewBreakerTransport(http.DefaultTransport, breakerCfg, circuitObserver(metrics, logger))
		breakers["images"] = governance.NewBreakerTransport(http.DefaultTransport, breakerCfg, circuitObserver(metrics, logger))
		dataTransport = breakers["origin"]
		imageTransport = breakers["images"]
	}
	retryCfg := governance.DefaultRetryConfig()
	retryCfg.MaxRetries = cfg.Images.Retries
	imageTransport = governance.NewRetryTransport(imageTransport, retryCfg,
		func(req *http.Request, attempt, status int, err error) {
			metrics.RecordUpstreamRetry(req.URL.Host)
			logger.Debug("Retrying image fetch", "host", req.URL.Host, "attempt", attempt, "status", status, "error", err)
		})

	gate := imageopt.NewGate(holder)
	images := imageopt.NewHandler(
		gate,
		imageopt.NewFetchOptimizer(origin, cfg.Images.FetchTimeout,
			imageopt.WithGate(gate),
			imageopt.WithMaxBytes(cfg.Images.MaxBytes),
			imageopt.WithHTTPClient(&http.Client{Timeout: cfg.Images.FetchTimeout, Transport: imageTransport}),
		),
		logger,
	)

	dataSrv := &http.Server{
		Addr: cfg.Server.DataAddress,
		Handler: engine.NewDataHandler(engine.DataHandlerConfig{
			Holder:    holder,
			Origin:    origin,
			Transport: dataTransport,
			Images:    images,
			ImagePath: cfg.Images.Path,
			Metrics:   metrics,
			Logger:    logger,
		}),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}
	useTLS := cfg.Server.TLS != nil && cfg.Server.TLS.Enabled
	if useTLS {
		tlsCfg, closeCerts, err := serverTLS(cfg.Server.TLS, metrics, logger)
		if err != nil {
			return err
		}
		defer closeCerts()
		dataSrv.TLSConfig = tlsCfg
	}

	adminSrv := &http.Server{
		Addr:              cfg.Server.AdminAddress,
		Handler:           newAdminMux(metrics, holder, breakers),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	if updates != nil {
		g.Go(func() error {
			holder.Follow(gctx, updates, logger, func(t *policy.Table) {
				publishRules(metrics, t)
			})
			return nil
		})
	}

	g.Go(func() error {
		return serveListener(dataSrv, useTLS, logger.With("listener", "data"))
	})
	g.Go(func() error {
		return serveListener(adminSrv, false, logger.With("listener", "admin"))
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")

		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return errors.Join(dataSrv.Shutdown(sctx), adminSrv.Shutdown(sctx))
	})

	stats := table.Stats()
	logger.Info("Route policy loaded",
		"file", cfg.Policy.File,
		"watch", updates != nil,
		"header_rules", stats.HeaderRules,
		"rewrites", stats.RewriteRules,
		"redirects", stats.RedirectRules,
		"image_hosts", stats.ImageHosts,
	)
	if len(stats.IdentityRedirects) > 0 {
		logger.Warn("Redirect rules point at their own source", "rules", stats.IdentityRedirects)
	}

	return g.Wait()
}

// openPolicy compiles the configured policy. When watching is enabled it
// also returns the channel of reloaded tables.
func openPolicy(cfg *config.Config, metrics *telemetry.Metrics, logger *slog.Logger) (*policy.Table, <-chan *policy.Table, func(), error) {
	if cfg.Policy.File == "" || !cfg.Policy.Watch {
		table, err := config.LoadPolicy(cfg.Policy.File)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("route policy: %w", err)
		}
		return table, nil, func() {}, nil
	}

	provider, err := config.NewFileProvider(cfg.Policy.File, logger,
		config.WithReloadHook(func(_ *policy.Table, err error) {
			if err != nil {
				metrics.RecordPolicyReload("error")
				return
			}
			metrics.RecordPolicyReload("success")
		}),
	)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("route policy: %w", err)
	}

	closer := func() {
		if err := provider.Close(); err != nil {
			logger.Warn("Policy watcher close failed", "error", err)
		}
	}
	return provider.Current(), provider.Subscribe(), closer, nil
}

// serverTLS builds the data listener's TLS configuration. With watch
// enabled the key pair is served through a CertReloader.
func serverTLS(tc *config.TLSConfig, metrics *telemetry.Metrics, logger *slog.Logger) (*tls.Config, func(), error) {
	if !tc.Watch {
		tlsCfg, err := tc.ServerTLSConfig()
		return tlsCfg, func() {}, err
	}

	reloader, err := certs.NewCertReloader(tc.CertFile, tc.KeyFile, logger,
		certs.WithReloadCallback(func(err error) {
			if err != nil {
				metrics.RecordCertificateReload("error")
				return
			}
			metrics.RecordCertificateReload("success")
		}),
	)
	if err != nil {
		return nil, nil, err
	}
	if err := reloader.Watch(); err != nil {
		_ = reloader.Close()
		return nil, nil, err
	}

	closer := func() {
		if err := reloader.Close(); err != nil {
			logger.Warn("Certificate watcher close failed", "error", err)
		}
	}
	return &tls.Config{
		MinVersion:     tc.MinTLSVersion(),
		GetCertificate: reloader.GetCertificate,
	}, closer, nil
}

func breakerConfig(cb config.CircuitBreakerConfig) governance.BreakerConfig {
	return governance.BreakerConfig{
		MaxFailures:          cb.MaxFailures,
		OpenTimeout:          cb.OpenTimeout,
		HalfOpenProbes:       cb.HalfOpenProbes,
		Window:               cb.Window,
		FailureRateThreshold: cb.FailureRateThreshold,
		MinSamples:           cb.MinSamples,
	}
}

func circuitObserver(metrics *telemetry.Metrics, logger *slog.Logger) governance.StateChangeFunc {
	return func(host string, from, to governance.State) {
		metrics.SetCircuitState(host, string(to))
		logger.Warn("Upstream circuit changed state", "upstream", host, "from", from, "to", to)
	}
}

func publishRules(metrics *telemetry.Metrics, table *policy.Table) {
	stats := table.Stats()
	metrics.SetPolicyRules(stats.HeaderRules, stats.RewriteRules, stats.RedirectRules, stats.ImageHosts)
}

func serveListener(srv *http.Server, useTLS bool, logger *slog.Logger) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", srv.Addr, err)
	}
	logger.Info("Listening", "address", ln.Addr().String(), "tls", useTLS)

	if useTLS {
		err = srv.ServeTLS(ln, "", "")
	} else {
		err = srv.Serve(ln)
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// newAdminMux serves health, metrics, a summary of the active policy and
// the circuit state of each upstream group.
func newAdminMux(metrics *telemetry.Metrics, holder *engine.PolicyHolder, breakers map[string]*governance.BreakerTransport) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /policy", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(holder.Current().Stats())
	})
	mux.HandleFunc("GET /upstreams", func(w http.ResponseWriter, _ *http.Request) {
		out := make(map[string]map[string]governance.State, len(breakers))
		for group, b := range breakers {
			out[group] = b.States()
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	})
	return mux
}
