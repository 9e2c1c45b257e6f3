package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/zen-systems/corectl/pkg/coreconfig"
	"github.com/zen-systems/corectl/pkg/corelog"
	"github.com/zen-systems/corectl/pkg/coremetrics"
	"github.com/zen-systems/corectl/pkg/endpoint"
	"github.com/zen-systems/corectl/pkg/executor"
	"github.com/zen-systems/corectl/pkg/model"
	"github.com/zen-systems/corectl/pkg/ratelimit"
	"github.com/zen-systems/corectl/pkg/resilience"
	"github.com/zen-systems/corectl/pkg/tracing"
)

var configDir string

func main() {
	rootCmd := &cobra.Command{
		Use:   "corectl",
		Short: "Asynchronous resource-control core for outbound API traffic",
		Long: `corectl runs one bounded queue, rate limiter, circuit breaker, and
retry policy per configured endpoint, and exposes their health as
Prometheus metrics.`,
	}
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", "", "config directory (defaults to ~/.corectl)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(callCmd())
	rootCmd.AddCommand(endpointsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// runtime bundles everything built from config: one Model per endpoint
// plus the pieces that must be stopped in reverse order on shutdown.
type runtime struct {
	models  map[string]*model.Model
	stopFns []func() error
}

func buildRuntime(cfg *coreconfig.Config, metrics *coremetrics.Metrics) (*runtime, error) {
	rt := &runtime{models: map[string]*model.Model{}}

	for name, epCfg := range cfg.Endpoints {
		ep, err := endpoint.New(endpoint.Config{
			Name:         name,
			Provider:     epCfg.Provider,
			Transport:    endpoint.Transport(epCfg.Transport),
			BaseURL:      epCfg.BaseURL,
			Path:         epCfg.Path,
			Method:       endpoint.Method(epCfg.Method),
			APIKeyEnv:    epCfg.APIKeyEnv,
			AuthTemplate: epCfg.AuthTemplate,
			AuthHeader:   epCfg.AuthHeader,
			SDKProvider:  epCfg.SDKProvider,
			Timeout:      time.Duration(epCfg.TimeoutMs) * time.Millisecond,
			Metrics:      metrics,
		})
		if err != nil {
			return nil, fmt.Errorf("endpoint %s: %w", name, err)
		}
		rt.stopFns = append(rt.stopFns, ep.Close)

		var limiter *ratelimit.TokenBucketLimiter
		var adaptive *ratelimit.AdaptiveLimiter
		if epCfg.RateLimit.Rate > 0 {
			limiter, err = ratelimit.New(ratelimit.Config{
				Rate:       epCfg.RateLimit.Rate,
				Period:     durationOrDefault(epCfg.RateLimit.PeriodMs, time.Second),
				MaxTokens:  epCfg.RateLimit.MaxTokens,
				MetricsKey: name,
				Metrics:    metrics,
			})
			if err != nil {
				return nil, fmt.Errorf("endpoint %s: rate limit: %w", name, err)
			}
			if epCfg.RateLimit.Adaptive {
				adaptive = ratelimit.NewAdaptive(limiter, ratelimit.AdaptiveConfig{
					SafetyFactor: epCfg.RateLimit.SafetyFactor,
					MinRate:      epCfg.RateLimit.MinRate,
				})
			}
		}

		var breaker *resilience.CircuitBreaker
		if epCfg.Breaker.Enabled {
			breaker = resilience.NewBreaker(resilience.BreakerConfig{
				FailureThreshold: epCfg.Breaker.FailureThreshold,
				RecoveryTime:     durationOrDefault(epCfg.Breaker.RecoveryTimeMs, 30*time.Second),
				HalfOpenMaxCalls: epCfg.Breaker.HalfOpenMaxCalls,
				MetricsKey:       name,
				Metrics:          metrics,
			})
		}

		retryPolicy := resilience.DefaultPolicy()
		if epCfg.Retry.MaxRetries > 0 {
			retryPolicy.MaxRetries = epCfg.Retry.MaxRetries
		}
		if epCfg.Retry.BaseDelayMs > 0 {
			retryPolicy.BaseDelay = time.Duration(epCfg.Retry.BaseDelayMs) * time.Millisecond
		}
		if epCfg.Retry.MaxDelayMs > 0 {
			retryPolicy.MaxDelay = time.Duration(epCfg.Retry.MaxDelayMs) * time.Millisecond
		}
		if epCfg.Retry.BackoffFactor > 0 {
			retryPolicy.BackoffFactor = epCfg.Retry.BackoffFactor
		}
		if epCfg.Retry.Jitter != nil {
			retryPolicy.Jitter = *epCfg.Retry.Jitter
		}
		retryPolicy.MetricsKey = name
		retryPolicy.Metrics = metrics

		exec, err := executor.NewRateLimited(executor.RateLimitedConfig{
			Executor: executor.Config{
				QueueCapacity:    epCfg.Queue.Capacity,
				EnqueueTimeout:   durationOrDefault(epCfg.Queue.EnqueueTimeoutMs, 100*time.Millisecond),
				ConcurrencyLimit: epCfg.Executor.ConcurrencyLimit,
				Name:             name,
				Metrics:          metrics,
			},
			LimitRequests: epCfg.Executor.LimitRequests,
			LimitTokens:   epCfg.Executor.LimitTokens,
			Interval:      durationOrDefault(epCfg.Executor.IntervalMs, 60*time.Second),
		})
		if err != nil {
			return nil, fmt.Errorf("endpoint %s: executor: %w", name, err)
		}
		exec.Start(context.Background())
		rt.stopFns = append(rt.stopFns, func() error { return exec.Stop(10 * time.Second) })

		m, err := model.New(model.Config{
			Endpoint: ep,
			Executor: exec,
			Limiter:  limiter,
			Adaptive: adaptive,
			Breaker:  breaker,
			Retry:    &retryPolicy,
		})
		if err != nil {
			return nil, fmt.Errorf("endpoint %s: model: %w", name, err)
		}
		rt.models[name] = m
	}

	return rt, nil
}

func (rt *runtime) stop() {
	for i := len(rt.stopFns) - 1; i >= 0; i-- {
		_ = rt.stopFns[i]()
	}
}

func durationOrDefault(ms int, def time.Duration) time.Duration {
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the core, exposing health and Prometheus metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := coreconfig.Load(configDir)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			logger := corelog.New(cfg.LogLevel)
			logger.Info().Str("config_dir", cfg.ConfigDir).Msg("loaded configuration")

			shutdownTracing, err := tracing.Setup(cmd.Context(), tracing.Config{ServiceName: "corectl"})
			if err != nil {
				return fmt.Errorf("setup tracing: %w", err)
			}
			defer func() { _ = shutdownTracing(context.Background()) }()

			reg := prometheus.NewRegistry()
			metrics := coremetrics.New(reg)

			rt, err := buildRuntime(cfg, metrics)
			if err != nil {
				return err
			}
			defer rt.stop()

			mux := http.NewServeMux()
			mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write([]byte(`{"ok":true}`))
			})
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

			srv := &http.Server{
				Addr:              cfg.MetricsAddr,
				Handler:           mux,
				ReadHeaderTimeout: 5 * time.Second,
			}

			go func() {
				logger.Info().Str("addr", srv.Addr).Msg("listening")
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Error().Err(err).Msg("server error")
				}
			}()

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
			<-stop

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				logger.Error().Err(err).Msg("graceful shutdown failed")
			}
			logger.Info().Msg("bye")
			return nil
		},
	}
}

func callCmd() *cobra.Command {
	var (
		endpointName string
		prompt       string
		modelName    string
	)

	cmd := &cobra.Command{
		Use:   "call",
		Short: "Send one call through a configured endpoint and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := coreconfig.Load(configDir)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			reg := prometheus.NewRegistry()
			metrics := coremetrics.New(reg)

			rt, err := buildRuntime(cfg, metrics)
			if err != nil {
				return err
			}
			defer rt.stop()

			m, ok := rt.models[endpointName]
			if !ok {
				return fmt.Errorf("no such endpoint %q", endpointName)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()

			resp, err := m.Send(ctx, endpoint.Request{
				Body: map[string]any{"model": modelName, "prompt": prompt},
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(resp.Body))
			return nil
		},
	}

	cmd.Flags().StringVar(&endpointName, "endpoint", "", "configured endpoint name")
	cmd.Flags().StringVar(&prompt, "prompt", "", "prompt text")
	cmd.Flags().StringVar(&modelName, "model", "", "model name")
	_ = cmd.MarkFlagRequired("endpoint")
	_ = cmd.MarkFlagRequired("prompt")
	return cmd
}

func endpointsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "endpoints",
		Short: "List configured endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := coreconfig.Load(configDir)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			for name, ep := range cfg.Endpoints {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", name, ep.Provider, ep.BaseURL)
			}
			return nil
		},
	}
}
