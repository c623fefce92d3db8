// Package main provides the CLI entry point for unicorn-tunnel.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/postalsys/unicorn-tunnel/internal/config"
	"github.com/postalsys/unicorn-tunnel/internal/gateway"
	"github.com/postalsys/unicorn-tunnel/internal/logging"
	"github.com/postalsys/unicorn-tunnel/internal/metrics"
	"github.com/postalsys/unicorn-tunnel/internal/remote"
	"github.com/postalsys/unicorn-tunnel/internal/wizard"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "unicorn-tunnel",
		Short:   "A two-endpoint encrypted SOCKS5 tunnel",
		Version: Version,
	}

	rootCmd.AddCommand(gatewayCmd())
	rootCmd.AddCommand(serverCmd())
	rootCmd.AddCommand(initCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func gatewayCmd() *cobra.Command {
	var configPath string
	var listen string
	var serverAddr string
	var password string
	var metricsListen string
	var logLevel string
	var logFormat string

	cmd := &cobra.Command{
		Use:   "gateway [local_host:local_port] [server_host:server_port:password]",
		Short: "Run the local SOCKS5 gateway",
		Long: `Run the local unauthenticated SOCKS5 front door that forwards every
accepted connection over a single encrypted TCP uplink to a remote server.`,
		Args: cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadOrBuildConfig(configPath, config.RoleGateway)
			if err != nil {
				return err
			}
			cfg.Role = config.RoleGateway

			if len(args) > 0 {
				cfg.GatewayListen = args[0]
			}
			if len(args) > 1 {
				addr, pw, err := splitServerArg(args[1])
				if err != nil {
					return fmt.Errorf("gateway: %w", err)
				}
				cfg.ServerAddr = addr
				cfg.Password = pw
			}
			applyFlagOverrides(cfg, listen, serverAddr, password, metricsListen, logLevel, logFormat)

			if err := cfg.Validate(); err != nil {
				return err
			}

			log := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
			registry := prometheus.NewRegistry()
			m := metrics.NewWithRegistry(registry)

			log.Info("starting gateway",
				logging.KeyLocalAddr, cfg.GatewayListen,
				logging.KeyRemoteAddr, cfg.ServerAddr)

			return runWithSignalHandling(func(ctx context.Context) error {
				maybeServeMetrics(ctx, cfg.MetricsListen, registry, log)
				return gateway.ListenAndServe(ctx, cfg.GatewayListen, cfg.ServerAddr, []byte(cfg.Password), log, m)
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")
	cmd.Flags().StringVar(&listen, "listen", "", "Local SOCKS5 listen address (overrides config/positional)")
	cmd.Flags().StringVar(&serverAddr, "server", "", "Remote server host:port (overrides config/positional)")
	cmd.Flags().StringVar(&password, "password", "", "Shared secret (overrides config)")
	cmd.Flags().StringVar(&metricsListen, "metrics-listen", "", "Address to serve /metrics on")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "debug, info, warn, or error")
	cmd.Flags().StringVar(&logFormat, "log-format", "", "text or json")

	return cmd
}

func serverCmd() *cobra.Command {
	var configPath string
	var listen string
	var password string
	var metricsListen string
	var logLevel string
	var logFormat string
	var acceptRate float64

	cmd := &cobra.Command{
		Use:   "server [password]",
		Short: "Run the remote tunnel server",
		Long: `Run the remote server that terminates the encrypted uplink from a
gateway, decrypts the inner request frame, and dials the true target. The
single positional argument, if given, is the shared secret, mirroring the
original CLI's "server <password>" shape; the listen address is set via
--listen or a config file.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadOrBuildConfig(configPath, config.RoleServer)
			if err != nil {
				return err
			}
			cfg.Role = config.RoleServer

			if len(args) > 0 {
				cfg.Password = args[0]
			}
			applyFlagOverrides(cfg, listen, "", password, metricsListen, logLevel, logFormat)
			if acceptRate > 0 {
				cfg.AcceptRatePerSecond = acceptRate
			}
			if cfg.Password == "" {
				cfg.Password = config.DefaultPassword
			}

			if err := cfg.Validate(); err != nil {
				return err
			}
			if cfg.Password == config.DefaultPassword {
				fmt.Fprintln(os.Stderr, "warning: running with the default password; set --password or a config file")
			}

			log := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
			registry := prometheus.NewRegistry()
			m := metrics.NewWithRegistry(registry)

			log.Info("starting server", logging.KeyLocalAddr, cfg.ServerListen)

			return runWithSignalHandling(func(ctx context.Context) error {
				maybeServeMetrics(ctx, cfg.MetricsListen, registry, log)
				return remote.ListenAndServe(ctx, cfg.ServerListen, []byte(cfg.Password), cfg.AcceptRatePerSecond, log, m)
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")
	cmd.Flags().StringVar(&listen, "listen", "", "Listen address (overrides config/positional)")
	cmd.Flags().StringVar(&password, "password", "", "Shared secret (overrides config)")
	cmd.Flags().StringVar(&metricsListen, "metrics-listen", "", "Address to serve /metrics on")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "debug, info, warn, or error")
	cmd.Flags().StringVar(&logFormat, "log-format", "", "text or json")
	cmd.Flags().Float64Var(&acceptRate, "accept-rate", 0, "Max accepted connections per second (0 = unlimited)")

	return cmd
}

func initCmd() *cobra.Command {
	var outPath string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Interactively generate a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			var existing *config.Config
			if _, err := os.Stat(outPath); err == nil {
				existing, _ = config.Load(outPath)
			}

			w := wizard.New(existing)
			cfg, err := w.Run()
			if err != nil {
				return err
			}

			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("marshal config: %w", err)
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write %s: %w", outPath, err)
			}

			fmt.Printf("Wrote %s (%s)\n", outPath, humanize.Bytes(uint64(len(data))))
			return nil
		},
	}

	cmd.Flags().StringVarP(&outPath, "out", "o", "config.yaml", "Path to write the generated config file")

	return cmd
}

// splitServerArg parses the gateway's "server_host:server_port:password"
// positional argument into a bare host:port address and a password, mirroring
// the original CLI's `Rhost, Rport, Rpasswd = sys.argv[2].split(":")`.
func splitServerArg(s string) (addr, password string, err error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", fmt.Errorf("expected server_host:server_port:password, got %q", s)
	}
	return parts[0] + ":" + parts[1], parts[2], nil
}

func loadOrBuildConfig(path string, role config.Role) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	cfg := config.Default()
	cfg.Role = role
	return cfg, nil
}

func applyFlagOverrides(cfg *config.Config, listen, serverAddr, password, metricsListen, logLevel, logFormat string) {
	if listen != "" {
		if cfg.Role == config.RoleGateway {
			cfg.GatewayListen = listen
		} else {
			cfg.ServerListen = listen
		}
	}
	if serverAddr != "" {
		cfg.ServerAddr = serverAddr
	}
	if password != "" {
		cfg.Password = password
	}
	if metricsListen != "" {
		cfg.MetricsListen = metricsListen
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logFormat != "" {
		cfg.LogFormat = logFormat
	}
}

// maybeServeMetrics starts a /metrics endpoint in the background if addr is
// non-empty, scraping the private registry rather than the global default so
// a gateway and a server sharing a process never collide.
func maybeServeMetrics(ctx context.Context, addr string, registry *prometheus.Registry, log *slog.Logger) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server failed", logging.KeyError, err)
		}
	}()
}

func runWithSignalHandling(run func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	err := run(ctx)
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}
