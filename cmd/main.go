package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/acmacalister/tvtap"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "tvtap",
		Short: "Intercepting proxy that logs matching WebSocket and HTTP traffic as JSON lines",
		Long: "tvtap is an HTTP/HTTPS proxy that records selected WebSocket messages and HTTP\n" +
			"requests passing through it as one JSON object per line. Traffic is forwarded\n" +
			"unchanged.",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"path to config file (default: search ./tvtap.yaml, ~/.tvtap/tvtap.yaml, /etc/tvtap/tvtap.yaml)")

	root.AddCommand(
		newRunCmd(&configPath),
		newGenCACmd(&configPath),
		newGenConfigCmd(),
		newConfigCmd(&configPath),
		newCheckCmd(&configPath),
	)
	return root
}

func newRunCmd(configPath *string) *cobra.Command {
	var (
		addr    string
		output  string
		verbose bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the proxy",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := tvtap.LoadConfig(*configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if output != "" {
				cfg.Output.Path = output
			}
			if verbose {
				cfg.Logging.Level = "debug"
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&addr, "addr", "a", "", "proxy listen address (overrides server.addr)")
	cmd.Flags().StringVarP(&output, "output", "o", "", `record output file, "-" for stdout (overrides output.path)`)
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	return cmd
}

func run(ctx context.Context, cfg *tvtap.Config) error {
	logger, logCloser, err := cfg.Logging.NewLogger()
	if err != nil {
		return err
	}
	if logCloser != nil {
		defer func() { _ = logCloser.Close() }()
	}
	slog.SetDefault(logger)

	settings, err := cfg.Settings()
	if err != nil {
		return err
	}

	sink, err := tvtap.OpenSink(cfg.Output.Path)
	if err != nil {
		return err
	}
	defer func() { _ = sink.Close() }()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := tvtap.NewMetrics()

	interceptor := tvtap.NewInterceptor(settings, sink)
	interceptor.Logger = logger
	interceptor.Metrics = metrics

	if cfg.Webhook.Enabled {
		wf := tvtap.NewWebhookForwarder(cfg.Webhook.Endpoint(), cfg.Webhook.QueueSize)
		wf.Marker = cfg.Webhook.Marker
		wf.Client = &http.Client{Timeout: cfg.Webhook.Timeout}
		wf.Logger = logger
		wf.Metrics = metrics
		wf.Start(ctx)
		defer wf.Close()
		sink.AddListener(wf)
		logger.Info("webhook forwarding enabled", "url", wf.URL, "marker", wf.Marker)
	}

	var lines *tvtap.LineTracker
	if cfg.Lines.Enabled {
		lines = tvtap.NewLineTracker()
		lines.Logger = logger
		lines.Metrics = metrics
		lines.OnAdd = func(l tvtap.HorzLine) {
			logger.Info("horizontal line", "symbol", l.Symbol, "price", l.Price, "line_id", l.LineID)
		}
		lines.OnRemove = func(id string) {
			logger.Info("horizontal line removed", "line_id", id)
		}
		sink.AddListener(lines)
	}

	cm, created, err := tvtap.LoadOrCreateCA(cfg.TLS.CACert, cfg.TLS.CAKey, cfg.TLS.Organization)
	if err != nil {
		logger.Info("hint: run gen-ca to generate a new CA certificate")
		return fmt.Errorf("load CA certificate: %w", err)
	}
	if created {
		logger.Info("generated CA certificate", "cert", cfg.TLS.CACert, "key", cfg.TLS.CAKey)
		logger.Info("add the CA certificate to your browser trust store")
	}
	cm.Validity = time.Duration(cfg.TLS.CertValidityDays) * 24 * time.Hour
	cm.Metrics = metrics

	outbound, err := cfg.TransportOptions()
	if err != nil {
		return err
	}
	if outbound.Parent != nil {
		logger.Info("chaining through parent proxy", "parent", outbound.Parent.URL.Redacted())
	}

	proxy := tvtap.NewProxy(cfg.Server.Addr, cm, interceptor)
	proxy.Logger = logger
	proxy.Transport = outbound.Build()
	proxy.UpstreamTLS = outbound.TLSConfig()
	proxy.Parent = outbound.Parent
	proxy.Metrics = metrics
	proxy.AccessLog = tvtap.NewAccessLogger(logger)
	proxy.MaxBodyBytes = cfg.Capture.MaxBodyBytes
	proxy.ReadHeaderTimeout = cfg.Server.ReadHeaderTimeout
	proxy.IdleTimeout = cfg.Server.IdleTimeout

	health := tvtap.NewHealthChecker()
	health.AddCheck("proxy", func() error {
		if !proxy.Ready() {
			return errors.New("not listening")
		}
		return nil
	})

	if cfg.Admin.Addr != "" {
		admin := tvtap.NewAdminServer(cfg.Admin.Addr, settings, health)
		admin.Metrics = metrics
		admin.CertManager = cm
		admin.Lines = lines
		admin.Logger = logger
		go func() {
			if err := admin.ListenAndServe(ctx); err != nil {
				logger.Error("admin server", "error", err)
			}
		}()
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down...")
		health.SetAlive(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = proxy.Shutdown(shutdownCtx)
	}()

	logger.Info("starting proxy",
		"addr", cfg.Server.Addr,
		"ws_pattern", cfg.Capture.WSPattern,
		"http_pattern", cfg.Capture.HTTPPattern,
		"http_methods", strings.Join(settings.Filters.Methods(), ","),
	)
	logger.Info("configure your browser proxy to use this address")

	health.SetAlive(true)
	if err := proxy.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("proxy: %w", err)
	}
	return nil
}

func newGenCACmd(configPath *string) *cobra.Command {
	var (
		certPath string
		keyPath  string
		org      string
	)

	cmd := &cobra.Command{
		Use:   "gen-ca",
		Short: "Generate a new CA certificate and key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := tvtap.LoadConfig(*configPath)
			if err != nil {
				return err
			}
			if certPath == "" {
				certPath = cfg.TLS.CACert
			}
			if keyPath == "" {
				keyPath = cfg.TLS.CAKey
			}
			if org == "" {
				org = cfg.TLS.Organization
			}
			return generateCA(cmd.OutOrStdout(), certPath, keyPath, org)
		},
	}
	cmd.Flags().StringVar(&certPath, "ca-cert", "", "path to write the CA certificate (overrides tls.ca_cert)")
	cmd.Flags().StringVar(&keyPath, "ca-key", "", "path to write the CA private key (overrides tls.ca_key)")
	cmd.Flags().StringVar(&org, "ca-org", "", "organization name for the CA (overrides tls.organization)")
	return cmd
}

func generateCA(out io.Writer, certPath, keyPath, org string) error {
	if _, err := os.Stat(certPath); err == nil {
		return fmt.Errorf("CA certificate already exists at %s", certPath)
	}
	if _, err := os.Stat(keyPath); err == nil {
		return fmt.Errorf("CA key already exists at %s", keyPath)
	}

	certPEM, keyPEM, err := tvtap.GenerateCA(org, 10)
	if err != nil {
		return err
	}

	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return fmt.Errorf("write CA cert: %w", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return fmt.Errorf("write CA key: %w", err)
	}

	_, _ = fmt.Fprintf(out, "Generated %s and %s\n", certPath, keyPath)
	_, _ = fmt.Fprintln(out, "Add the CA certificate to your browser trust store.")
	return nil
}

func newGenConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gen-config [path]",
		Short: "Write an example config file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "tvtap.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if err := tvtap.WriteExampleConfig(path); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Generated %s\n", path)
			return nil
		},
	}
}

func newConfigCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := tvtap.LoadConfig(*configPath)
			if err != nil {
				return err
			}
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}

func newCheckCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and compile its patterns",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := tvtap.LoadConfig(*configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			s, err := cfg.Settings()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "host_pattern:    %q\n", s.Filters.Host.String())
			_, _ = fmt.Fprintf(out, "ws_pattern:      %q\n", s.Filters.Message.String())
			_, _ = fmt.Fprintf(out, "http_pattern:    %q\n", s.Filters.Request.String())
			_, _ = fmt.Fprintf(out, "http_methods:    %s\n", strings.Join(s.Filters.Methods(), ","))
			_, _ = fmt.Fprintf(out, "max_text_length: %d\n", s.MaxTextLength)
			_, _ = fmt.Fprintln(out, "config OK")
			return nil
		},
	}
}
