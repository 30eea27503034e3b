// Package cli implements the pullkit command-line interface.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/meigma/pullkit"
	"github.com/meigma/pullkit/cmd/pullkit/cli/config"
)

// Build information set via ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Global flags.
var (
	cfgFile string
	verbose bool
)

// globalKeys are the persistent flags that are also config keys.
var globalKeys = []string{
	"registry",
	"auth-url",
	"service",
	"username",
	"password",
	"anonymous",
	"insecure",
}

var rootCmd = &cobra.Command{
	Use:   "pullkit",
	Short: "Pull tokens, manifests and blobs from OCI registries",
	Long: `Pullkit is a client for the read side of the OCI Distribution API.

It exchanges credentials for bearer tokens, resolves manifests and indexes,
and streams blobs with digest verification.

Settings come from flags, PULLKIT_* environment variables and
$XDG_CONFIG_HOME/pullkit/config.yaml, in that order.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		return initConfig()
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "Config file (default $XDG_CONFIG_HOME/pullkit/config.yaml)")
	pf.String("registry", config.DefaultRegistry, "Registry URL")
	pf.String("auth-url", "", "Token service URL (default: discovered from the registry)")
	pf.String("service", "", "Token service name")
	pf.StringP("username", "u", "", "Username for the token service")
	pf.StringP("password", "p", "", "Password for the token service")
	pf.Bool("anonymous", false, "Do not send credentials")
	pf.Bool("insecure", false, "Use plain HTTP for registries given without a scheme")
	pf.BoolVarP(&verbose, "verbose", "v", false, "Enable verbose debug logging")

	for _, key := range globalKeys {
		//nolint:errcheck // flag is registered above
		viper.BindPFlag(key, pf.Lookup(key))
	}
	viper.SetDefault("progress", "auto")
	viper.SetDefault("download.jobs", config.DefaultJobs)

	rootCmd.Version = version
}

// Execute runs the root command.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, formatError(err))
	}
	return err
}

// initConfig loads the config file and environment. A missing default config
// file is fine; a missing --config file is not.
func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		dir, err := config.Dir()
		if err != nil {
			return err
		}
		viper.AddConfigPath(dir)
		viper.SetConfigName(strings.TrimSuffix(config.FileName, ".yaml"))
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("PULLKIT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile == "" && errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// loadConfig returns the effective settings.
func loadConfig() (config.Config, error) {
	var cfg config.Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Registry == "" {
		cfg.Registry = config.DefaultRegistry
	}
	if cfg.Download.Jobs <= 0 {
		cfg.Download.Jobs = config.DefaultJobs
	}
	return cfg, nil
}

// newClient creates a pullkit client from cfg.
func newClient(cfg config.Config) (*pullkit.Client, error) {
	opts := []pullkit.ClientOption{
		pullkit.WithInsecure(cfg.Insecure),
		pullkit.WithUserAgent("pullkit/" + version),
	}
	if cfg.AuthURL != "" {
		opts = append(opts, pullkit.WithAuthService(cfg.AuthURL, cfg.Service))
	}
	switch {
	case cfg.Anonymous:
		opts = append(opts, pullkit.WithAnonymous())
	case cfg.Username != "" || cfg.Password != "":
		opts = append(opts, pullkit.WithCredentials(cfg.Username, cfg.Password))
	}
	if verbose {
		opts = append(opts, pullkit.WithLogger(
			slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})),
		))
	}
	return pullkit.NewClient(cfg.Registry, opts...)
}

// setup loads config, builds a client and authenticates it for repository.
func setup(ctx context.Context, repository, action string) (*pullkit.Client, config.Config, string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, cfg, "", err
	}
	client, err := newClient(cfg)
	if err != nil {
		return nil, cfg, "", err
	}
	repository = normalizeRepository(client.Endpoint().Host, repository)

	tok, err := authenticate(ctx, client, repository, action)
	if err != nil {
		return nil, cfg, "", err
	}
	client.SetToken(tok)
	return client, cfg, repository, nil
}

// signalContext returns a context that is canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}

// formatError converts pullkit errors to user-friendly messages.
func formatError(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, context.Canceled):
		return "Error: operation canceled"
	case errors.Is(err, pullkit.ErrNotFound):
		return fmt.Sprintf("Error: not found: %v", err)
	case errors.Is(err, pullkit.ErrAuthFailed):
		return fmt.Sprintf("Error: token service refused the request (check your credentials): %v", err)
	case errors.Is(err, pullkit.ErrUnauthorized):
		if ch, ok := pullkit.ChallengeFromError(err); ok {
			return fmt.Sprintf("Error: unauthorized (registry asked for %s)", ch)
		}
		return "Error: unauthorized (check your credentials)"
	case errors.Is(err, pullkit.ErrDigestMismatch):
		return fmt.Sprintf("Error: content failed digest verification: %v", err)
	case errors.Is(err, pullkit.ErrSizeMismatch):
		return fmt.Sprintf("Error: content has the wrong size: %v", err)
	case errors.Is(err, pullkit.ErrInvalidInput):
		return fmt.Sprintf("Error: invalid input: %v", err)
	case errors.Is(err, pullkit.ErrUnsupportedMediaType):
		return fmt.Sprintf("Error: unsupported media type: %v", err)
	case errors.Is(err, pullkit.ErrMalformedResponse):
		return fmt.Sprintf("Error: unexpected registry response: %v", err)
	case errors.Is(err, pullkit.ErrRangeNotSupported):
		return fmt.Sprintf("Error: registry cannot resume downloads: %v", err)
	case errors.Is(err, pullkit.ErrNetwork):
		return fmt.Sprintf("Error: network failure: %v", err)
	default:
		return fmt.Sprintf("Error: %v", err)
	}
}
