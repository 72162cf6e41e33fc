package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/quantmind-br/rrdp-go/internal/app"
	"github.com/quantmind-br/rrdp-go/internal/config"
	"github.com/quantmind-br/rrdp-go/internal/utils"
	"github.com/quantmind-br/rrdp-go/pkg/version"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	verbose bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "rrdp [notification-uri...]",
	Short: "Sync RPKI repositories over RRDP",
	Long: `rrdp keeps a local cache of RPKI objects in sync with upstream
repositories using the RPKI Repository Delta Protocol (RFC 8182).

For every notification URI it fetches the notification document, then
either the full snapshot or the chain of deltas, verifies the advertised
SHA-256 digests and applies the published objects to the cache directory.`,
	Version: version.Short(),
	Args:    cobra.MinimumNArgs(1),
	RunE:    run,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ~/.rrdp/config.yaml)")
	rootCmd.PersistentFlags().StringP("cachedir", "d", "", "Repository cache directory")
	rootCmd.PersistentFlags().IntP("max-sessions", "j", config.DefaultMaxSessions, "Max concurrent repository sessions")
	rootCmd.PersistentFlags().Int("delta-limit", config.DefaultDeltaLimit, "Prefer a snapshot over delta chains longer than this (0=unlimited)")
	rootCmd.PersistentFlags().Bool("ignore-withdraw", false, "Leave withdrawn objects in place")
	rootCmd.PersistentFlags().Duration("timeout", config.DefaultTimeout, "Request timeout")
	rootCmd.PersistentFlags().String("user-agent", "", "Custom User-Agent")
	rootCmd.PersistentFlags().String("proxy", "", "Proxy URL for HTTPS fetches")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")

	_ = viper.BindPFlag("cache.directory", rootCmd.PersistentFlags().Lookup("cachedir"))
	_ = viper.BindPFlag("sync.max_sessions", rootCmd.PersistentFlags().Lookup("max-sessions"))
	_ = viper.BindPFlag("sync.delta_limit", rootCmd.PersistentFlags().Lookup("delta-limit"))
	_ = viper.BindPFlag("sync.ignore_withdraw", rootCmd.PersistentFlags().Lookup("ignore-withdraw"))
	_ = viper.BindPFlag("fetch.timeout", rootCmd.PersistentFlags().Lookup("timeout"))
	_ = viper.BindPFlag("fetch.user_agent", rootCmd.PersistentFlags().Lookup("user-agent"))
	_ = viper.BindPFlag("fetch.proxy_url", rootCmd.PersistentFlags().Lookup("proxy"))

	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logLevel := cfg.Logging.Level
	if verbose {
		logLevel = "debug"
	}
	log := utils.NewLogger(utils.LoggerOptions{
		Level:   logLevel,
		Format:  cfg.Logging.Format,
		Verbose: verbose,
	})

	orch, err := app.New(app.Options{
		Config: cfg,
		Logger: log,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return orch.Sync(ctx, args)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		out, err := config.Dump(cfg)
		if err != nil {
			return err
		}
		fmt.Print(out)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.Full())
	},
}
