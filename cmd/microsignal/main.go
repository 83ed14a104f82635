package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/sawpanic/microsignal/internal/config"
	mlog "github.com/sawpanic/microsignal/internal/log"
)

const appName = "microsignal"

// Set at build time with -ldflags "-X main.version=... -X main.buildStamp=..."
var (
	version    = "v0.4.0"
	buildStamp = "dev"
)

type globalFlags struct {
	configPath string
	envFile    string
	logLevel   string
	logFormat  string
}

func (g *globalFlags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&g.configPath, "config", "c", "", "Path to YAML config file")
	fs.StringVar(&g.envFile, "env-file", "", "Path to .env file (default: ./.env when present)")
	fs.StringVar(&g.logLevel, "log-level", "", "Log level override (debug|info|warn|error)")
	fs.StringVar(&g.logFormat, "log-format", "", "Log format override (auto|console|json)")
}

// load reads config and builds the root logger, applying flag overrides last
func (g *globalFlags) load() (config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(g.configPath, g.envFile)
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	if g.logLevel != "" {
		cfg.LogLevel = g.logLevel
	}
	if g.logFormat != "" {
		cfg.LogFormat = g.logFormat
	}
	logger, err := mlog.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	return cfg, logger.With().Str("app", appName).Logger(), nil
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Real-time trading microstructure analytics",
		Version: version,
		Long: `microsignal ingests trades, quotes and order books, derives order flow,
spread, depth and VPIN analytics per symbol, and fuses price, sentiment,
on-chain and whale flow signals into aggregates that are buffered in Redis
and published to Kafka.`,
		SilenceUsage: true,
	}
	flags.register(rootCmd.PersistentFlags())

	rootCmd.AddCommand(newServeCmd(flags))
	rootCmd.AddCommand(newReplayCmd(flags))
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (build %s, %s)\n", appName, version, buildStamp, runtime.Version())
		},
	})
	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
