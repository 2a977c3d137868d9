// Package cmd provides the CLI commands for go-lifetime.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"
	"go.uber.org/zap/zapcore"
)

var (
	cfgFile string
	natsURL string
	nodeID  string
	domain  string
	verbose bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "go-lifetime",
	Short: "Lease-based lifetime management over NATS",
	Long: `go-lifetime runs a lease service: objects get a lease that
expires unless it is renewed, either by the caller or by sponsors that are
asked for more time when the lease runs out.

Use go-lifetime to run the service, serve sponsors and manage leases.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HOME/.go-lifetime.yaml)")
	rootCmd.PersistentFlags().StringVarP(&natsURL, "nats", "n", "", "NATS server URL (default nats://localhost:4222)")
	rootCmd.PersistentFlags().StringVar(&nodeID, "node", "", "Node ID (default: hostname)")
	rootCmd.PersistentFlags().StringVarP(&domain, "domain", "d", "", "Lease domain")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")

	_ = viper.BindPFlag("nats_url", rootCmd.PersistentFlags().Lookup("nats"))
	_ = viper.BindPFlag("node_id", rootCmd.PersistentFlags().Lookup("node"))
	_ = viper.BindPFlag("domain", rootCmd.PersistentFlags().Lookup("domain"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))

	viper.SetEnvPrefix("LIFETIME")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	_ = viper.BindEnv("nats_url", "LIFETIME_NATS_URL", "NATS_URL")
	_ = viper.BindEnv("node_id", "LIFETIME_NODE_ID", "NODE_ID")
	_ = viper.BindEnv("domain", "LIFETIME_DOMAIN")
	viper.SetDefault("nats_url", "nats://localhost:4222")
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintln(os.Stderr, "Warning: could not find home directory:", err)
		} else {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/go-lifetime")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".go-lifetime")
	}

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		if viper.GetBool("verbose") {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}

func getNATSURL() string {
	return viper.GetString("nats_url")
}

// getNodeID returns the node ID from config, flag, or hostname.
func getNodeID() string {
	if id := viper.GetString("node_id"); id != "" {
		return id
	}
	hostname, _ := os.Hostname()
	return hostname
}

func getDomain() (string, error) {
	d := viper.GetString("domain")
	if d == "" {
		return "", fmt.Errorf("domain is required (use --domain or set LIFETIME_DOMAIN)")
	}
	return d, nil
}

// newLogger builds a slog logger backed by zap. Debug output is enabled by
// --verbose.
func newLogger() (*slog.Logger, func()) {
	level := zapcore.InfoLevel
	if viper.GetBool("verbose") {
		level = zapcore.DebugLevel
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalColorLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), zapcore.AddSync(os.Stderr), level)
	zl := zap.New(core)

	logger := slog.New(zapslog.NewHandler(zl.Core(), zapslog.WithCaller(true)))
	slog.SetDefault(logger)
	return logger, func() { _ = zl.Sync() }
}
