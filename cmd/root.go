package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/remedyd/remedy/internal/output"
	"github.com/remedyd/remedy/internal/safety"
	"github.com/remedyd/remedy/internal/store"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui        *output.UI
	dataStore store.Store

	verbose bool
)

// Set by Execute from goreleaser ldflags.
var (
	buildVersion = "dev"
	buildCommit  = "none"
	buildDate    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "remedy",
	Short: "Autonomous remediation engine for verification findings",
	Long: `remedy turns verification verdicts into applied code fixes.

It classifies findings into remediation issues, drafts minimal patches,
gates every change behind safety guardrails (kill switch, rate limits,
blast-radius caps, approval levels), applies patches atomically, and
rolls everything back when the health check regresses.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/remedy/config.yaml)")
}

func initConfig() {
	// If --config is explicitly set, use that file
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
			os.Exit(1)
		}

		configDir := filepath.Join(home, ".config", "remedy")
		viper.AddConfigPath(configDir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("REMEDY")
	viper.AutomaticEnv()

	home, _ := os.UserHomeDir()
	defaultConfigDir := filepath.Join(home, ".config", "remedy")

	viper.SetDefault("db_path", filepath.Join(defaultConfigDir, "remedy.db"))
	viper.SetDefault("workdir", ".")
	viper.SetDefault("anthropic.api_key", "")
	viper.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	viper.SetDefault("detect.group_window", 10)
	viper.SetDefault("generate.max_retries", 2)
	viper.SetDefault("generate.retry_on_validation_failure", false)
	viper.SetDefault("safety.rate_limit_window", "1h")
	viper.SetDefault("safety.rate_limit_max", 5)
	viper.SetDefault("safety.max_files_per_fix", 3)
	viper.SetDefault("safety.max_lines_per_fix", 200)
	viper.SetDefault("safety.max_files_per_run", 10)
	viper.SetDefault("safety.cooldown", "30m")
	viper.SetDefault("safety.exclude_paths", []string{})
	viper.SetDefault("suppress.allow", false)
	viper.SetDefault("suppress.rules", []string{})
	viper.SetDefault("health.command", "")
	viper.SetDefault("health.timeout", "5m")
	viper.SetDefault("review.timeout", "10m")

	// Read config file if it exists (optional)
	_ = viper.ReadInConfig()
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose
}

// getStore returns the shared store, initializing it on first call.
func getStore() (store.Store, error) {
	if dataStore != nil {
		return dataStore, nil
	}

	dbPath := viper.GetString("db_path")
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := s.Migrate(rootCmd.Context()); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	dataStore = s
	return dataStore, nil
}

// safetyConfig builds the guardrail configuration from viper.
func safetyConfig() safety.Config {
	return safety.Config{
		RateLimitWindow: viperDuration("safety.rate_limit_window", time.Hour),
		RateLimitMax:    viper.GetInt("safety.rate_limit_max"),
		MaxFilesPerFix:  viper.GetInt("safety.max_files_per_fix"),
		MaxLinesPerFix:  viper.GetInt("safety.max_lines_per_fix"),
		MaxFilesPerRun:  viper.GetInt("safety.max_files_per_run"),
		ExcludePaths:    viper.GetStringSlice("safety.exclude_paths"),
		Cooldown:        viperDuration("safety.cooldown", 30*time.Minute),
	}
}

func viperDuration(key string, fallback time.Duration) time.Duration {
	d := viper.GetDuration(key)
	if d <= 0 {
		return fallback
	}
	return d
}
