package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sneakersync/sneakersync/internal/config"
	"github.com/sneakersync/sneakersync/internal/logging"
	"github.com/sneakersync/sneakersync/internal/sync"
	"github.com/sneakersync/sneakersync/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	home, _        = os.UserHomeDir()
	configFileName = "config"
	envPrefix      = "SNEAKERSYNC"
)

var rootCmd = &cobra.Command{
	Use:   "sneakersync",
	Short: "Offline sync between a local folder and a removable drive",
	Long: `sneakersync keeps a local folder and a folder on a removable drive in step.
Every run first replays what other machines recorded on the drive, then pushes
local changes (creations, edits, renames, deletions) back onto it.`,
	Version: version.Detailed(),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		logger, err := newLogger(cmd, cfg)
		if err != nil {
			return err
		}
		defer logger.Close()
		slog.SetDefault(logger.Logger)

		engine, err := sync.New(cfg, sync.WithLogger(logger.Logger))
		if err != nil {
			return err
		}

		cmd.SilenceUsage = true
		report, runErr := engine.Run(cmd.Context())
		if report != nil {
			printSummary(cmd, report)
			if cfg.ReportPath != "" {
				if err := report.Save(cfg.ReportPath); err != nil {
					slog.Error("save report", "path", cfg.ReportPath, "error", err)
					runErr = errors.Join(runErr, err)
				}
			}
		}
		return runErr
	},
}

func init() {
	addFlags(rootCmd)
}

func addFlags(cmd *cobra.Command) {
	cmd.Flags().SortFlags = false
	cmd.PersistentFlags().StringP("config", "c", "", "config file (json, yaml or toml)")
	cmd.PersistentFlags().String("pc-root", "", "local replica directory")
	cmd.PersistentFlags().String("usb-root", "", "removable replica directory")
	cmd.PersistentFlags().String("db-name", config.DefaultDBName, "metadata store file name")
	cmd.Flags().String("log", config.DefaultLogPath, "log file, appended to on every run")
	cmd.Flags().BoolP("dry-run", "n", false, "report what would change without touching anything")
	cmd.Flags().String("machine-name", "", "name recorded with every change (default hostname)")
	cmd.Flags().String("conflict-policy", string(config.DefaultPolicy), "newer-wins or keep-both")
	cmd.Flags().StringSlice("exclude", nil, "glob of local paths to leave out (repeatable)")
	cmd.Flags().Int("copy-attempts", config.DefaultCopyAttempts, "copies tried before a file is reported as failed")
	cmd.Flags().Duration("copy-backoff", config.DefaultCopyBackoff, "wait between copy attempts, multiplied by the attempt number")
	cmd.Flags().String("report", "", "write a run report to this path (.yaml/.yml for YAML, JSON otherwise)")
	cmd.Flags().BoolP("verbose", "v", false, "debug logging")
}

func main() {
	// optional .env next to the working directory
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// loadConfig merges, from lowest to highest priority: the config file,
// SNEAKERSYNC_* environment variables and explicitly set flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v := viper.New()

	if f := cmd.Flag("config"); f != nil && f.Changed {
		v.SetConfigFile(f.Value.String())
	} else {
		v.AddConfigPath(filepath.Join(home, ".sneakersync"))
		v.AddConfigPath(filepath.Join(home, ".config", "sneakersync"))
		v.SetConfigName(configFileName)
		v.SetConfigType("json")
	}

	if err := v.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		var notFound viper.ConfigFileNotFoundError
		if !enoent && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config read '%s': %w", v.ConfigFileUsed(), err)
		}
	}

	for key, flag := range map[string]string{
		"pc_root":         "pc-root",
		"usb_root":        "usb-root",
		"db_name":         "db-name",
		"log":             "log",
		"dry_run":         "dry-run",
		"machine_name":    "machine-name",
		"conflict_policy": "conflict-policy",
		"exclude":         "exclude",
		"copy_attempts":   "copy-attempts",
		"copy_backoff":    "copy-backoff",
		"report":          "report",
	} {
		if f := cmd.Flags().Lookup(flag); f != nil {
			v.BindPFlag(key, f)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	cfg := &config.Config{
		PCRoot:         v.GetString("pc_root"),
		USBRoot:        v.GetString("usb_root"),
		DBName:         v.GetString("db_name"),
		LogPath:        v.GetString("log"),
		DryRun:         v.GetBool("dry_run"),
		MachineName:    v.GetString("machine_name"),
		ConflictPolicy: config.ConflictPolicy(v.GetString("conflict_policy")),
		Excludes:       v.GetStringSlice("exclude"),
		CopyAttempts:   v.GetInt("copy_attempts"),
		CopyBackoff:    v.GetDuration("copy_backoff"),
		ReportPath:     v.GetString("report"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cmd *cobra.Command, cfg *config.Config) (*logging.Logger, error) {
	level := slog.LevelInfo
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	}
	return logging.New(logging.Options{
		Console:  cmd.ErrOrStderr(),
		FilePath: cfg.LogPath,
		Level:    level,
	})
}

func printSummary(cmd *cobra.Command, report *sync.Report) {
	out := cmd.OutOrStdout()
	title := "sync summary"
	if report.DryRun {
		title = "dry run summary"
	}
	elapsed := report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond)
	fmt.Fprintf(out, "%s %s\n", cyan.Render(title), gray.Render("("+elapsed.String()+")"))
	summary := report.Summary()
	if summary == "" {
		fmt.Fprintln(out, gray.Render("  nothing to do"))
	}
	for _, line := range splitLines(summary) {
		fmt.Fprintf(out, "  %s\n", green.Render(line))
	}
	for _, o := range report.Failures() {
		fmt.Fprintf(out, "  %s %s %s: %s\n", red.Render("failed:"), o.Action, o.Path, o.Error)
	}
}
