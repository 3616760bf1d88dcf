// Package cmd implements the jobtrail command line.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/3leaps/jobtrail/internal/config"
	"github.com/3leaps/jobtrail/internal/observability"
)

// VersionInfo is stamped at build time.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

var versionInfo = VersionInfo{Version: "dev", Commit: "HEAD", BuildDate: "unknown"}

// SetVersionInfo records build metadata for the version command and the API.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo = VersionInfo{Version: version, Commit: commit, BuildDate: buildDate}
}

var (
	cfgFile  string
	verbose  bool
	dbPath   string
	bodiesOp string
)

var rootCmd = &cobra.Command{
	Use:   config.AppName,
	Short: "Track jobs, their instances and batch execution state",
	Long: `jobtrail keeps a catalog of jobs and their instances.

A job is a reusable unit-of-work definition with an optional body (input
files, output files, metadata variables). Each job owns numbered instances
whose status, resource samples and limits are tracked from submission to
completion. Batch system state is fed in with 'jobtrail alive'.

Configuration is read from jobtrail.yaml, the user config directory or the
file named by --config, then JOBTRAIL_* environment variables.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: ./jobtrail.yaml or user config dir)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Jobs database path or libsql URL (overrides store.path/store.url)")
	rootCmd.PersistentFlags().StringVar(&bodiesOp, "bodies", "", "Body store backend: memory, file or s3 (overrides bodies.backend)")
}

func loadConfig(cmd *cobra.Command, _ []string) error {
	observability.InitCLILogger(config.AppName, verbose)

	if cfgFile != "" {
		if err := os.Setenv(config.EnvPrefix+"_CONFIG", cfgFile); err != nil {
			return err
		}
	}
	overrides := map[string]any{}
	if dbPath != "" {
		if isURL(dbPath) {
			overrides["store"] = map[string]any{"url": dbPath}
		} else {
			overrides["store"] = map[string]any{"path": dbPath}
		}
	}
	if bodiesOp != "" {
		overrides["bodies"] = map[string]any{"backend": bodiesOp}
	}
	if _, err := config.Load(cmd.Context(), overrides); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	return nil
}

// Execute runs the root command.
func Execute() error {
	defer observability.Sync()
	return rootCmd.ExecuteContext(context.Background())
}
