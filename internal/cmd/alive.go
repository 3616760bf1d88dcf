package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/jobtrail/internal/observability"
	"github.com/3leaps/jobtrail/pkg/batch"
)

var aliveCmd = &cobra.Command{
	Use:   "alive",
	Short: "Apply batch system job state to instances",
	Long: `Read batch system job reports and apply them to instances.

Reports are a bjobs-style JSON document ({"RECORDS": [...]}) or one JSON
object per line, each with JOBID, JOB_NAME, STAT and EXEC_HOST. JOB_NAME
must be <job id>.<instance id>. STAT codes are mapped to major statuses
(PEND=Submitted, RUN/PSUSP/USUSP/SSUSP=Running, DONE=Done, EXIT=Failed,
ZOMBI=Terminated).

Reports for unknown instances fail; reports that would leave a final
status are skipped. The command exits non-zero if any report failed.`,
	Example: `  bjobs -o "jobid job_name stat exec_host" -json | jobtrail alive
  jobtrail alive --file reports.jsonl --rate 20
  jobtrail alive --file reports.json --watch 1m`,
	Args: cobra.NoArgs,
	RunE: runAlive,
}

func init() {
	rootCmd.AddCommand(aliveCmd)

	aliveCmd.Flags().String("file", "-", "Reports file (- for stdin)")
	aliveCmd.Flags().Float64("rate", 0, "Reports applied per second (default: alive.rate)")
	aliveCmd.Flags().Duration("watch", 0, "Re-read the reports at this interval until interrupted")
	addJSONFlag(aliveCmd)
}

func runAlive(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	path, _ := cmd.Flags().GetString("file")
	watch, _ := cmd.Flags().GetDuration("watch")

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	rateLimit := a.cfg.Alive.Rate
	if cmd.Flags().Changed("rate") {
		rateLimit, _ = cmd.Flags().GetFloat64("rate")
	}
	updater := batch.NewUpdater(a.manager, batch.UpdaterOptions{
		Rate:   rateLimit,
		Burst:  a.cfg.Alive.Burst,
		Logger: a.logger,
	})
	poller := batch.ReaderPoller{Path: path, Stdin: cmd.InOrStdin()}

	if watch <= 0 {
		res, err := updater.Run(ctx, poller)
		if err != nil {
			return err
		}
		if err := printAliveResult(cmd, res); err != nil {
			return err
		}
		return res.Err()
	}
	if path == "-" {
		return exitError(foundry.ExitInvalidArgument, "--watch needs --file", nil)
	}
	return watchAlive(ctx, cmd, updater, poller, watch)
}

func watchAlive(ctx context.Context, cmd *cobra.Command, updater *batch.Updater, poller batch.Poller, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		res, err := updater.Run(ctx, poller)
		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil:
			observability.CLILogger.Warn("Poll failed", zap.Error(err))
		default:
			if err := printAliveResult(cmd, res); err != nil {
				return err
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func printAliveResult(cmd *cobra.Command, res *batch.Result) error {
	out := cmd.OutOrStdout()
	if wantJSON(cmd) {
		failures := make([]string, 0, len(res.Errors))
		for _, e := range res.Errors {
			failures = append(failures, e.Error())
		}
		return printJSON(out, struct {
			*batch.Result
			Failures []string `json:"failures"`
		}{res, failures})
	}
	_, err := fmt.Fprintf(out, "applied=%d skipped=%d failed=%d (%s)\n",
		res.Applied, res.Skipped, res.Failed, res.Duration.Round(time.Millisecond))
	return err
}
