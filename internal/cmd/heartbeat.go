package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/3leaps/jobtrail/pkg/workflow"
)

var heartbeatCmd = &cobra.Command{
	Use:   "heartbeat",
	Short: "Record and list worker heartbeats",
}

var heartbeatBeatCmd = &cobra.Command{
	Use:   "beat [hostname]",
	Short: "Record a heartbeat (default hostname: this host)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runHeartbeatBeat,
}

var heartbeatListCmd = &cobra.Command{
	Use:   "list",
	Short: "List heartbeats",
	Args:  cobra.NoArgs,
	RunE:  runHeartbeatList,
}

func init() {
	rootCmd.AddCommand(heartbeatCmd)
	heartbeatCmd.AddCommand(heartbeatBeatCmd, heartbeatListCmd)

	heartbeatBeatCmd.Flags().String("process", workflow.DefaultProcess, "Process name")
	heartbeatBeatCmd.Flags().Float64("deltat", 0, "Measured round trip in seconds")
	heartbeatBeatCmd.Flags().String("app-version", "", "Reported application version (default: this build)")

	heartbeatListCmd.Flags().Float64("within", 1, "Mark heartbeats within this many days of now as alive")
	addJSONFlag(heartbeatBeatCmd)
	addJSONFlag(heartbeatListCmd)
}

func runHeartbeatBeat(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	process, _ := cmd.Flags().GetString("process")
	deltaT, _ := cmd.Flags().GetFloat64("deltat")
	appVersion, _ := cmd.Flags().GetString("app-version")
	if appVersion == "" {
		appVersion = versionInfo.Version
	}
	var host string
	if len(args) == 1 {
		host = args[0]
	} else {
		h, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("resolve hostname: %w", err)
		}
		host = h
	}

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	hb, err := a.manager.Beat(ctx, a.store, host, process, appVersion, deltaT)
	if err != nil {
		return err
	}
	if wantJSON(cmd) {
		return printJSON(cmd.OutOrStdout(), hb)
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s/%s at %s\n", hb.Hostname, hb.Process, formatTime(hb.Timestamp))
	return err
}

func runHeartbeatList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	within, _ := cmd.Flags().GetFloat64("within")

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	beats, err := a.store.ListHeartBeats(ctx)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if wantJSON(cmd) {
		if beats == nil {
			beats = []*workflow.HeartBeat{}
		}
		return printJSON(out, beats)
	}
	now := time.Now().UTC()
	w := newTable(out)
	defer func() { _ = w.Flush() }()
	_, _ = fmt.Fprintln(w, "HOST\tPROCESS\tVERSION\tLAST BEAT\tDELTAT\tALIVE")
	for _, hb := range beats {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%g\t%t\n",
			hb.Hostname, hb.Process, hb.Version, formatTime(hb.Timestamp), hb.DeltaT, hb.Alive(now, within))
	}
	return nil
}
