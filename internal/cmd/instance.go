package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/jobtrail/pkg/metric"
	"github.com/3leaps/jobtrail/pkg/workflow"
)

var instanceCmd = &cobra.Command{
	Use:     "instance",
	Aliases: []string{"inst"},
	Short:   "Manage job instances",
	Long: `Add instances to jobs and drive their status.

Instances are addressed as <job> <id>, where <job> is a job id or slug.`,
}

var instanceAddCmd = &cobra.Command{
	Use:   "add <job>",
	Short: "Add one instance",
	Args:  cobra.ExactArgs(1),
	RunE:  runInstanceAdd,
}

var instanceBulkCmd = &cobra.Command{
	Use:   "bulk <job> <count>",
	Short: "Add count default instances",
	Args:  cobra.ExactArgs(2),
	RunE:  runInstanceBulk,
}

var instanceListCmd = &cobra.Command{
	Use:   "list <job>",
	Short: "List a job's instances",
	Args:  cobra.ExactArgs(1),
	RunE:  runInstanceList,
}

var instanceShowCmd = &cobra.Command{
	Use:   "show <job> <id>",
	Short: "Show an instance",
	Args:  cobra.ExactArgs(2),
	RunE:  runInstanceShow,
}

var instanceStatusCmd = &cobra.Command{
	Use:   "status <job> <id> <major> [minor]",
	Short: "Set an instance's status",
	Long: `Set an instance's major and minor status.

Major statuses: New, Submitted, Running, Suspended, Done, Failed, Terminated.
Done, Failed and Terminated are final: from them only New is accepted.
An omitted minor status keeps the current one, except when leaving a final
status, where it falls back to the default.`,
	Args: cobra.RangeArgs(3, 4),
	RunE: runInstanceStatus,
}

var instanceSampleCmd = &cobra.Command{
	Use:   "sample <job> <id> <cpu|memory> <value>",
	Short: "Append a resource sample",
	Long: `Append a resource sample. The value is a number or a JSON list of
numbers for multi-process readings, e.g. '[12.5, 3]'.`,
	Args: cobra.ExactArgs(4),
	RunE: runInstanceSample,
}

var instanceSetCmd = &cobra.Command{
	Use:   "set <job> <id>",
	Short: "Set instance fields",
	Args:  cobra.ExactArgs(2),
	RunE:  runInstanceSet,
}

var instanceResetPayloadCmd = &cobra.Command{
	Use:   "reset-payload <job> <id>",
	Short: "Print the fresh-instance template for an instance",
	Args:  cobra.ExactArgs(2),
	RunE:  runInstanceResetPayload,
}

var instanceSeriesCmd = &cobra.Command{
	Use:   "series <job> <id> <cpu|memory>",
	Short: "Print a resource time series as [millis, value] pairs",
	Args:  cobra.ExactArgs(3),
	RunE:  runInstanceSeries,
}

var instanceCheckDepsCmd = &cobra.Command{
	Use:   "check-deps <job> <id>",
	Short: "Check the dependency instances with the same id",
	Args:  cobra.ExactArgs(2),
	RunE:  runInstanceCheckDeps,
}

func init() {
	rootCmd.AddCommand(instanceCmd)
	instanceCmd.AddCommand(instanceAddCmd, instanceBulkCmd, instanceListCmd, instanceShowCmd, instanceStatusCmd,
		instanceSampleCmd, instanceSetCmd, instanceResetPayloadCmd, instanceSeriesCmd, instanceCheckDepsCmd)

	instanceAddCmd.Flags().Int64("id", 0, "Explicit instance id (default: next free id)")
	instanceAddCmd.Flags().String("body", "", "Instance override body file (JSON or YAML)")
	instanceAddCmd.Flags().StringToString("var", nil, "Metadata variable override (repeatable, k=v)")

	instanceListCmd.Flags().StringSlice("status", nil, "Only instances with these major statuses")
	instanceListCmd.Flags().StringSlice("not-status", nil, "Skip instances with these major statuses")

	instanceShowCmd.Flags().Bool("log", false, "Print the instance log instead of the summary")
	instanceShowCmd.Flags().String("unit", string(workflow.UnitSeconds), "Time unit: s, min or hrs")

	f := instanceSetCmd.Flags()
	f.String("hostname", "", "Execution host")
	f.Int64("batch-id", 0, "Batch system job id")
	f.Int64("nevents", -1, "Number of processed events")
	f.Float64("cpu-max", 0, "CPU time limit in seconds (-1 for none)")
	f.Float64("mem-max", 0, "Memory limit (-1 for none)")
	f.String("log-file", "", "Replace the instance log with this file")
	f.Bool("pilot", false, "Mark the instance as a pilot")
	f.String("pilot-ref", "", "Pilot instance as <job>.<id>")
	f.Bool("apply-overrides", false, "Apply BATCH_OVERRIDE_* metadata to the limits")

	instanceResetPayloadCmd.Flags().String("set", "", "MetaData variables as k=v;k2=v2")
	instanceCheckDepsCmd.Flags().String("status", string(workflow.StatusDone), "Required dependency status")

	for _, c := range []*cobra.Command{instanceAddCmd, instanceListCmd, instanceShowCmd, instanceCheckDepsCmd} {
		addJSONFlag(c)
	}
}

func parseInstanceID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, exitError(foundry.ExitInvalidArgument, "invalid instance id", fmt.Errorf("must be a positive integer, got %q", raw))
	}
	return id, nil
}

func (a *app) instanceKey(cmd *cobra.Command, ref, rawID string) (workflow.InstanceKey, error) {
	id, err := parseInstanceID(rawID)
	if err != nil {
		return workflow.InstanceKey{}, err
	}
	job, err := a.manager.GetJobByRef(cmd.Context(), ref)
	if err != nil {
		return workflow.InstanceKey{}, err
	}
	return workflow.InstanceKey{JobID: job.ID, InstanceID: id}, nil
}

func runInstanceAdd(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	explicitID, _ := cmd.Flags().GetInt64("id")
	bodyPath, _ := cmd.Flags().GetString("body")
	vars, _ := cmd.Flags().GetStringToString("var")

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	job, err := a.manager.GetJobByRef(ctx, args[0])
	if err != nil {
		return err
	}
	var inst *workflow.Instance
	if bodyPath != "" {
		// #nosec G304 -- body path is user-provided by design
		data, err := os.ReadFile(bodyPath)
		if err != nil {
			return readError("read body", err)
		}
		inst = workflow.NewInstance(job.ID, job.ExecutionSite, time.Now().UTC())
		inst.Body = string(data)
	}
	added, err := a.manager.AddInstance(ctx, job.ID, inst, explicitID)
	if err != nil {
		return fmt.Errorf("add instance: %w", err)
	}
	if len(vars) > 0 {
		if err := a.manager.SetMetaDataVariables(ctx, added.Key(), vars); err != nil {
			return err
		}
	}
	a.logger.Info("Added instance", zap.String("instance", added.Key().String()))

	if wantJSON(cmd) {
		return printJSON(cmd.OutOrStdout(), added)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), added.InstanceID)
	return err
}

func runInstanceBulk(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	count, err := strconv.Atoi(args[1])
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "invalid count", fmt.Errorf("must be an integer, got %q", args[1]))
	}

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	job, err := a.manager.GetJobByRef(ctx, args[0])
	if err != nil {
		return err
	}
	n, err := a.manager.AddInstanceBulk(ctx, job.ID, count)
	if err != nil {
		return fmt.Errorf("add instances: %w", err)
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "Added %d instances to %s\n", n, job.Slug)
	return err
}

func parseStatuses(raw []string) ([]workflow.Status, error) {
	out := make([]workflow.Status, 0, len(raw))
	for _, r := range raw {
		st, err := workflow.ParseStatus(r)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func runInstanceList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	rawStatus, _ := cmd.Flags().GetStringSlice("status")
	rawNot, _ := cmd.Flags().GetStringSlice("not-status")

	var filter workflow.InstanceFilter
	var err error
	if filter.Status, err = parseStatuses(rawStatus); err != nil {
		return err
	}
	if filter.NotStatus, err = parseStatuses(rawNot); err != nil {
		return err
	}

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	job, err := a.manager.GetJobByRef(ctx, args[0])
	if err != nil {
		return err
	}
	insts, err := a.manager.ListInstances(ctx, job.ID, filter)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if wantJSON(cmd) {
		if insts == nil {
			insts = []*workflow.Instance{}
		}
		return printJSON(out, insts)
	}
	w := newTable(out)
	defer func() { _ = w.Flush() }()
	_, _ = fmt.Fprintln(w, "ID\tSTATUS\tMINOR\tHOST\tBATCH ID\tSITE\tUPDATED")
	for _, in := range insts {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			in.SixDigit(), in.Status, dash(in.MinorStatus), optString(in.Hostname), optInt(in.BatchID),
			in.Site, formatTime(in.LastUpdate))
	}
	return nil
}

func runInstanceShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	showLog, _ := cmd.Flags().GetBool("log")
	unit := workflow.TimeUnit(mustString(cmd, "unit"))

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	key, err := a.instanceKey(cmd, args[0], args[1])
	if err != nil {
		return err
	}
	inst, err := a.manager.GetInstance(ctx, key)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if showLog {
		for _, line := range inst.LogLines() {
			_, _ = fmt.Fprintln(out, line)
		}
		return nil
	}
	if wantJSON(cmd) {
		return printJSON(out, inst)
	}

	w := newTable(out)
	defer func() { _ = w.Flush() }()
	rows := [][2]string{
		{"Instance", inst.Key().String()},
		{"Status", string(inst.Status)},
		{"Minor", dash(inst.MinorStatus)},
		{"Site", string(inst.Site)},
		{"Host", optString(inst.Hostname)},
		{"Batch ID", optInt(inst.BatchID)},
		{"Pilot", strconv.FormatBool(inst.IsPilot)},
		{"Events", strconv.FormatInt(inst.NEvents, 10)},
		{"CPU limit", formatLimit(inst.CPUMax)},
		{"Memory limit", formatLimit(inst.MemMax)},
		{"Samples", fmt.Sprintf("cpu=%d memory=%d", len(inst.CPU), len(inst.Memory))},
		{"History", strconv.Itoa(len(inst.StatusHistory))},
		{"Created", formatTime(inst.CreatedAt)},
		{"Updated", formatTime(inst.LastUpdate)},
	}
	if inst.Status.IsFinal() {
		rows = append(rows,
			[2]string{"Wall time", metricString(a.manager.WallTime(ctx, key, unit))},
			[2]string{"CPU time", metricString(a.manager.CPUTime(ctx, key, unit))},
			[2]string{"Efficiency", metricString(a.manager.Efficiency(ctx, key))},
			[2]string{"Memory avg", metricString(a.manager.Memory(ctx, key, workflow.MemoryAverage))},
		)
	}
	for _, r := range rows {
		_, _ = fmt.Fprintf(w, "%s:\t%s\n", r[0], r[1])
	}
	return nil
}

func metricString(v float64, err error) string {
	if err != nil {
		return "-"
	}
	return strconv.FormatFloat(v, 'g', 6, 64)
}

func mustString(cmd *cobra.Command, name string) string {
	v, _ := cmd.Flags().GetString(name)
	return v
}

func runInstanceStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	major, err := workflow.ParseStatus(args[2])
	if err != nil {
		return err
	}
	minor := ""
	if len(args) == 4 {
		minor = args[3]
	}

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	key, err := a.instanceKey(cmd, args[0], args[1])
	if err != nil {
		return err
	}
	if err := a.manager.SetStatus(ctx, key, major, minor); err != nil {
		return err
	}
	a.logger.Info("Updated instance status", zap.String("instance", key.String()), zap.String("status", string(major)))
	return nil
}

func runInstanceSample(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	kind, err := workflow.ParseMetricKind(args[2])
	if err != nil {
		return err
	}
	var v metric.Value
	if err := json.Unmarshal([]byte(args[3]), &v); err != nil {
		return exitError(foundry.ExitInvalidArgument, fmt.Sprintf("invalid sample value %q", args[3]), err)
	}

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	key, err := a.instanceKey(cmd, args[0], args[1])
	if err != nil {
		return err
	}
	return a.manager.AppendSample(ctx, key, kind, v)
}

func parseKey(raw string) (workflow.InstanceKey, error) {
	i := strings.LastIndexByte(raw, '.')
	if i <= 0 {
		return workflow.InstanceKey{}, exitError(foundry.ExitInvalidArgument, "invalid instance reference", fmt.Errorf("must be <job>.<id>, got %q", raw))
	}
	id, err := parseInstanceID(raw[i+1:])
	if err != nil {
		return workflow.InstanceKey{}, err
	}
	return workflow.InstanceKey{JobID: raw[:i], InstanceID: id}, nil
}

func runInstanceSet(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	f := cmd.Flags()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	key, err := a.instanceKey(cmd, args[0], args[1])
	if err != nil {
		return err
	}

	changed := 0
	apply := func(name string, fn func() error) error {
		if !f.Changed(name) {
			return nil
		}
		changed++
		return fn()
	}

	steps := []struct {
		flag string
		fn   func() error
	}{
		{"hostname", func() error { return a.manager.SetHostname(ctx, key, mustString(cmd, "hostname")) }},
		{"batch-id", func() error {
			v, _ := f.GetInt64("batch-id")
			return a.manager.SetBatchID(ctx, key, v)
		}},
		{"nevents", func() error {
			v, _ := f.GetInt64("nevents")
			return a.manager.SetNEvents(ctx, key, v)
		}},
		{"cpu-max", func() error {
			v, _ := f.GetFloat64("cpu-max")
			return a.manager.SetCPUMax(ctx, key, v)
		}},
		{"mem-max", func() error {
			v, _ := f.GetFloat64("mem-max")
			return a.manager.SetMemMax(ctx, key, v)
		}},
		{"log-file", func() error {
			// #nosec G304 -- log path is user-provided by design
			data, err := os.ReadFile(mustString(cmd, "log-file"))
			if err != nil {
				return readError("read log", err)
			}
			return a.manager.SetLog(ctx, key, string(data))
		}},
		{"pilot", func() error {
			isPilot, _ := f.GetBool("pilot")
			var ref *workflow.InstanceKey
			if raw := mustString(cmd, "pilot-ref"); raw != "" {
				k, err := parseKey(raw)
				if err != nil {
					return err
				}
				ref = &k
			}
			return a.manager.SetPilot(ctx, key, isPilot, ref)
		}},
		{"apply-overrides", func() error { return a.manager.ApplyResourceOverrides(ctx, key) }},
	}
	for _, s := range steps {
		if err := apply(s.flag, s.fn); err != nil {
			return fmt.Errorf("set %s: %w", s.flag, err)
		}
	}
	if changed == 0 {
		return errors.New("nothing to set")
	}
	return nil
}

func runInstanceResetPayload(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	key, err := a.instanceKey(cmd, args[0], args[1])
	if err != nil {
		return err
	}
	payload, err := a.manager.ResetPayload(ctx, key, mustString(cmd, "set"))
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), payload)
}

func runInstanceSeries(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	kind, err := workflow.ParseMetricKind(args[2])
	if err != nil {
		return err
	}

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	key, err := a.instanceKey(cmd, args[0], args[1])
	if err != nil {
		return err
	}
	inst, err := a.manager.GetInstance(ctx, key)
	if err != nil {
		return err
	}
	points, err := inst.TimeSeries(kind)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), points)
}

func runInstanceCheckDeps(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	required, err := workflow.ParseStatus(mustString(cmd, "status"))
	if err != nil {
		return err
	}

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	key, err := a.instanceKey(cmd, args[0], args[1])
	if err != nil {
		return err
	}
	report, err := a.manager.ResolveDependencies(ctx, key, required)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if wantJSON(cmd) {
		return printJSON(out, struct {
			Ready bool `json:"ready"`
			*workflow.DependencyReport
		}{report.Ready(), report})
	}

	w := newTable(out)
	_, _ = fmt.Fprintln(w, "DEPENDENCY\tFOUND\tSTATUS\tSATISFIED")
	for _, s := range report.States {
		_, _ = fmt.Fprintf(w, "%s\t%t\t%s\t%t\n", s.Slug, s.Found, dash(string(s.Status)), s.Satisfied)
	}
	_ = w.Flush()
	if !report.Ready() {
		if err := report.Err(); err != nil {
			return err
		}
		return fmt.Errorf("instance %d: dependencies not in status %s", key.InstanceID, report.Required)
	}
	_, err = fmt.Fprintln(out, "ready")
	return err
}
