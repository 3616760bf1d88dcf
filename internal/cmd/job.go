package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/jobtrail/pkg/workflow"
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Manage jobs",
	Long: `Create, inspect and retire jobs.

Jobs are addressed by id or slug wherever <job> appears.`,
}

var jobCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a job",
	Long: `Create a job, optionally with a body document.

Examples:
  # Job with a YAML body and one dependency
  jobtrail job create --title "MC reco" --type Reconstruction --body reco.yaml --depends mc-gen

  # Pilot job running at CNAF
  jobtrail job create --title pilots --type Pilot --site CNAF`,
	Args: cobra.NoArgs,
	RunE: runJobCreate,
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	Args:  cobra.NoArgs,
	RunE:  runJobList,
}

var jobShowCmd = &cobra.Command{
	Use:   "show <job>",
	Short: "Show a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobShow,
}

var jobArchiveCmd = &cobra.Command{
	Use:   "archive <job>",
	Short: "Archive a job so no instances can be added",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return runJobArchive(cmd, args, true) },
}

var jobUnarchiveCmd = &cobra.Command{
	Use:   "unarchive <job>",
	Short: "Reopen an archived job",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return runJobArchive(cmd, args, false) },
}

var jobDependCmd = &cobra.Command{
	Use:   "depend <job> <dependency>",
	Short: "Declare that a job depends on another",
	Args:  cobra.ExactArgs(2),
	RunE:  runJobDepend,
}

var jobDeleteCmd = &cobra.Command{
	Use:   "delete <job>",
	Short: "Delete a job, its instances and its body",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobDelete,
}

var jobStatusesCmd = &cobra.Command{
	Use:   "statuses <job>",
	Short: "Count instances per status",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobStatuses,
}

var jobResourcesCmd = &cobra.Command{
	Use:   "resources <job>",
	Short: "Summarize per-instance CPU and memory maxima",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobResources,
}

func init() {
	rootCmd.AddCommand(jobCmd)
	jobCmd.AddCommand(jobCreateCmd, jobListCmd, jobShowCmd, jobArchiveCmd, jobUnarchiveCmd,
		jobDependCmd, jobDeleteCmd, jobStatusesCmd, jobResourcesCmd)

	f := jobCreateCmd.Flags()
	f.String("title", "", "Job title (required)")
	f.String("slug", "", "URL-safe slug (generated when empty)")
	f.String("type", string(workflow.JobTypeOther), "Job type")
	f.String("site", string(workflow.SiteLocal), "Execution site")
	f.String("release", "", "Software release tag")
	f.String("comment", "", "Free-form comment")
	f.String("body", "", "Body document file (JSON or YAML)")
	f.StringSlice("depends", nil, "Dependency job id or slug (repeatable)")
	f.Bool("monitor", false, "Enable resource monitoring")
	_ = jobCreateCmd.MarkFlagRequired("title")

	jobListCmd.Flags().String("match", "", "Glob over slug or title")
	jobShowCmd.Flags().Bool("body", false, "Print the job body instead of the summary")
	jobResourcesCmd.Flags().Int("nbins", 0, "Histogram bins (default from aggregate.nbins)")

	for _, c := range []*cobra.Command{jobCreateCmd, jobListCmd, jobShowCmd, jobStatusesCmd, jobResourcesCmd} {
		addJSONFlag(c)
	}
}

func runJobCreate(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	f := cmd.Flags()
	title, _ := f.GetString("title")
	slug, _ := f.GetString("slug")
	typ, _ := f.GetString("type")
	site, _ := f.GetString("site")
	release, _ := f.GetString("release")
	comment, _ := f.GetString("comment")
	bodyPath, _ := f.GetString("body")
	depends, _ := f.GetStringSlice("depends")
	monitor, _ := f.GetBool("monitor")

	jobType, err := workflow.ParseJobType(typ)
	if err != nil {
		return err
	}
	execSite, err := workflow.ParseSite(site)
	if err != nil {
		return err
	}
	var bodyData []byte
	if bodyPath != "" {
		// #nosec G304 -- body path is user-provided by design
		if bodyData, err = os.ReadFile(bodyPath); err != nil {
			return readError("read body", err)
		}
	}

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	deps := make([]string, 0, len(depends))
	for _, ref := range depends {
		dep, err := a.manager.GetJobByRef(ctx, ref)
		if err != nil {
			return fmt.Errorf("dependency %s: %w", ref, err)
		}
		deps = append(deps, dep.ID)
	}

	job, err := a.manager.CreateJob(ctx, &workflow.Job{
		Title:            title,
		Slug:             slug,
		Type:             jobType,
		ExecutionSite:    execSite,
		Release:          release,
		Comment:          comment,
		Dependencies:     deps,
		EnableMonitoring: monitor,
	}, bodyData)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	a.logger.Info("Created job", zap.String("id", job.ID), zap.String("slug", job.Slug))

	if wantJSON(cmd) {
		return printJSON(cmd.OutOrStdout(), job)
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", job.ID, job.Slug)
	return err
}

func runJobList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	match, _ := cmd.Flags().GetString("match")

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	jobs, err := a.manager.ListJobs(ctx, match)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}
	out := cmd.OutOrStdout()
	if wantJSON(cmd) {
		if jobs == nil {
			jobs = []*workflow.Job{}
		}
		return printJSON(out, jobs)
	}
	if len(jobs) == 0 {
		_, _ = fmt.Fprintln(cmd.ErrOrStderr(), "No jobs found")
		return nil
	}

	w := newTable(out)
	defer func() { _ = w.Flush() }()
	_, _ = fmt.Fprintln(w, "ID\tSLUG\tTITLE\tTYPE\tSITE\tINSTANCES\tARCHIVED\tCREATED")
	for _, j := range jobs {
		n, err := a.manager.CountInstances(ctx, j.ID)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%t\t%s\n",
			j.ID, j.Slug, j.Title, j.Type, j.ExecutionSite, n, j.Archived, formatTime(j.CreatedAt))
	}
	return nil
}

func runJobShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	showBody, _ := cmd.Flags().GetBool("body")

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	job, err := a.manager.GetJobByRef(ctx, args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if showBody {
		doc, err := a.manager.JobBody(ctx, job)
		if err != nil {
			return err
		}
		return printJSON(out, doc)
	}

	n, err := a.manager.CountInstances(ctx, job.ID)
	if err != nil {
		return err
	}
	nevents, err := a.manager.NEvents(ctx, job.ID)
	if err != nil {
		return err
	}
	deps, err := a.manager.DependencySlugs(ctx, job.ID)
	if err != nil {
		return err
	}

	if wantJSON(cmd) {
		return printJSON(out, struct {
			*workflow.Job
			Instances       int64    `json:"instances"`
			NEvents         int64    `json:"nevents"`
			DependencySlugs []string `json:"dependency_slugs"`
		}{job, n, nevents, deps})
	}

	w := newTable(out)
	defer func() { _ = w.Flush() }()
	rows := [][2]string{
		{"ID", job.ID},
		{"Slug", job.Slug},
		{"Title", job.Title},
		{"Type", string(job.Type)},
		{"Site", string(job.ExecutionSite)},
		{"Release", dash(job.Release)},
		{"Comment", job.Comment},
		{"Archived", strconv.FormatBool(job.Archived)},
		{"Monitoring", strconv.FormatBool(job.EnableMonitoring)},
		{"Body", dash(job.BodyRef)},
		{"Dependencies", dash(strings.Join(deps, ","))},
		{"Instances", strconv.FormatInt(n, 10)},
		{"Events", strconv.FormatInt(nevents, 10)},
		{"Created", formatTime(job.CreatedAt)},
	}
	for _, r := range rows {
		_, _ = fmt.Fprintf(w, "%s:\t%s\n", r[0], r[1])
	}
	return nil
}

func runJobArchive(cmd *cobra.Command, args []string, archive bool) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	job, err := a.manager.GetJobByRef(ctx, args[0])
	if err != nil {
		return err
	}
	if archive {
		err = a.manager.ArchiveJob(ctx, job.ID)
	} else {
		err = a.manager.UnarchiveJob(ctx, job.ID)
	}
	if err != nil {
		return err
	}
	a.logger.Info("Updated job", zap.String("id", job.ID), zap.Bool("archived", archive))
	return nil
}

func runJobDepend(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	job, err := a.manager.GetJobByRef(ctx, args[0])
	if err != nil {
		return err
	}
	dep, err := a.manager.GetJobByRef(ctx, args[1])
	if err != nil {
		return fmt.Errorf("dependency %s: %w", args[1], err)
	}
	return a.manager.AddDependency(ctx, job.ID, dep.ID)
}

func runJobDelete(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	job, err := a.manager.GetJobByRef(ctx, args[0])
	if err != nil {
		return err
	}
	n, err := a.manager.DeleteJob(ctx, job.ID)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "Deleted job %s and %d instances\n", job.ID, n)
	return err
}

func runJobStatuses(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	job, err := a.manager.GetJobByRef(ctx, args[0])
	if err != nil {
		return err
	}
	counts, err := a.manager.AggregateStatuses(ctx, job.ID)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if wantJSON(cmd) {
		return printJSON(out, counts)
	}
	w := newTable(out)
	defer func() { _ = w.Flush() }()
	_, _ = fmt.Fprintln(w, "STATUS\tCOUNT")
	for _, c := range counts {
		_, _ = fmt.Fprintf(w, "%s\t%d\n", c.Status, c.Count)
	}
	_, _ = fmt.Fprintf(w, "Total\t%d\n", counts.Total())
	return nil
}

func runJobResources(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	nbins, _ := cmd.Flags().GetInt("nbins")

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	if nbins == 0 {
		nbins = a.cfg.Aggregate.NBins
	}

	job, err := a.manager.GetJobByRef(ctx, args[0])
	if err != nil {
		return err
	}
	summary, err := a.manager.AggregateResources(ctx, job.ID, nbins)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if wantJSON(cmd) {
		return printJSON(out, summary)
	}
	w := newTable(out)
	defer func() { _ = w.Flush() }()
	_, _ = fmt.Fprintln(w, "RESOURCE\tMIN\tMAX\tMEAN\tMEDIAN")
	if summary.CPU != nil {
		_, _ = fmt.Fprintf(w, "cpu\t%g\t%g\t%g\t%g\n", summary.CPU.Min, summary.CPU.Max, summary.CPU.Mean, summary.CPU.Median)
	}
	if summary.Memory != nil {
		_, _ = fmt.Fprintf(w, "memory\t%g\t%g\t%g\t%g\n", summary.Memory.Min, summary.Memory.Max, summary.Memory.Mean, summary.Memory.Median)
	}
	return nil
}
