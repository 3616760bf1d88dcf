// Package handlers implements the jobtrail HTTP endpoints.
package handlers

import (
	"context"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/3leaps/jobtrail/pkg/batch"
	"github.com/3leaps/jobtrail/pkg/workflow"
)

// MaxReportBytes bounds a POST /v1/alive body.
const MaxReportBytes = 8 << 20

// ReportApplier applies batch reports. *batch.Updater implements it.
type ReportApplier interface {
	Apply(ctx context.Context, reports []batch.Report) (*batch.Result, error)
}

// APIOptions configures an API.
type APIOptions struct {
	// Updater serves POST /alive. Without it the route answers 404.
	Updater ReportApplier
	// NBins is the histogram size used when a request gives none.
	NBins  int
	Logger *zap.Logger
}

// API serves jobs and instances read from a Manager.
type API struct {
	manager *workflow.Manager
	updater ReportApplier
	nbins   int
	logger  *zap.Logger
}

// NewAPI returns an API over mgr.
func NewAPI(mgr *workflow.Manager, opts APIOptions) *API {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.NBins <= 0 {
		opts.NBins = workflow.DefaultBins
	}
	return &API{manager: mgr, updater: opts.Updater, nbins: opts.NBins, logger: opts.Logger}
}

// Routes returns the versioned routes, to be mounted under /v1.
func (a *API) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/jobs", a.listJobs)
	r.Route("/jobs/{ref}", func(r chi.Router) {
		r.Get("/", a.showJob)
		r.Get("/statuses", a.jobStatuses)
		r.Get("/resources", a.jobResources)
		r.Route("/instances/{id}", func(r chi.Router) {
			r.Get("/", a.showInstance)
			r.Get("/series/{kind}", a.instanceSeries)
			r.Get("/history", a.instanceHistory)
			r.Get("/reset", a.instanceReset)
			r.Get("/dependencies", a.instanceDependencies)
		})
	})
	if a.updater != nil {
		r.Post("/alive", a.alive)
	}
	return r
}

func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	if status, _ := Classify(err); status == http.StatusInternalServerError {
		a.logger.Error("Request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	respondWithError(w, r, err)
}

func (a *API) job(r *http.Request) (*workflow.Job, error) {
	return a.manager.GetJobByRef(r.Context(), chi.URLParam(r, "ref"))
}

func (a *API) instanceKey(r *http.Request) (workflow.InstanceKey, error) {
	job, err := a.job(r)
	if err != nil {
		return workflow.InstanceKey{}, err
	}
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return workflow.InstanceKey{}, badRequest("instance id must be a positive integer, got " + strconv.Quote(raw))
	}
	return workflow.InstanceKey{JobID: job.ID, InstanceID: id}, nil
}

type jobView struct {
	*workflow.Job
	Instances      int64    `json:"instances"`
	NEvents        int64    `json:"nevents"`
	DependencySlug []string `json:"dependency_slugs"`
}

func (a *API) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := a.manager.ListJobs(r.Context(), r.URL.Query().Get("match"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*workflow.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (a *API) showJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	job, err := a.job(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	view := jobView{Job: job}
	if view.Instances, err = a.manager.CountInstances(ctx, job.ID); err != nil {
		a.fail(w, r, err)
		return
	}
	if view.NEvents, err = a.manager.NEvents(ctx, job.ID); err != nil {
		a.fail(w, r, err)
		return
	}
	if view.DependencySlug, err = a.manager.DependencySlugs(ctx, job.ID); err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) jobStatuses(w http.ResponseWriter, r *http.Request) {
	job, err := a.job(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	counts, err := a.manager.AggregateStatuses(r.Context(), job.ID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":   job.ID,
		"total":    counts.Total(),
		"statuses": counts,
	})
}

func (a *API) jobResources(w http.ResponseWriter, r *http.Request) {
	nbins := a.nbins
	if raw := r.URL.Query().Get("nbins"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			a.fail(w, r, badRequest("nbins must be a positive integer, got "+strconv.Quote(raw)))
			return
		}
		nbins = n
	}
	job, err := a.job(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	summary, err := a.manager.AggregateResources(r.Context(), job.ID, nbins)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (a *API) showInstance(w http.ResponseWriter, r *http.Request) {
	key, err := a.instanceKey(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	inst, err := a.manager.GetInstance(r.Context(), key)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (a *API) instanceSeries(w http.ResponseWriter, r *http.Request) {
	key, err := a.instanceKey(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	kind, err := workflow.ParseMetricKind(chi.URLParam(r, "kind"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	inst, err := a.manager.GetInstance(r.Context(), key)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	points, err := inst.TimeSeries(kind)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, points)
}

func (a *API) instanceHistory(w http.ResponseWriter, r *http.Request) {
	key, err := a.instanceKey(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	field := workflow.HistoryField(r.URL.Query().Get("field"))
	inst, err := a.manager.GetInstance(r.Context(), key)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	labels, err := inst.StatusHistory.Labels(field)
	if err != nil {
		a.fail(w, r, badRequest(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"timestamps": inst.StatusHistory.Timestamps(),
		"labels":     labels,
		"entries":    inst.StatusHistory,
	})
}

func (a *API) instanceReset(w http.ResponseWriter, r *http.Request) {
	key, err := a.instanceKey(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	payload, err := a.manager.ResetPayload(r.Context(), key, r.URL.Query().Get("set"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (a *API) instanceDependencies(w http.ResponseWriter, r *http.Request) {
	key, err := a.instanceKey(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	required, err := parseOptionalStatus(r.URL.Query().Get("status"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	report, err := a.manager.ResolveDependencies(r.Context(), key, required)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ready":  report.Ready(),
		"report": report,
	})
}

func parseOptionalStatus(raw string) (workflow.Status, error) {
	if raw == "" {
		return "", nil
	}
	return workflow.ParseStatus(raw)
}

func (a *API) alive(w http.ResponseWriter, r *http.Request) {
	reports, err := batch.DecodeReports(io.LimitReader(r.Body, MaxReportBytes))
	if err != nil {
		a.fail(w, r, badRequest(err.Error()))
		return
	}
	res, err := a.updater.Apply(r.Context(), reports)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	failures := make([]string, 0, len(res.Errors))
	for _, e := range res.Errors {
		failures = append(failures, e.Error())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"applied":  res.Applied,
		"skipped":  res.Skipped,
		"failed":   res.Failed,
		"failures": failures,
	})
}
