// Package dispatcher implements job creation and the asynchronous
// start-poll worker: submitting a job to the GPU execution fabric and
// polling its preparation state until it is ready to start.
package dispatcher

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Lexiie/KangKlip/internal/apierror"
	"github.com/Lexiie/KangKlip/internal/domain"
	"github.com/Lexiie/KangKlip/internal/fabric"
	"github.com/Lexiie/KangKlip/internal/ids"
	"github.com/Lexiie/KangKlip/internal/logger"
	"github.com/Lexiie/KangKlip/internal/metrics"
	"github.com/Lexiie/KangKlip/internal/store"
)

const (
	startPollInterval = 2 * time.Second
	startPollMaxTries = 30
	startPollBudget   = startPollInterval * startPollMaxTries
)

// CallbackConfig carries the values forwarded into the worker's environment.
type CallbackConfig struct {
	BaseURL string
	Token   string
}

// StorageConfig carries the object-store credentials forwarded into the
// worker's environment so it can upload directly.
type StorageConfig struct {
	Endpoint        string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
}

// LLMConfig carries optional advisory passthroughs for caption/selection.
type LLMConfig struct {
	APIBase   string
	ModelName string
	APIKey    string
}

// Dispatcher submits jobs to the fabric and tracks their preparation state.
type Dispatcher struct {
	store    *store.Store
	fabric   *fabric.Client
	metrics  *metrics.Tracker
	logger   logger.Logger
	tracer   trace.Tracer
	callback CallbackConfig
	storage  StorageConfig
	llm      LLMConfig

	wg sync.WaitGroup
}

// New constructs a Dispatcher.
func New(s *store.Store, f *fabric.Client, m *metrics.Tracker, log logger.Logger, cb CallbackConfig, st StorageConfig, llm LLMConfig) *Dispatcher {
	return &Dispatcher{
		store: s, fabric: f, metrics: m, logger: log,
		tracer:   otel.Tracer("dispatcher"),
		callback: cb, storage: st, llm: llm,
	}
}

// CreateRequest is the validated body of a job submission.
type CreateRequest struct {
	VideoURL    string
	ClipSeconds int
	ClipCount   int
	Language    domain.Language
}

// CreateResponse is returned to the client immediately after persisting the
// job record, before the asynchronous start-poll begins.
type CreateResponse struct {
	JobID    string           `json:"job_id"`
	JobToken string           `json:"job_token"`
	Status   domain.JobStatus `json:"status"`
}

// Create generates a job id and token, persists a Queued JobRecord,
// optionally probes the fabric's image cache, submits the deployment, and
// fires off the asynchronous start-poll worker. Dispatch failures surface as
// 502 and persist the job as Failed.
func (d *Dispatcher) Create(ctx context.Context, req CreateRequest) (*CreateResponse, error) {
	jobID := ids.NewJobID()

	ctx, span := d.tracer.Start(ctx, "job.create",
		trace.WithAttributes(
			attribute.String("job_id", jobID),
			attribute.Int("clip_count", req.ClipCount),
			attribute.String("language", string(req.Language)),
		))
	defer span.End()

	jobToken, err := ids.NewHexToken(32)
	if err != nil {
		return nil, apierror.Internal("failed to generate job token", err)
	}

	record := &domain.JobRecord{
		JobID: jobID, JobToken: jobToken,
		Status: domain.JobQueued, Stage: domain.StageDownload,
		VideoURL: req.VideoURL, ClipSeconds: req.ClipSeconds,
		ClipCount: req.ClipCount, Language: req.Language,
	}
	if err := d.store.CreateJob(ctx, record); err != nil {
		return nil, apierror.Internal("failed to persist job", err)
	}

	if _, err := d.fabric.ProbeCache(ctx); err != nil {
		d.logger.Warn("fabric cache probe failed, continuing", logger.String("job_id", jobID), logger.Error(err))
	}

	env := fabric.DeploymentEnv{
		VideoURL: req.VideoURL, ClipDurationSec: req.ClipSeconds, ClipCount: req.ClipCount,
		Language: string(req.Language), JobID: jobID,
		CallbackBaseURL: d.callback.BaseURL, CallbackToken: d.callback.Token,
		R2Endpoint: d.storage.Endpoint, R2Bucket: d.storage.Bucket,
		R2AccessKeyID: d.storage.AccessKeyID, R2SecretAccessKey: d.storage.SecretAccessKey,
		LLMAPIBase: d.llm.APIBase, LLMModelName: d.llm.ModelName, LLMAPIKey: d.llm.APIKey,
	}

	result, err := d.fabric.SubmitDeployment(ctx, env)
	if err != nil {
		span.RecordError(err)
		d.markFailed(ctx, jobID, err)
		if d.metrics != nil {
			d.metrics.JobDispatchFailed()
		}
		return nil, apierror.Upstream("failed to submit job to execution fabric", err)
	}

	if err := d.store.UpdateJobFields(ctx, jobID, map[string]string{"run_id": result.RunID}); err != nil {
		d.logger.Error("failed to persist run id", logger.String("job_id", jobID), logger.Error(err))
	}

	if d.metrics != nil {
		d.metrics.JobSubmitted()
	}

	d.wg.Add(1)
	go d.pollAndStart(jobID, result.RunID)

	return &CreateResponse{JobID: jobID, JobToken: jobToken, Status: domain.JobQueued}, nil
}

func (d *Dispatcher) markFailed(ctx context.Context, jobID string, cause error) {
	fields := map[string]string{
		"status":      string(domain.JobFailed),
		"start_error": cause.Error(),
	}
	if err := d.store.UpdateJobFields(ctx, jobID, fields); err != nil {
		d.logger.Error("failed to persist job failure", logger.String("job_id", jobID), logger.Error(err))
	}
}

// pollAndStart polls the deployment's preparation state up to 30 times at 2s
// intervals, issuing a start command once it leaves a non-terminal
// preparation state. This is fire-and-forget: failures are persisted as
// startError but never fail the already-returned creation response.
func (d *Dispatcher) pollAndStart(jobID, runID string) {
	defer d.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), startPollBudget+30*time.Second)
	defer cancel()

	ctx, span := d.tracer.Start(ctx, "job.start_poll",
		trace.WithAttributes(
			attribute.String("job_id", jobID),
			attribute.String("run_id", runID),
		))
	defer span.End()

	ticker := time.NewTicker(startPollInterval)
	defer ticker.Stop()

	for attempt := 0; attempt < startPollMaxTries; attempt++ {
		state, err := d.fabric.GetDeploymentState(ctx, runID)
		if err != nil {
			d.recordStartError(ctx, jobID, err)
			return
		}
		if !fabric.IsNonTerminalPreparation(state.State) {
			if err := d.fabric.StartDeployment(ctx, runID); err != nil {
				d.recordStartError(ctx, jobID, err)
			}
			return
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}

	d.recordStartError(ctx, jobID, context.DeadlineExceeded)
}

func (d *Dispatcher) recordStartError(ctx context.Context, jobID string, err error) {
	d.logger.Warn("deployment start failed", logger.String("job_id", jobID), logger.Error(err))
	if uErr := d.store.UpdateJobFields(ctx, jobID, map[string]string{"start_error": err.Error()}); uErr != nil {
		d.logger.Error("failed to persist start error", logger.String("job_id", jobID), logger.Error(uErr))
	}
}

// Shutdown waits for in-flight start-poll goroutines to finish, bounded by ctx.
func (d *Dispatcher) Shutdown(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// CallbackRequest is the validated body of a worker callback.
type CallbackRequest struct {
	JobID    string
	Status   domain.JobStatus
	Stage    domain.JobStage
	Progress *int
	R2Prefix string
	Error    string
}

// ApplyCallback atomically replaces status, stage, progress, r2Prefix, and
// error on the job record, rejecting lifecycle regressions.
func (d *Dispatcher) ApplyCallback(ctx context.Context, req CallbackRequest) error {
	ctx, span := d.tracer.Start(ctx, "job.callback",
		trace.WithAttributes(
			attribute.String("job_id", req.JobID),
			attribute.String("status", string(req.Status)),
		))
	defer span.End()

	job, err := d.store.GetJob(ctx, req.JobID)
	if err != nil {
		if err == store.ErrNotFound {
			return apierror.NotFound("job not found")
		}
		return apierror.Internal("failed to load job", err)
	}

	fields := map[string]string{}

	if req.Status != "" {
		if !job.Status.CanTransitionTo(req.Status) {
			return apierror.Validation("illegal job status transition")
		}
		fields["status"] = string(req.Status)
	}

	stage := req.Stage
	if stage != "" {
		if !job.Stage.CanAdvanceTo(stage) {
			return apierror.Validation("illegal job stage regression")
		}
		fields["stage"] = string(stage)
	}

	isTerminal := req.Status == domain.JobSucceeded || req.Status == domain.JobFailed
	if isTerminal {
		fields["stage"] = string(domain.StageDone)
	}

	if req.Progress != nil {
		fields["progress"] = strconv.Itoa(domain.ClampProgress(*req.Progress))
	} else if isTerminal {
		fields["progress"] = strconv.Itoa(100)
	}

	if req.R2Prefix != "" {
		fields["r2_prefix"] = req.R2Prefix
	}
	if req.Error != "" {
		fields["error"] = req.Error
	}

	if err := d.store.UpdateJobFields(ctx, req.JobID, fields); err != nil {
		return apierror.Internal("failed to apply callback", err)
	}
	return nil
}
