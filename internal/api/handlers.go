package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Lexiie/KangKlip/internal/apierror"
	"github.com/Lexiie/KangKlip/internal/audit"
	"github.com/Lexiie/KangKlip/internal/dispatcher"
	"github.com/Lexiie/KangKlip/internal/domain"
	"github.com/Lexiie/KangKlip/internal/ids"
	"github.com/Lexiie/KangKlip/internal/logger"
	"github.com/Lexiie/KangKlip/internal/store"
	"github.com/Lexiie/KangKlip/internal/unlock"
)

const maxUnlockRequestIDLen = 128

// ---- jobs ----

type createJobRequest struct {
	VideoURL    string `json:"video_url"`
	ClipSeconds int    `json:"clip_duration_seconds"`
	ClipCount   int    `json:"clip_count"`
	Language    string `json:"language"`
}

func (r *Router) createJob(c *gin.Context) {
	var req createJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		r.respondError(c, apierror.Validation("invalid request body"))
		return
	}
	if req.VideoURL == "" {
		r.respondError(c, apierror.Validation("video_url is required"))
		return
	}
	if req.ClipSeconds < 30 || req.ClipSeconds > 60 {
		r.respondError(c, apierror.Validation("clip_duration_seconds must be between 30 and 60"))
		return
	}
	if req.ClipCount < 1 || req.ClipCount > 5 {
		r.respondError(c, apierror.Validation("clip_count must be between 1 and 5"))
		return
	}
	lang := domain.Language(req.Language)
	if !domain.ValidLanguage(lang) {
		r.respondError(c, apierror.Validation("language must be one of en, id, auto"))
		return
	}

	resp, err := r.dispatcher.Create(c.Request.Context(), dispatcher.CreateRequest{
		VideoURL:    req.VideoURL,
		ClipSeconds: req.ClipSeconds,
		ClipCount:   req.ClipCount,
		Language:    lang,
	})
	if err != nil {
		r.recordAudit(c, audit.Event{Kind: audit.KindJobDispatchFailed, Detail: gin.H{"video_url": req.VideoURL}})
		r.respondError(c, err)
		return
	}

	r.recordAudit(c, audit.Event{Kind: audit.KindJobCreated, JobID: resp.JobID})
	c.JSON(http.StatusOK, resp)
}

func (r *Router) getJob(c *gin.Context) {
	jobID := c.Param("jobId")
	if !ids.ValidJobID(jobID) {
		r.respondError(c, apierror.Validation("malformed job id"))
		return
	}

	job, err := r.store.GetJob(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			r.respondError(c, apierror.NotFound("job not found"))
			return
		}
		r.respondError(c, apierror.Internal("failed to load job", err))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"job_id":        job.JobID,
		"status":        job.Status,
		"stage":         job.Stage,
		"progress":      job.Progress,
		"start_error":   job.StartError,
		"error":         job.Error,
		"nosana_run_id": job.RunID,
	})
}

type resultClip struct {
	ClipFile         string  `json:"clip_file"`
	Title            string  `json:"title"`
	Duration         float64 `json:"duration"`
	Locked           bool    `json:"locked"`
	UnlockEndpoint   string  `json:"unlock_endpoint"`
	DownloadEndpoint string  `json:"download_endpoint"`
	PreviewEndpoint  string  `json:"preview_endpoint"`
}

func (r *Router) getResults(c *gin.Context) {
	job := currentJob(c)

	_, clips, err := r.artifact.ListClips(c.Request.Context(), job.JobID)
	if err != nil {
		r.respondError(c, err)
		return
	}

	out := make([]resultClip, 0, len(clips))
	for _, cs := range clips {
		base := fmt.Sprintf("/api/jobs/%s/clips/%s", job.JobID, cs.Clip.File)
		out = append(out, resultClip{
			ClipFile:         cs.Clip.File,
			Title:            cs.Clip.Title,
			Duration:         cs.Clip.Duration,
			Locked:           !cs.Unlocked,
			UnlockEndpoint:   base + "/unlock",
			DownloadEndpoint: base + "/download",
			PreviewEndpoint:  base + "/preview",
		})
	}
	c.JSON(http.StatusOK, gin.H{"clips": out})
}

// ---- clip delivery ----

func (r *Router) previewClip(c *gin.Context) {
	job := currentJob(c)
	resp, err := r.artifact.Preview(c.Request.Context(), job.JobID, c.Param("clipFile"))
	if err != nil {
		r.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (r *Router) downloadClip(c *gin.Context) {
	job := currentJob(c)
	resp, err := r.artifact.Download(c.Request.Context(), job.JobID, c.Param("clipFile"))
	if err != nil {
		r.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (r *Router) streamClip(c *gin.Context) {
	job := currentJob(c)
	result, err := r.artifact.RangeProxy(c.Request.Context(), job.JobID, c.Param("clipFile"), c.GetHeader("Range"))
	if err != nil {
		r.respondError(c, err)
		return
	}
	defer result.Body.Close()

	status := http.StatusOK
	if result.Partial {
		status = http.StatusPartialContent
		c.Header("Content-Range", result.ContentRange)
	}
	c.Header("Accept-Ranges", "bytes")
	c.Header("Cache-Control", "private, max-age=3600")
	if result.ContentLength > 0 {
		c.Header("Content-Length", fmt.Sprintf("%d", result.ContentLength))
	}
	c.Header("Content-Type", result.ContentType)
	c.Status(status)
	if _, err := io.Copy(c.Writer, result.Body); err != nil {
		r.logger.Warn("clip stream interrupted",
			logger.String("job_id", job.JobID),
			logger.String("clip_file", c.Param("clipFile")),
			logger.Error(err),
		)
	}
}

// ---- unlock ----

type unlockRequest struct {
	UnlockRequestID string `json:"unlock_request_id"`
}

func (r *Router) unlockClip(c *gin.Context) {
	job := currentJob(c)
	wallet := currentWallet(c)
	clipFile := c.Param("clipFile")

	var req unlockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		r.respondError(c, apierror.Validation("invalid request body"))
		return
	}
	if req.UnlockRequestID == "" || len(req.UnlockRequestID) > maxUnlockRequestIDLen {
		r.respondError(c, apierror.Validation("unlock_request_id must be 1..128 characters"))
		return
	}

	// Manifest containment is checked before any credit movement so a 200
	// can never name a clip outside the manifest.
	if _, err := r.artifact.Resolve(c.Request.Context(), job.JobID, clipFile); err != nil {
		r.respondError(c, err)
		return
	}

	result, err := r.unlock.Unlock(c.Request.Context(), unlock.Request{
		JobID:           job.JobID,
		ClipFile:        clipFile,
		Wallet:          wallet,
		UnlockRequestID: req.UnlockRequestID,
	})
	if err != nil {
		kind := audit.KindUnlockDenied
		if apiErr, ok := err.(*apierror.Error); ok && apiErr.Kind == apierror.KindConflict {
			kind = audit.KindUnlockReplay
		}
		r.recordAudit(c, audit.Event{
			Kind: kind, JobID: job.JobID, Wallet: wallet, UnlockRequestID: req.UnlockRequestID,
		})
		r.respondError(c, err)
		return
	}

	kind := audit.KindUnlockReplay
	if result.Idempotency == domain.OutcomeNew && result.ChargedCredits == 1 {
		kind = audit.KindUnlockNew
	}
	r.recordAudit(c, audit.Event{
		Kind: kind, JobID: job.JobID, Wallet: wallet, UnlockRequestID: req.UnlockRequestID,
	})

	c.JSON(http.StatusOK, gin.H{
		"job_id":          job.JobID,
		"clip_file":       clipFile,
		"unlocked":        result.Unlocked,
		"charged_credits": result.ChargedCredits,
		"idempotency":     result.Idempotency,
	})
}

// ---- auth ----

type challengeRequest struct {
	WalletAddress string `json:"wallet_address"`
}

func (r *Router) authChallenge(c *gin.Context) {
	var req challengeRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.WalletAddress == "" {
		r.respondError(c, apierror.Validation("wallet_address is required"))
		return
	}

	resp, err := r.auth.Challenge(c.Request.Context(), req.WalletAddress)
	if err != nil {
		r.respondError(c, err)
		return
	}
	r.recordAudit(c, audit.Event{Kind: audit.KindAuthChallenge, Wallet: req.WalletAddress})
	c.JSON(http.StatusOK, resp)
}

type verifyRequest struct {
	WalletAddress string `json:"wallet_address"`
	Nonce         string `json:"nonce"`
	Signature     string `json:"signature"`
}

func (r *Router) authVerify(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		r.respondError(c, apierror.Validation("invalid request body"))
		return
	}
	if req.WalletAddress == "" || req.Nonce == "" || req.Signature == "" {
		r.respondError(c, apierror.Validation("wallet_address, nonce and signature are required"))
		return
	}

	resp, err := r.auth.Verify(c.Request.Context(), req.WalletAddress, req.Nonce, req.Signature)
	if err != nil {
		r.respondError(c, err)
		return
	}
	r.recordAudit(c, audit.Event{Kind: audit.KindAuthVerified, Wallet: req.WalletAddress})
	c.JSON(http.StatusOK, resp)
}

// ---- credits ----

func (r *Router) creditBalance(c *gin.Context) {
	wallet := currentWallet(c)
	balance, err := r.credit.Balance(c.Request.Context(), wallet)
	if err != nil {
		r.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"credits": balance})
}

type topupIntentRequest struct {
	CreditsToBuy int `json:"credits_to_buy"`
}

func (r *Router) topupIntent(c *gin.Context) {
	wallet := currentWallet(c)

	var req topupIntentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		r.respondError(c, apierror.Validation("invalid request body"))
		return
	}

	intent, err := r.credit.BuildTopupIntent(c.Request.Context(), wallet, req.CreditsToBuy)
	if err != nil {
		r.respondError(c, err)
		return
	}
	r.recordAudit(c, audit.Event{
		Kind: audit.KindCreditTopupIntent, Wallet: wallet,
		Detail: gin.H{"credits_to_buy": req.CreditsToBuy},
	})
	c.JSON(http.StatusOK, intent)
}

type topupConfirmRequest struct {
	Signature string `json:"signature"`
}

func (r *Router) topupConfirm(c *gin.Context) {
	wallet := currentWallet(c)

	var req topupConfirmRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Signature == "" {
		r.respondError(c, apierror.Validation("signature is required"))
		return
	}

	credited, balance, err := r.credit.ConfirmTopup(c.Request.Context(), wallet, req.Signature)
	if err != nil {
		r.respondError(c, err)
		return
	}
	r.recordAudit(c, audit.Event{
		Kind: audit.KindCreditTopupFilled, Wallet: wallet, TxSignature: req.Signature,
	})
	c.JSON(http.StatusOK, gin.H{"credited": credited, "new_balance": balance})
}

// ---- worker callback ----

type callbackRequest struct {
	JobID    string `json:"job_id"`
	Status   string `json:"status"`
	Stage    string `json:"stage"`
	Progress *int   `json:"progress"`
	R2Prefix string `json:"r2_prefix"`
	Error    string `json:"error"`
}

var callbackStatuses = map[domain.JobStatus]bool{
	domain.JobQueued: true, domain.JobRunning: true,
	domain.JobSucceeded: true, domain.JobFailed: true,
}

func (r *Router) jobCallback(c *gin.Context) {
	var req callbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		r.respondError(c, apierror.Validation("invalid request body"))
		return
	}
	if req.JobID == "" {
		r.respondError(c, apierror.Validation("job_id is required"))
		return
	}
	status := domain.JobStatus(req.Status)
	if req.Status != "" && !callbackStatuses[status] {
		r.respondError(c, apierror.Validation("unknown job status"))
		return
	}

	err := r.dispatcher.ApplyCallback(c.Request.Context(), dispatcher.CallbackRequest{
		JobID:    req.JobID,
		Status:   status,
		Stage:    domain.JobStage(req.Stage),
		Progress: req.Progress,
		R2Prefix: req.R2Prefix,
		Error:    req.Error,
	})
	if err != nil {
		r.respondError(c, err)
		return
	}

	r.recordAudit(c, audit.Event{
		Kind: audit.KindJobCallback, JobID: req.JobID,
		Detail: gin.H{"status": req.Status, "stage": req.Stage},
	})
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// ---- helpers ----

func currentJob(c *gin.Context) *domain.JobRecord {
	return c.MustGet("job").(*domain.JobRecord)
}

func currentWallet(c *gin.Context) string {
	return c.GetString("wallet")
}

// recordAudit appends a lifecycle event; failures are logged and never fail
// the primary request.
func (r *Router) recordAudit(c *gin.Context, ev audit.Event) {
	if r.audit == nil {
		return
	}
	if err := r.audit.Record(c.Request.Context(), ev); err != nil {
		r.logger.Warn("failed to record audit event", logger.String("kind", string(ev.Kind)), logger.Error(err))
	}
}
