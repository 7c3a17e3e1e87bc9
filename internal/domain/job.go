// Package domain defines the entities and enums of the job-lifecycle and
// credit-spend state machines, decoded strictly at the store boundary.
package domain

import "fmt"

// JobStatus is the top-level lifecycle state of a job.
type JobStatus string

const (
	JobQueued    JobStatus = "QUEUED"
	JobRunning   JobStatus = "RUNNING"
	JobSucceeded JobStatus = "SUCCEEDED"
	JobFailed    JobStatus = "FAILED"
)

// rank gives the partial order Queued < Running < {Succeeded, Failed}.
func (s JobStatus) rank() int {
	switch s {
	case JobQueued:
		return 0
	case JobRunning:
		return 1
	case JobSucceeded, JobFailed:
		return 2
	default:
		return -1
	}
}

// CanTransitionTo reports whether a transition from s to next is legal.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	if s == next {
		return true
	}
	switch s {
	case "":
		return next == JobQueued
	case JobQueued:
		return next == JobRunning || next == JobSucceeded || next == JobFailed
	case JobRunning:
		return next == JobSucceeded || next == JobFailed
	default:
		return false
	}
}

// JobStage is the current pipeline stage within a Running/terminal job.
type JobStage string

const (
	StageDownload   JobStage = "DOWNLOAD"
	StageTranscript JobStage = "TRANSCRIPT"
	StageChunk      JobStage = "CHUNK"
	StageSelect     JobStage = "SELECT"
	StageRender     JobStage = "RENDER"
	StageUpload     JobStage = "UPLOAD"
	StageDone       JobStage = "DONE"
)

var stageRank = map[JobStage]int{
	StageDownload:   0,
	StageTranscript: 1,
	StageChunk:      2,
	StageSelect:     3,
	StageRender:     4,
	StageUpload:     5,
	StageDone:       6,
}

// CanAdvanceTo reports whether a stage transition is monotonic within a status.
func (s JobStage) CanAdvanceTo(next JobStage) bool {
	if s == "" {
		return true
	}
	cur, ok := stageRank[s]
	if !ok {
		return true
	}
	nxt, ok := stageRank[next]
	if !ok {
		return true
	}
	return nxt >= cur
}

// Language is the requested transcript/selection language.
type Language string

const (
	LanguageEN   Language = "en"
	LanguageID   Language = "id"
	LanguageAuto Language = "auto"
)

// ValidLanguage reports whether l is one of the accepted enum values.
func ValidLanguage(l Language) bool {
	switch l {
	case LanguageEN, LanguageID, LanguageAuto:
		return true
	default:
		return false
	}
}

// JobRecord is the durable record of a clip-generation job, keyed by JobID.
type JobRecord struct {
	JobID       string    `json:"job_id"`
	JobToken    string    `json:"job_token"`
	Status      JobStatus `json:"status"`
	Stage       JobStage  `json:"stage"`
	Progress    int       `json:"progress"`
	R2Prefix    string    `json:"r2_prefix,omitempty"`
	RunID       string    `json:"run_id,omitempty"`
	StartError  string    `json:"start_error,omitempty"`
	Error       string    `json:"error,omitempty"`
	MarketCache string    `json:"market_cache,omitempty"`

	VideoURL    string   `json:"video_url"`
	ClipSeconds int      `json:"clip_duration_seconds"`
	ClipCount   int      `json:"clip_count"`
	Language    Language `json:"language"`
}

// ClampProgress clamps p into [0,100].
func ClampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// ManifestClip describes one produced clip as recorded in manifest.json.
type ManifestClip struct {
	File     string  `json:"file"`
	Title    string  `json:"title"`
	Duration float64 `json:"duration"`
}

// Manifest is the worker-produced artifact descriptor at <r2Prefix>/manifest.json.
type Manifest struct {
	Clips []ManifestClip `json:"clips"`
}

// FindClip returns the manifest entry for file, if present.
func (m Manifest) FindClip(file string) (ManifestClip, bool) {
	for _, c := range m.Clips {
		if c.File == file {
			return c, true
		}
	}
	return ManifestClip{}, false
}

// IdempotencyStatus is the lifecycle state of an unlock attempt's recorded outcome.
type IdempotencyStatus string

const (
	IdempotencyPending IdempotencyStatus = "pending"
	IdempotencyFinal   IdempotencyStatus = "final"
)

// IdempotencyOutcome tags how an IdempotencyResult was produced.
type IdempotencyOutcome string

const (
	OutcomeNew    IdempotencyOutcome = "new"
	OutcomeReplay IdempotencyOutcome = "replay"
)

// IdempotencyResult is the authoritative, replayable outcome of one unlock
// attempt, keyed by unlockRequestId.
type IdempotencyResult struct {
	JobID          string             `json:"job_id"`
	ClipFile       string             `json:"clip_file"`
	Unlocked       bool               `json:"unlocked"`
	ChargedCredits int                `json:"charged_credits"`
	Idempotency    IdempotencyOutcome `json:"idempotency"`
	Status         IdempotencyStatus  `json:"status"`
}

// UnlockPending is the crash-recovery marker written after on-chain submit
// and before the local ClipUnlock commit.
type UnlockPending struct {
	JobID    string `json:"job_id"`
	ClipFile string `json:"clip_file"`
	Wallet   string `json:"wallet"`
	TxSig    string `json:"tx_sig"`
}

// AuthNonce is a single-use wallet-authentication challenge.
type AuthNonce struct {
	Wallet    string `json:"wallet"`
	Challenge string `json:"challenge"`
	ExpiresAt int64  `json:"expires_at"`
}

// String implements a readable form for logging, never leaking signatures.
func (n AuthNonce) String() string {
	return fmt.Sprintf("nonce(wallet=%s, expires_at=%d)", n.Wallet, n.ExpiresAt)
}
