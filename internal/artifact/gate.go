// Package artifact resolves a job's manifest, enforces clip membership,
// and mints signed preview/download URLs or proxies a ranged GET.
package artifact

import (
	"context"
	"time"

	"github.com/Lexiie/KangKlip/internal/apierror"
	"github.com/Lexiie/KangKlip/internal/domain"
	"github.com/Lexiie/KangKlip/internal/objectstore"
	"github.com/Lexiie/KangKlip/internal/store"
)

const (
	previewTTL  = 600 * time.Second
	downloadTTL = 24 * time.Hour
)

// Gate resolves jobs and their manifests and mints delivery URLs.
type Gate struct {
	store       *store.Store
	objectStore *objectstore.Client
}

// New constructs a Gate.
func New(s *store.Store, os *objectstore.Client) *Gate {
	return &Gate{store: s, objectStore: os}
}

// ResolvedClip is a job and manifest entry resolved and membership-checked.
type ResolvedClip struct {
	Job  *domain.JobRecord
	Clip domain.ManifestClip
}

// Resolve loads the job, requires it to be Succeeded with an r2Prefix, loads
// its manifest, and requires clipFile to be a manifest member.
func (g *Gate) Resolve(ctx context.Context, jobID, clipFile string) (*ResolvedClip, error) {
	job, err := g.store.GetJob(ctx, jobID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, apierror.NotFound("job not found")
		}
		return nil, apierror.Internal("failed to load job", err)
	}

	if job.Status != domain.JobSucceeded {
		return nil, apierror.Conflict("job is not in a succeeded state")
	}
	if job.R2Prefix == "" {
		return nil, apierror.Internal("succeeded job is missing an r2 prefix", nil)
	}

	manifest, err := g.objectStore.GetManifest(ctx, job.R2Prefix)
	if err != nil {
		return nil, apierror.Internal("failed to load manifest", err)
	}

	clip, ok := manifest.FindClip(clipFile)
	if !ok {
		return nil, apierror.NotFound("clip not found in manifest")
	}

	return &ResolvedClip{Job: job, Clip: clip}, nil
}

// ClipStatus pairs a manifest entry with its current unlock state.
type ClipStatus struct {
	Clip     domain.ManifestClip
	Unlocked bool
}

// ListClips loads a Succeeded job's manifest and reports every clip's unlock
// state, backing the results endpoint.
func (g *Gate) ListClips(ctx context.Context, jobID string) (*domain.JobRecord, []ClipStatus, error) {
	job, err := g.store.GetJob(ctx, jobID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, nil, apierror.NotFound("job not found")
		}
		return nil, nil, apierror.Internal("failed to load job", err)
	}

	if job.Status != domain.JobSucceeded {
		return nil, nil, apierror.Conflict("job is not in a succeeded state")
	}
	if job.R2Prefix == "" {
		return nil, nil, apierror.Internal("succeeded job is missing an r2 prefix", nil)
	}

	manifest, err := g.objectStore.GetManifest(ctx, job.R2Prefix)
	if err != nil {
		return nil, nil, apierror.Internal("failed to load manifest", err)
	}

	clips := make([]ClipStatus, 0, len(manifest.Clips))
	for _, clip := range manifest.Clips {
		unlocked, err := g.store.IsClipUnlocked(ctx, jobID, clip.File)
		if err != nil {
			return nil, nil, apierror.Internal("failed to check clip unlock", err)
		}
		clips = append(clips, ClipStatus{Clip: clip, Unlocked: unlocked})
	}
	return job, clips, nil
}

// PreviewResponse is returned by the preview endpoint.
type PreviewResponse struct {
	URL       string `json:"url"`
	ExpiresIn int64  `json:"expires_in"`
}

// Preview mints an unlock-independent, short-lived signed GET URL.
func (g *Gate) Preview(ctx context.Context, jobID, clipFile string) (*PreviewResponse, error) {
	resolved, err := g.Resolve(ctx, jobID, clipFile)
	if err != nil {
		return nil, err
	}

	url, err := g.objectStore.PresignGetURL(ctx, resolved.Job.R2Prefix+clipFile, previewTTL)
	if err != nil {
		return nil, apierror.Internal("failed to sign preview url", err)
	}
	return &PreviewResponse{URL: url, ExpiresIn: int64(previewTTL.Seconds())}, nil
}

// DownloadResponse is returned by the download endpoint.
type DownloadResponse struct {
	URL       string `json:"url"`
	ExpiresIn int64  `json:"expires_in"`
}

// Download mints a long-lived signed GET URL, requiring ClipUnlock=true.
func (g *Gate) Download(ctx context.Context, jobID, clipFile string) (*DownloadResponse, error) {
	resolved, err := g.Resolve(ctx, jobID, clipFile)
	if err != nil {
		return nil, err
	}

	unlocked, err := g.store.IsClipUnlocked(ctx, jobID, clipFile)
	if err != nil {
		return nil, apierror.Internal("failed to check clip unlock", err)
	}
	if !unlocked {
		return nil, apierror.Forbidden("locked").WithExtra("error", "locked")
	}

	url, err := g.objectStore.PresignGetURL(ctx, resolved.Job.R2Prefix+clipFile, downloadTTL)
	if err != nil {
		return nil, apierror.Internal("failed to sign download url", err)
	}
	return &DownloadResponse{URL: url, ExpiresIn: int64(downloadTTL.Seconds())}, nil
}

// RangeProxy streams clipFile through the service, forwarding a Range header.
func (g *Gate) RangeProxy(ctx context.Context, jobID, clipFile, rangeHeader string) (*objectstore.RangeResult, error) {
	resolved, err := g.Resolve(ctx, jobID, clipFile)
	if err != nil {
		return nil, err
	}

	result, err := g.objectStore.GetRange(ctx, resolved.Job.R2Prefix+clipFile, rangeHeader)
	if err != nil {
		return nil, apierror.Internal("failed to proxy clip range", err)
	}
	return result, nil
}
