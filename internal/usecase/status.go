package usecase

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fairyhunter13/cam-job-engine/internal/domain"
)

const defaultArtefactURLTTL = 15 * time.Minute

// ArtefactView pairs an artefact reference with a presigned download URL.
// URL is empty when no presigner is wired or the presign failed.
type ArtefactView struct {
	Ref domain.ArtefactRef
	URL string
}

// JobStatusView is the owner-facing status snapshot. QueuePosition is only
// meaningful while the job is queued; zero means not queued or unknown.
type JobStatusView struct {
	Job           domain.Job
	QueuePosition int
	Artefacts     []ArtefactView
	ETag          string
}

// StatusService reads job status for owners. Store is optional; without it
// artefact references are listed without download URLs.
type StatusService struct {
	Jobs      domain.JobRepository
	Artefacts domain.ArtefactRepository
	Store     domain.ObjectStore
	URLTTL    time.Duration
}

// NewStatusService constructs a StatusService with its dependencies.
func NewStatusService(jobs domain.JobRepository, artefacts domain.ArtefactRepository, store domain.ObjectStore, urlTTL time.Duration) StatusService {
	return StatusService{Jobs: jobs, Artefacts: artefacts, Store: store, URLTTL: urlTTL}
}

// Fetch loads the status view for one job scoped to its owner. When
// ifNoneMatch carries the current validator the second return is true and
// only the ETag is populated. Foreign-owned and absent jobs are both
// ErrNotFound.
func (s StatusService) Fetch(ctx domain.Context, id int64, ownerID, ifNoneMatch string) (JobStatusView, bool, error) {
	job, err := s.Jobs.GetForOwner(ctx, id, ownerID)
	if err != nil {
		return JobStatusView{}, false, err
	}

	etag := statusETag(job)
	if etagMatches(ifNoneMatch, etag) {
		return JobStatusView{ETag: etag}, true, nil
	}

	view := JobStatusView{Job: job, ETag: etag}
	if job.Status == domain.JobQueued {
		pos, err := s.Jobs.QueuePosition(ctx, id)
		if err != nil {
			slog.Warn("queue position unavailable", slog.Int64("job_id", id), slog.Any("error", err))
		} else {
			view.QueuePosition = pos
		}
	}

	refs, err := s.Artefacts.ListByJob(ctx, id)
	if err != nil {
		return JobStatusView{}, false, fmt.Errorf("op=usecase.Status: artefacts: %w", err)
	}
	view.Artefacts = make([]ArtefactView, 0, len(refs))
	for _, ref := range refs {
		av := ArtefactView{Ref: ref}
		if s.Store != nil {
			url, err := s.Store.PresignGet(ctx, ref.Bucket, ref.ObjectKey, s.urlTTL())
			if err != nil {
				slog.Warn("artefact presign failed",
					slog.Int64("job_id", id),
					slog.String("key", ref.ObjectKey),
					slog.Any("error", err))
			} else {
				av.URL = url
			}
		}
		view.Artefacts = append(view.Artefacts, av)
	}
	return view, false, nil
}

func (s StatusService) urlTTL() time.Duration {
	if s.URLTTL <= 0 {
		return defaultArtefactURLTTL
	}
	return s.URLTTL
}

// statusETag derives the weak validator from the fields the status body
// renders. Queue position is advisory and deliberately excluded; artefacts
// only appear alongside the terminal version bump.
func statusETag(job domain.Job) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%d|%s|%t|%.4f|%d",
		job.ID, job.Version, job.Status, job.CancelRequested, job.Progress.Percent, job.UpdatedAt.UnixNano())
	return `W/"` + hex.EncodeToString(h.Sum(nil)) + `"`
}

// etagMatches applies the If-None-Match list form; a lone * matches any
// current representation.
func etagMatches(header, etag string) bool {
	if header == "" {
		return false
	}
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" || candidate == etag {
			return true
		}
	}
	return false
}
