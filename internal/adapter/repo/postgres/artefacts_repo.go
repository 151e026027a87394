package postgres

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/cam-job-engine/internal/domain"
)

// ArtefactRepo records artefact references produced by finished jobs. Bytes
// live in object storage; this table holds locations and integrity data.
type ArtefactRepo struct{ Pool PgxPool }

// NewArtefactRepo constructs an ArtefactRepo with the given pool.
func NewArtefactRepo(p PgxPool) *ArtefactRepo { return &ArtefactRepo{Pool: p} }

// Add stores one artefact reference and returns its id.
func (r *ArtefactRepo) Add(ctx domain.Context, ref domain.ArtefactRef) (int64, error) {
	tracer := otel.Tracer("repo.artefacts")
	ctx, span := tracer.Start(ctx, "artefacts.Add")
	defer span.End()
	span.SetAttributes(attribute.Int64("job.id", ref.JobID))

	var id int64
	err := r.Pool.QueryRow(ctx,
		`INSERT INTO artefact_refs (job_id, bucket, object_key, version_id, sha256, size, retention_tag)
		 VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING id`,
		ref.JobID, ref.Bucket, ref.ObjectKey, nullIfEmpty(ref.VersionID), ref.SHA256, ref.Size,
		nullIfEmpty(ref.RetentionTag)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("op=artefacts.Add: %w", err)
	}
	return id, nil
}

// ListByJob returns a job's artefact references in insertion order.
func (r *ArtefactRepo) ListByJob(ctx domain.Context, jobID int64) ([]domain.ArtefactRef, error) {
	tracer := otel.Tracer("repo.artefacts")
	ctx, span := tracer.Start(ctx, "artefacts.ListByJob")
	defer span.End()

	rows, err := r.Pool.Query(ctx,
		`SELECT id, job_id, bucket, object_key, COALESCE(version_id,''), sha256, size, COALESCE(retention_tag,''), created_at
		 FROM artefact_refs WHERE job_id=$1 ORDER BY id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("op=artefacts.ListByJob: %w", err)
	}
	defer rows.Close()

	var out []domain.ArtefactRef
	for rows.Next() {
		var ref domain.ArtefactRef
		if err := rows.Scan(&ref.ID, &ref.JobID, &ref.Bucket, &ref.ObjectKey, &ref.VersionID,
			&ref.SHA256, &ref.Size, &ref.RetentionTag, &ref.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=artefacts.ListByJob: scan: %w", err)
		}
		out = append(out, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=artefacts.ListByJob: rows: %w", err)
	}
	return out, nil
}
