package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"lora-orchestrator/core/models"
	"lora-orchestrator/storage"
)

// ArtifactRepository handles database operations for job artifacts
type ArtifactRepository struct {
	db *DB
}

// NewArtifactRepository creates a new artifact repository
func NewArtifactRepository(db *DB) *ArtifactRepository {
	return &ArtifactRepository{db: db}
}

// GetJobArtifacts retrieves artifacts for a job, newest first
func (r *ArtifactRepository) GetJobArtifacts(ctx context.Context, jobID string, artifactType *models.ArtifactType) ([]models.JobArtifact, error) {
	query := `
		SELECT id, job_id, type, uri, created_at, meta_json
		FROM job_artifacts
		WHERE job_id = $1
	`
	args := []interface{}{jobID}

	if artifactType != nil {
		query += fmt.Sprintf(" AND type = $%d", len(args)+1)
		args = append(args, string(*artifactType))
	}

	query += " ORDER BY created_at DESC, id DESC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var artifacts []models.JobArtifact
	for rows.Next() {
		var artifact models.JobArtifact
		var metaJSON string

		err := rows.Scan(
			&artifact.ID,
			&artifact.JobID,
			&artifact.Type,
			&artifact.URI,
			&artifact.CreatedAt,
			&metaJSON,
		)
		if err != nil {
			return nil, err
		}

		if metaJSON != "" {
			if err := json.Unmarshal([]byte(metaJSON), &artifact.MetaJSON); err != nil {
				slog.Warn("Ignoring malformed artifact metadata", "artifactId", artifact.ID, "error", err)
			}
		}

		artifacts = append(artifacts, artifact)
	}

	return artifacts, rows.Err()
}

// CreateArtifact creates a new artifact record. A second weights artifact
// for the same job returns storage.ErrAlreadyRecorded.
func (r *ArtifactRepository) CreateArtifact(ctx context.Context, jobID string, artifactType models.ArtifactType, uri string, meta map[string]interface{}) error {
	metaJSON, err := encodeMeta(meta)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO job_artifacts (job_id, type, uri, meta_json, created_at)
		VALUES ($1, $2, $3, $4, NOW())
	`

	_, err = r.db.ExecContext(ctx, query, jobID, string(artifactType), uri, metaJSON)
	if isUniqueViolation(err) {
		return storage.ErrAlreadyRecorded
	}
	return err
}

// DeleteJobArtifacts removes the artifacts of one type for a job
func (r *ArtifactRepository) DeleteJobArtifacts(ctx context.Context, jobID string, artifactType models.ArtifactType) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM job_artifacts WHERE job_id = $1 AND type = $2`,
		jobID, string(artifactType),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func encodeMeta(meta map[string]interface{}) (string, error) {
	if meta == nil {
		return "{}", nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("failed to encode metadata: %w", err)
	}
	return string(b), nil
}
