package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Tokal-27/DropMe/internal/domain"
	"github.com/Tokal-27/DropMe/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.VersionRepository    = (*Repository)(nil)
	_ repository.PredictionRepository = (*Repository)(nil)
	_ repository.ReferenceRepository  = (*Repository)(nil)
	_ repository.DriftRepository      = (*Repository)(nil)
)

// CreateVersion appends a snapshot to the version registry.
func (r *Repository) CreateVersion(ctx context.Context, snapshot *domain.VersionSnapshot) error {
	const query = `INSERT INTO versions (version_id, artifact_ref, stage, created_at, deployed_at, promoted_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := r.pool.Exec(ctx, query,
		snapshot.VersionID, snapshot.ArtifactRef, snapshot.Stage,
		snapshot.CreatedAt, snapshot.DeployedAt, snapshot.PromotedAt, snapshot.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("version %s: %w", snapshot.VersionID, repository.ErrAlreadyExists)
	}
	return err
}

// GetVersionByID fetches a snapshot with its health history.
func (r *Repository) GetVersionByID(ctx context.Context, versionID string) (*domain.VersionSnapshot, error) {
	const query = `SELECT version_id, artifact_ref, stage, created_at, deployed_at, promoted_at, updated_at
		FROM versions WHERE version_id = $1`
	row := r.pool.QueryRow(ctx, query, versionID)
	snapshot, err := scanVersion(row)
	if err != nil {
		return nil, err
	}
	history, err := r.listHealthResults(ctx, versionID)
	if err != nil {
		return nil, err
	}
	snapshot.HealthHistory = history
	return snapshot, nil
}

// ListVersions returns snapshots in chronological insertion order, newest last.
func (r *Repository) ListVersions(ctx context.Context, limit int) ([]domain.VersionSnapshot, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `SELECT version_id, artifact_ref, stage, created_at, deployed_at, promoted_at, updated_at
		FROM (
			SELECT * FROM versions ORDER BY created_at DESC LIMIT $1
		) recent ORDER BY created_at ASC`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	versions := make([]domain.VersionSnapshot, 0, limit)
	for rows.Next() {
		snapshot, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, *snapshot)
	}
	return versions, rows.Err()
}

// UpdateVersionStage advances a snapshot's lifecycle stage.
func (r *Repository) UpdateVersionStage(ctx context.Context, versionID, stage string) error {
	const query = `UPDATE versions SET stage = $2, updated_at = NOW() WHERE version_id = $1`
	tag, err := r.pool.Exec(ctx, query, versionID, stage)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// PromoteVersion makes versionID the sole promoted snapshot in one transaction.
func (r *Repository) PromoteVersion(ctx context.Context, versionID string, promotedAt time.Time) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	const demote = `UPDATE versions SET stage = $1, updated_at = NOW()
		WHERE stage = $2 AND version_id != $3`
	if _, err := tx.Exec(ctx, demote, domain.StageRolledBack, domain.StagePromoted, versionID); err != nil {
		return fmt.Errorf("demote previous version: %w", err)
	}

	const promote = `UPDATE versions SET stage = $2, promoted_at = $3, deployed_at = COALESCE(deployed_at, $3), updated_at = NOW()
		WHERE version_id = $1`
	tag, err := tx.Exec(ctx, promote, versionID, domain.StagePromoted, promotedAt)
	if err != nil {
		return fmt.Errorf("promote version: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return tx.Commit(ctx)
}

// GetPromotedVersion returns the current production snapshot, if any.
func (r *Repository) GetPromotedVersion(ctx context.Context) (*domain.VersionSnapshot, error) {
	const query = `SELECT version_id, artifact_ref, stage, created_at, deployed_at, promoted_at, updated_at
		FROM versions WHERE stage = $1`
	row := r.pool.QueryRow(ctx, query, domain.StagePromoted)
	return scanVersion(row)
}

// LastPromoted returns the most recently promoted snapshot excluding one version.
func (r *Repository) LastPromoted(ctx context.Context, excludeVersionID string) (*domain.VersionSnapshot, error) {
	const query = `SELECT version_id, artifact_ref, stage, created_at, deployed_at, promoted_at, updated_at
		FROM versions WHERE promoted_at IS NOT NULL AND version_id != $1
		ORDER BY promoted_at DESC LIMIT 1`
	row := r.pool.QueryRow(ctx, query, excludeVersionID)
	return scanVersion(row)
}

// AppendHealthResult records one health-gate verdict for a version.
func (r *Repository) AppendHealthResult(ctx context.Context, versionID string, result domain.HealthResult) error {
	const query = `INSERT INTO health_results (version_id, checked_at, healthy, attempts, detail)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := r.pool.Exec(ctx, query, versionID, result.CheckedAt, result.Healthy, result.Attempts, result.Detail)
	return err
}

func (r *Repository) listHealthResults(ctx context.Context, versionID string) ([]domain.HealthResult, error) {
	const query = `SELECT checked_at, healthy, attempts, detail FROM health_results
		WHERE version_id = $1 ORDER BY checked_at ASC`
	rows, err := r.pool.Query(ctx, query, versionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []domain.HealthResult
	for rows.Next() {
		var res domain.HealthResult
		if err := rows.Scan(&res.CheckedAt, &res.Healthy, &res.Attempts, &res.Detail); err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return results, rows.Err()
}

// InsertPrediction persists one telemetry record.
func (r *Repository) InsertPrediction(ctx context.Context, record *domain.PredictionRecord) error {
	const query = `INSERT INTO predictions (id, device_id, predicted_class, confidence, latency_ms, occurred_at, ingested_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := r.pool.Exec(ctx, query,
		record.ID, record.DeviceID, record.PredictedClass, record.Confidence,
		record.LatencyMS, record.Timestamp, record.IngestedAt)
	return err
}

// ListPredictions returns recent records, newest first.
func (r *Repository) ListPredictions(ctx context.Context, deviceID string, limit, offset int) ([]domain.PredictionRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	query := `SELECT id, device_id, predicted_class, confidence, latency_ms, occurred_at, ingested_at
		FROM predictions`
	args := []any{}
	if deviceID != "" {
		query += ` WHERE device_id = $1 ORDER BY occurred_at DESC LIMIT $2 OFFSET $3`
		args = append(args, deviceID, limit, offset)
	} else {
		query += ` ORDER BY occurred_at DESC LIMIT $1 OFFSET $2`
		args = append(args, limit, offset)
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]domain.PredictionRecord, 0, limit)
	for rows.Next() {
		var rec domain.PredictionRecord
		if err := rows.Scan(&rec.ID, &rec.DeviceID, &rec.PredictedClass, &rec.Confidence,
			&rec.LatencyMS, &rec.Timestamp, &rec.IngestedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// SaveReference stores a re-baselined distribution snapshot.
func (r *Repository) SaveReference(ctx context.Context, reference *domain.ReferenceDistribution) error {
	frequencies, err := json.Marshal(reference.ClassFrequencies)
	if err != nil {
		return fmt.Errorf("marshal class frequencies: %w", err)
	}
	const query = `INSERT INTO reference_distributions (class_frequencies, mean_confidence, source, captured_at)
		VALUES ($1, $2, $3, $4) RETURNING id`
	return r.pool.QueryRow(ctx, query, frequencies, reference.MeanConfidence, reference.Source, reference.CapturedAt).Scan(&reference.ID)
}

// GetLatestReference returns the most recent reference snapshot.
func (r *Repository) GetLatestReference(ctx context.Context) (*domain.ReferenceDistribution, error) {
	const query = `SELECT id, class_frequencies, mean_confidence, source, captured_at
		FROM reference_distributions ORDER BY captured_at DESC LIMIT 1`
	row := r.pool.QueryRow(ctx, query)

	var ref domain.ReferenceDistribution
	var frequencies []byte
	if err := row.Scan(&ref.ID, &frequencies, &ref.MeanConfidence, &ref.Source, &ref.CapturedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	if len(frequencies) > 0 {
		if err := json.Unmarshal(frequencies, &ref.ClassFrequencies); err != nil {
			return nil, fmt.Errorf("unmarshal class frequencies: %w", err)
		}
	}
	return &ref, nil
}

// InsertDriftScore persists one computed score.
func (r *Repository) InsertDriftScore(ctx context.Context, score *domain.DriftScore) error {
	frequencies, err := json.Marshal(score.ObservedFrequency)
	if err != nil {
		return fmt.Errorf("marshal observed frequencies: %w", err)
	}
	const query = `INSERT INTO drift_scores
		(chi_squared, confidence_drift, composite, severity, samples, insufficient_data, observed_mean_confidence, observed_frequencies, computed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id`
	return r.pool.QueryRow(ctx, query,
		score.ChiSquaredScore, score.ConfidenceScore, score.Composite, string(score.Severity),
		score.Samples, score.InsufficientData, score.ObservedMeanConf, frequencies, score.ComputedAt).Scan(&score.ID)
}

// ListDriftScores returns recent scores, newest first.
func (r *Repository) ListDriftScores(ctx context.Context, limit int) ([]domain.DriftScore, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	const query = `SELECT id, chi_squared, confidence_drift, composite, severity, samples, insufficient_data, observed_mean_confidence, observed_frequencies, computed_at
		FROM drift_scores ORDER BY computed_at DESC LIMIT $1`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	scores := make([]domain.DriftScore, 0, limit)
	for rows.Next() {
		var score domain.DriftScore
		var severity string
		var frequencies []byte
		if err := rows.Scan(&score.ID, &score.ChiSquaredScore, &score.ConfidenceScore, &score.Composite,
			&severity, &score.Samples, &score.InsufficientData, &score.ObservedMeanConf, &frequencies, &score.ComputedAt); err != nil {
			return nil, err
		}
		score.Severity = domain.Severity(severity)
		if len(frequencies) > 0 {
			if err := json.Unmarshal(frequencies, &score.ObservedFrequency); err != nil {
				return nil, fmt.Errorf("unmarshal observed frequencies: %w", err)
			}
		}
		scores = append(scores, score)
	}
	return scores, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVersion(row rowScanner) (*domain.VersionSnapshot, error) {
	var v domain.VersionSnapshot
	if err := row.Scan(&v.VersionID, &v.ArtifactRef, &v.Stage, &v.CreatedAt,
		&v.DeployedAt, &v.PromotedAt, &v.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &v, nil
}
