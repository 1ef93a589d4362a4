package repository

import (
	"context"
	"time"

	"github.com/Tokal-27/DropMe/internal/domain"
)

// VersionRepository persists the append-only deployment version registry.
// Implementations must keep at most one snapshot in the promoted stage.
type VersionRepository interface {
	CreateVersion(ctx context.Context, snapshot *domain.VersionSnapshot) error
	GetVersionByID(ctx context.Context, versionID string) (*domain.VersionSnapshot, error)
	ListVersions(ctx context.Context, limit int) ([]domain.VersionSnapshot, error)
	UpdateVersionStage(ctx context.Context, versionID, stage string) error
	// PromoteVersion demotes any currently promoted snapshot to rolled_back and
	// marks versionID promoted, atomically.
	PromoteVersion(ctx context.Context, versionID string, promotedAt time.Time) error
	GetPromotedVersion(ctx context.Context) (*domain.VersionSnapshot, error)
	// LastPromoted returns the snapshot most recently promoted, skipping
	// excludeVersionID. Demoted snapshots remain eligible via their promoted_at.
	LastPromoted(ctx context.Context, excludeVersionID string) (*domain.VersionSnapshot, error)
	AppendHealthResult(ctx context.Context, versionID string, result domain.HealthResult) error
}

// PredictionRepository stores ingested prediction telemetry.
type PredictionRepository interface {
	InsertPrediction(ctx context.Context, record *domain.PredictionRecord) error
	ListPredictions(ctx context.Context, deviceID string, limit, offset int) ([]domain.PredictionRecord, error)
}

// ReferenceRepository stores reference distribution snapshots.
type ReferenceRepository interface {
	SaveReference(ctx context.Context, reference *domain.ReferenceDistribution) error
	GetLatestReference(ctx context.Context) (*domain.ReferenceDistribution, error)
}

// DriftRepository stores computed drift scores.
type DriftRepository interface {
	InsertDriftScore(ctx context.Context, score *domain.DriftScore) error
	ListDriftScores(ctx context.Context, limit int) ([]domain.DriftScore, error)
}
