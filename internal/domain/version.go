package domain

import "time"

// Lifecycle stages for a deployable model server version.
const (
	StageBuilt      = "built"
	StageCanary     = "canary"
	StagePromoted   = "promoted"
	StageRolledBack = "rolled_back"
	StageFailed     = "failed"
)

// VersionSnapshot is one entry of the append-only version registry.
// Entries are never deleted; only their stage advances.
type VersionSnapshot struct {
	VersionID     string
	ArtifactRef   string
	Stage         string
	CreatedAt     time.Time
	DeployedAt    *time.Time
	PromotedAt    *time.Time
	UpdatedAt     time.Time
	HealthHistory []HealthResult
}

// HealthResult records one verdict of the health gate for a version.
type HealthResult struct {
	CheckedAt time.Time
	Healthy   bool
	Attempts  int
	Detail    string
}

// Deployment attempt states driven by the orchestrator.
const (
	AttemptStateDeploying      = "deploying"
	AttemptStateHealthChecking = "health_checking"
	AttemptStatePromoted       = "promoted"
	AttemptStateRollingBack    = "rolling_back"
	AttemptStateStable         = "stable"
	AttemptStateRollbackFailed = "rollback_failed"
)

// DeploymentAttempt is the orchestrator's view of the in-flight (or most
// recently finished) deployment.
type DeploymentAttempt struct {
	ID         string
	VersionID  string
	State      string
	RollbackOf string
	Error      string
	StartedAt  time.Time
	UpdatedAt  time.Time
}

// Active reports whether the attempt still owns the deployment slot.
func (a DeploymentAttempt) Active() bool {
	switch a.State {
	case AttemptStateDeploying, AttemptStateHealthChecking, AttemptStateRollingBack:
		return true
	default:
		return false
	}
}
