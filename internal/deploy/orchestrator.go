package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Tokal-27/DropMe/internal/domain"
	"github.com/Tokal-27/DropMe/internal/notify"
	"github.com/Tokal-27/DropMe/internal/repository"
	"github.com/Tokal-27/DropMe/internal/ws"
)

// NotifyFunc reports deployment completion back to the orchestrator. A
// deployer calls it once the model server is running, or with a non-nil
// error when the launch failed.
type NotifyFunc func(versionID string, target ProbeTarget, err error)

// Deployer launches and tears down model server instances. Deploy returns
// once the launch is submitted; completion arrives through the notify
// callback or the deployment callback endpoint.
type Deployer interface {
	Deploy(ctx context.Context, snapshot domain.VersionSnapshot, notify NotifyFunc) error
	Teardown(ctx context.Context, versionID string) error
}

// Config holds the orchestrator tunables.
type Config struct {
	// DeployTimeout bounds the wait between submitting a launch and the
	// deployed notification.
	DeployTimeout time.Duration
	// RollbackTimeout bounds a whole rollback run, which executes on a fresh
	// context so a cancelled deploy cannot strand it.
	RollbackTimeout time.Duration
}

type deployedEvent struct {
	target ProbeTarget
	err    error
}

// Orchestrator drives staged rollouts: canary launch, health gate, promotion,
// and automatic rollback to the last known good version. At most one attempt
// is in flight at a time.
type Orchestrator struct {
	versions repository.VersionRepository
	deployer Deployer
	checker  HealthChecker
	notifier notify.Notifier
	hub      *ws.Hub
	logger   *slog.Logger
	now      func() time.Time
	cfg      Config

	mu       sync.Mutex
	attempt  *domain.DeploymentAttempt
	awaiting string
	deployed chan deployedEvent
	cancel   context.CancelFunc
}

func NewOrchestrator(
	versions repository.VersionRepository,
	deployer Deployer,
	checker HealthChecker,
	notifier notify.Notifier,
	hub *ws.Hub,
	logger *slog.Logger,
	now func() time.Time,
	cfg Config,
) *Orchestrator {
	if now == nil {
		now = time.Now
	}
	if cfg.DeployTimeout <= 0 {
		cfg.DeployTimeout = 2 * time.Minute
	}
	if cfg.RollbackTimeout <= 0 {
		cfg.RollbackTimeout = 5 * time.Minute
	}
	return &Orchestrator{
		versions: versions,
		deployer: deployer,
		checker:  checker,
		notifier: notifier,
		hub:      hub,
		logger:   logger.With("component", "orchestrator"),
		now:      now,
		cfg:      cfg,
	}
}

// Deploy starts a staged rollout of a built version. It returns immediately
// with the new attempt; the launch, health gate and promotion run in the
// background. A second deploy while one is active is rejected.
func (o *Orchestrator) Deploy(ctx context.Context, versionID string) (*domain.DeploymentAttempt, error) {
	snapshot, err := o.versions.GetVersionByID(ctx, versionID)
	if err != nil {
		return nil, fmt.Errorf("load version %s: %w", versionID, err)
	}
	if snapshot.Stage != domain.StageBuilt {
		return nil, fmt.Errorf("%w: version %s is %s", ErrVersionNotDeployable, versionID, snapshot.Stage)
	}

	o.mu.Lock()
	if o.attempt != nil && o.attempt.Active() {
		o.mu.Unlock()
		return nil, ErrDeploymentInProgress
	}
	attempt := &domain.DeploymentAttempt{
		ID:        uuid.NewString(),
		VersionID: versionID,
		State:     domain.AttemptStateDeploying,
		StartedAt: o.now(),
		UpdatedAt: o.now(),
	}
	attemptCtx, cancel := context.WithCancel(context.Background())
	o.attempt = attempt
	o.awaiting = versionID
	o.deployed = make(chan deployedEvent, 1)
	o.cancel = cancel
	o.mu.Unlock()

	if err := o.versions.UpdateVersionStage(ctx, versionID, domain.StageCanary); err != nil {
		o.setState(domain.AttemptStateRollbackFailed, fmt.Sprintf("stage canary: %v", err))
		cancel()
		return nil, fmt.Errorf("stage version %s as canary: %w", versionID, err)
	}

	o.logger.Info("deployment started", "attempt_id", attempt.ID, "version_id", versionID)
	o.broadcastAttempt()

	go o.execute(attemptCtx, *snapshot)

	result := *attempt
	return &result, nil
}

// Rollback manually rolls the promoted version back, to an explicit registry
// entry when targetVersionID is given or to the last known good one otherwise.
// Like Deploy it claims the single deployment slot, and an in-flight attempt
// wins over every other precondition.
func (o *Orchestrator) Rollback(ctx context.Context, targetVersionID string) (*domain.DeploymentAttempt, error) {
	o.mu.Lock()
	if o.attempt != nil && o.attempt.Active() {
		o.mu.Unlock()
		return nil, ErrDeploymentInProgress
	}
	o.mu.Unlock()

	promoted, err := o.versions.GetPromotedVersion(ctx)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("load promoted version: %w", err)
	}
	exclude := ""
	if promoted != nil {
		exclude = promoted.VersionID
	}

	var target *domain.VersionSnapshot
	if targetVersionID != "" {
		target, err = o.versions.GetVersionByID(ctx, targetVersionID)
		if err != nil {
			return nil, fmt.Errorf("load rollback target %s: %w", targetVersionID, err)
		}
		if target.VersionID == exclude {
			return nil, fmt.Errorf("%w: version %s is already promoted", ErrVersionNotDeployable, targetVersionID)
		}
	} else if promoted == nil {
		return nil, ErrNoPreviousVersion
	}

	subject := exclude
	if subject == "" {
		subject = target.VersionID
	}

	o.mu.Lock()
	if o.attempt != nil && o.attempt.Active() {
		o.mu.Unlock()
		return nil, ErrDeploymentInProgress
	}
	attempt := &domain.DeploymentAttempt{
		ID:         uuid.NewString(),
		VersionID:  subject,
		State:      domain.AttemptStateRollingBack,
		RollbackOf: exclude,
		StartedAt:  o.now(),
		UpdatedAt:  o.now(),
	}
	o.attempt = attempt
	o.deployed = make(chan deployedEvent, 1)
	o.cancel = func() {}
	o.mu.Unlock()

	o.logger.Info("manual rollback started",
		"attempt_id", attempt.ID,
		"version_id", subject,
		"target_version_id", targetVersionID,
	)
	o.broadcastAttempt()

	go func() {
		rbCtx, rbCancel := context.WithTimeout(context.Background(), o.cfg.RollbackTimeout)
		defer rbCancel()
		if target != nil {
			o.beginRollback("manual rollback requested")
			o.rollbackTo(rbCtx, *target, exclude, "manual rollback requested")
			return
		}
		o.rollback(rbCtx, exclude, "manual rollback requested")
	}()

	result := *attempt
	return &result, nil
}

// Cancel aborts the in-flight deployment. The abandoned version is treated
// as having failed its health gate, so a rollback follows.
func (o *Orchestrator) Cancel() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.attempt == nil || !o.attempt.Active() {
		return ErrNoActiveAttempt
	}
	if o.attempt.State == domain.AttemptStateRollingBack {
		return fmt.Errorf("%w: rollback cannot be cancelled", ErrNoActiveAttempt)
	}
	o.logger.Info("deployment cancelled", "attempt_id", o.attempt.ID, "version_id", o.attempt.VersionID)
	o.cancel()
	return nil
}

// NotifyDeployed reports that the model server for versionID is up (or failed
// to come up). Duplicate and stale notifications are ignored, so the Docker
// deployer's callback and the external callback endpoint can both fire.
func (o *Orchestrator) NotifyDeployed(versionID string, target ProbeTarget, deployErr error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.attempt == nil || !o.attempt.Active() || o.awaiting != versionID {
		o.logger.Debug("ignoring stale deployed notification", "version_id", versionID)
		return
	}
	o.awaiting = ""
	select {
	case o.deployed <- deployedEvent{target: target, err: deployErr}:
	default:
	}
}

// Register adds a freshly built version to the registry.
func (o *Orchestrator) Register(ctx context.Context, versionID, artifactRef string) (*domain.VersionSnapshot, error) {
	versionID = strings.TrimSpace(versionID)
	artifactRef = strings.TrimSpace(artifactRef)
	if versionID == "" || artifactRef == "" {
		return nil, errors.New("deploy: version id and artifact ref are required")
	}
	if _, err := o.versions.GetVersionByID(ctx, versionID); err == nil {
		return nil, fmt.Errorf("deploy: version %s: %w", versionID, repository.ErrAlreadyExists)
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("check version %s: %w", versionID, err)
	}

	snapshot := &domain.VersionSnapshot{
		VersionID:   versionID,
		ArtifactRef: artifactRef,
		Stage:       domain.StageBuilt,
		CreatedAt:   o.now(),
		UpdatedAt:   o.now(),
	}
	if err := o.versions.CreateVersion(ctx, snapshot); err != nil {
		return nil, fmt.Errorf("register version %s: %w", versionID, err)
	}
	o.logger.Info("version registered", "version_id", versionID, "artifact_ref", artifactRef)
	return snapshot, nil
}

// Versions lists registry entries, newest first.
func (o *Orchestrator) Versions(ctx context.Context, limit int) ([]domain.VersionSnapshot, error) {
	return o.versions.ListVersions(ctx, limit)
}

// Current returns the promoted version, or nil when nothing is promoted.
func (o *Orchestrator) Current(ctx context.Context) (*domain.VersionSnapshot, error) {
	snapshot, err := o.versions.GetPromotedVersion(ctx)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	return snapshot, err
}

// Status returns a copy of the current or most recent attempt, or nil if
// nothing has been deployed yet.
func (o *Orchestrator) Status() *domain.DeploymentAttempt {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.attempt == nil {
		return nil
	}
	result := *o.attempt
	return &result
}

// execute runs one rollout attempt to completion.
func (o *Orchestrator) execute(ctx context.Context, snapshot domain.VersionSnapshot) {
	if err := o.deployer.Deploy(ctx, snapshot, o.NotifyDeployed); err != nil {
		o.logger.Error("launch submission failed", "version_id", snapshot.VersionID, "error", err)
		o.failAndRollback(snapshot.VersionID, domain.StageFailed, fmt.Sprintf("launch failed: %v", err))
		return
	}

	target, err := o.waitDeployed(ctx)
	if err != nil {
		o.logger.Error("deploy did not complete", "version_id", snapshot.VersionID, "error", err)
		stage := domain.StageFailed
		if ctx.Err() != nil {
			// Cancellation counts as a failed health gate, not a broken build.
			stage = domain.StageRolledBack
		}
		o.failAndRollback(snapshot.VersionID, stage, err.Error())
		return
	}

	o.setState(domain.AttemptStateHealthChecking, "")
	o.broadcastAttempt()

	result := o.checker.Check(ctx, target)
	o.appendHealth(snapshot.VersionID, result)

	if !result.Healthy {
		o.failAndRollback(snapshot.VersionID, domain.StageRolledBack, fmt.Sprintf("health gate failed: %s", result.Detail))
		return
	}

	if err := o.versions.PromoteVersion(context.Background(), snapshot.VersionID, o.now()); err != nil {
		o.logger.Error("promotion failed", "version_id", snapshot.VersionID, "error", err)
		o.failAndRollback(snapshot.VersionID, domain.StageFailed, fmt.Sprintf("promotion failed: %v", err))
		return
	}

	o.setState(domain.AttemptStatePromoted, "")
	o.setState(domain.AttemptStateStable, "")
	o.logger.Info("version promoted", "version_id", snapshot.VersionID)
	o.broadcastAttempt()
}

// failAndRollback marks the abandoned version with the given stage and rolls
// back to the last known good one on a fresh context, so a cancelled attempt
// cannot strand the rollback half way. Health-gate and cancellation failures
// mark the version rolled_back; launch and promotion errors mark it failed.
func (o *Orchestrator) failAndRollback(failedVersionID, stage, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.RollbackTimeout)
	defer cancel()

	if err := o.versions.UpdateVersionStage(ctx, failedVersionID, stage); err != nil {
		o.logger.Error("failed to mark abandoned version", "version_id", failedVersionID, "stage", stage, "error", err)
	}
	o.rollback(ctx, failedVersionID, reason)
}

// beginRollback moves the attempt into rolling_back and resets the completion
// slot. Replacing the deployed channel and clearing awaiting together discards
// any late notification for the abandoned version, so only the rollback
// target's signal can be consumed from here on.
func (o *Orchestrator) beginRollback(reason string) {
	o.mu.Lock()
	if o.attempt != nil {
		o.attempt.State = domain.AttemptStateRollingBack
		o.attempt.Error = reason
		o.attempt.UpdatedAt = o.now()
	}
	o.awaiting = ""
	o.deployed = make(chan deployedEvent, 1)
	o.mu.Unlock()
	o.broadcastAttempt()
}

// rollback resolves the last known good version and restores it.
func (o *Orchestrator) rollback(ctx context.Context, excludeVersionID, reason string) {
	o.beginRollback(reason)

	lkg, err := o.versions.LastPromoted(ctx, excludeVersionID)
	if errors.Is(err, repository.ErrNotFound) {
		o.finishRollbackFailed(fmt.Sprintf("%s; no previous promoted version", reason))
		return
	}
	if err != nil {
		o.finishRollbackFailed(fmt.Sprintf("%s; load last known good: %v", reason, err))
		return
	}
	o.rollbackTo(ctx, *lkg, excludeVersionID, reason)
}

// rollbackTo redeploys the target version, re-runs the health gate and
// re-promotes it. Failing any step ends in the terminal rollback_failed
// state, which demands operator intervention.
func (o *Orchestrator) rollbackTo(ctx context.Context, lkg domain.VersionSnapshot, excludeVersionID, reason string) {
	o.logger.Info("rolling back",
		"abandoned_version_id", excludeVersionID,
		"target_version_id", lkg.VersionID,
		"reason", reason,
	)

	o.mu.Lock()
	if o.attempt != nil {
		o.attempt.RollbackOf = excludeVersionID
	}
	o.awaiting = lkg.VersionID
	o.deployed = make(chan deployedEvent, 1)
	o.mu.Unlock()

	if err := o.deployer.Deploy(ctx, lkg, o.NotifyDeployed); err != nil {
		o.finishRollbackFailed(fmt.Sprintf("rollback launch failed: %v", err))
		return
	}
	target, err := o.waitDeployed(ctx)
	if err != nil {
		o.finishRollbackFailed(fmt.Sprintf("rollback deploy did not complete: %v", err))
		return
	}

	result := o.checker.Check(ctx, target)
	o.appendHealth(lkg.VersionID, result)
	if !result.Healthy {
		o.finishRollbackFailed(fmt.Sprintf("rollback health gate failed: %s", result.Detail))
		return
	}

	if err := o.versions.PromoteVersion(ctx, lkg.VersionID, o.now()); err != nil {
		o.finishRollbackFailed(fmt.Sprintf("rollback promotion failed: %v", err))
		return
	}

	o.setState(domain.AttemptStateStable, "")
	o.logger.Info("rollback complete", "version_id", lkg.VersionID)
	o.broadcastAttempt()
}

// finishRollbackFailed parks the attempt in its terminal failure state and
// pages the operator.
func (o *Orchestrator) finishRollbackFailed(reason string) {
	o.setState(domain.AttemptStateRollbackFailed, reason)
	o.logger.Error("rollback failed, operator intervention required", "reason", reason)
	o.broadcastAttempt()

	event := domain.AlertEvent{
		Kind:       domain.AlertKindRollbackFailed,
		State:      domain.AttemptStateRollbackFailed,
		Message:    reason,
		OccurredAt: o.now(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = o.notifier.Notify(ctx, event)
	}()
}

func (o *Orchestrator) waitDeployed(ctx context.Context) (ProbeTarget, error) {
	o.mu.Lock()
	deployed := o.deployed
	o.mu.Unlock()

	select {
	case event := <-deployed:
		if event.err != nil {
			return ProbeTarget{}, fmt.Errorf("deploy failed: %w", event.err)
		}
		return event.target, nil
	case <-ctx.Done():
		return ProbeTarget{}, fmt.Errorf("deploy aborted: %w", ctx.Err())
	case <-time.After(o.cfg.DeployTimeout):
		return ProbeTarget{}, errors.New("timed out waiting for deployed notification")
	}
}

func (o *Orchestrator) setState(state, errMsg string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.attempt == nil {
		return
	}
	o.attempt.State = state
	if errMsg != "" {
		o.attempt.Error = errMsg
	}
	o.attempt.UpdatedAt = o.now()
}

func (o *Orchestrator) appendHealth(versionID string, result domain.HealthResult) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.versions.AppendHealthResult(ctx, versionID, result); err != nil {
		o.logger.Error("failed to record health result", "version_id", versionID, "error", err)
	}
}

func (o *Orchestrator) broadcastAttempt() {
	if o.hub == nil {
		return
	}
	attempt := o.Status()
	if attempt == nil {
		return
	}
	data, err := json.Marshal(map[string]any{
		"type":    "deployment",
		"attempt": attempt,
	})
	if err != nil {
		return
	}
	o.hub.Broadcast("deployments", data)
}
