package deploy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Tokal-27/DropMe/internal/domain"
	"github.com/Tokal-27/DropMe/internal/repository"
)

type fakeVersionRepo struct {
	mu       sync.Mutex
	versions map[string]*domain.VersionSnapshot
	health   map[string][]domain.HealthResult

	// onStageUpdate, when set, runs after a stage change with the repo lock
	// released. Tests use it to interleave events at exact points.
	onStageUpdate func(versionID, stage string)
}

func newFakeVersionRepo() *fakeVersionRepo {
	return &fakeVersionRepo{
		versions: map[string]*domain.VersionSnapshot{},
		health:   map[string][]domain.HealthResult{},
	}
}

func (f *fakeVersionRepo) add(versionID, stage string, promotedAt *time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.versions[versionID] = &domain.VersionSnapshot{
		VersionID:   versionID,
		ArtifactRef: "registry/" + versionID,
		Stage:       stage,
		PromotedAt:  promotedAt,
	}
}

func (f *fakeVersionRepo) stage(versionID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.versions[versionID].Stage
}

func (f *fakeVersionRepo) CreateVersion(_ context.Context, snapshot *domain.VersionSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.versions[snapshot.VersionID]; ok {
		return repository.ErrAlreadyExists
	}
	copied := *snapshot
	f.versions[snapshot.VersionID] = &copied
	return nil
}

func (f *fakeVersionRepo) GetVersionByID(_ context.Context, versionID string) (*domain.VersionSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.versions[versionID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *v
	return &copied, nil
}

func (f *fakeVersionRepo) ListVersions(context.Context, int) ([]domain.VersionSnapshot, error) {
	return nil, nil
}

func (f *fakeVersionRepo) UpdateVersionStage(_ context.Context, versionID, stage string) error {
	f.mu.Lock()
	v, ok := f.versions[versionID]
	if !ok {
		f.mu.Unlock()
		return repository.ErrNotFound
	}
	v.Stage = stage
	hook := f.onStageUpdate
	f.mu.Unlock()
	if hook != nil {
		hook(versionID, stage)
	}
	return nil
}

func (f *fakeVersionRepo) PromoteVersion(_ context.Context, versionID string, promotedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	target, ok := f.versions[versionID]
	if !ok {
		return repository.ErrNotFound
	}
	for id, v := range f.versions {
		if id != versionID && v.Stage == domain.StagePromoted {
			v.Stage = domain.StageRolledBack
		}
	}
	target.Stage = domain.StagePromoted
	target.PromotedAt = &promotedAt
	return nil
}

func (f *fakeVersionRepo) GetPromotedVersion(context.Context) (*domain.VersionSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range f.versions {
		if v.Stage == domain.StagePromoted {
			copied := *v
			return &copied, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeVersionRepo) LastPromoted(_ context.Context, excludeVersionID string) (*domain.VersionSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var best *domain.VersionSnapshot
	for id, v := range f.versions {
		if id == excludeVersionID || v.PromotedAt == nil {
			continue
		}
		if best == nil || v.PromotedAt.After(*best.PromotedAt) {
			best = v
		}
	}
	if best == nil {
		return nil, repository.ErrNotFound
	}
	copied := *best
	return &copied, nil
}

func (f *fakeVersionRepo) AppendHealthResult(_ context.Context, versionID string, result domain.HealthResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.health[versionID] = append(f.health[versionID], result)
	return nil
}

// fakeDeployer notifies success immediately unless the version is listed in
// manualFor (the test notifies by hand) or failFor (launch fails).
type fakeDeployer struct {
	mu        sync.Mutex
	launched  []string
	tornDown  []string
	manualFor map[string]bool
	failFor   map[string]error
}

func (d *fakeDeployer) Deploy(_ context.Context, snapshot domain.VersionSnapshot, notify NotifyFunc) error {
	d.mu.Lock()
	d.launched = append(d.launched, snapshot.VersionID)
	manual := d.manualFor[snapshot.VersionID]
	failErr := d.failFor[snapshot.VersionID]
	d.mu.Unlock()

	if failErr != nil {
		notify(snapshot.VersionID, ProbeTarget{}, failErr)
		return nil
	}
	if !manual {
		notify(snapshot.VersionID, ProbeTarget{
			VersionID: snapshot.VersionID,
			BaseURL:   "http://127.0.0.1:9000/" + snapshot.VersionID,
		}, nil)
	}
	return nil
}

func (d *fakeDeployer) Teardown(_ context.Context, versionID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tornDown = append(d.tornDown, versionID)
	return nil
}

type fakeChecker struct {
	mu        sync.Mutex
	unhealthy map[string]bool
	checked   []string
}

func (c *fakeChecker) Check(_ context.Context, target ProbeTarget) domain.HealthResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checked = append(c.checked, target.VersionID)
	if c.unhealthy[target.VersionID] {
		return domain.HealthResult{Healthy: false, Attempts: 30, Detail: "unhealthy status 500"}
	}
	return domain.HealthResult{Healthy: true, Attempts: 1}
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []domain.AlertEvent
}

func (n *recordingNotifier) Notify(_ context.Context, event domain.AlertEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

type orchestratorFixture struct {
	orch     *Orchestrator
	repo     *fakeVersionRepo
	deployer *fakeDeployer
	checker  *fakeChecker
	notifier *recordingNotifier
}

func newOrchestratorFixture(t *testing.T) *orchestratorFixture {
	t.Helper()
	repo := newFakeVersionRepo()
	deployer := &fakeDeployer{manualFor: map[string]bool{}, failFor: map[string]error{}}
	checker := &fakeChecker{unhealthy: map[string]bool{}}
	notifier := &recordingNotifier{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	orch := NewOrchestrator(repo, deployer, checker, notifier, nil, logger, nil, Config{
		DeployTimeout:   2 * time.Second,
		RollbackTimeout: 5 * time.Second,
	})
	return &orchestratorFixture{orch: orch, repo: repo, deployer: deployer, checker: checker, notifier: notifier}
}

func waitAttemptState(t *testing.T, orch *Orchestrator, state string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if attempt := orch.Status(); attempt != nil && attempt.State == state {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	attempt := orch.Status()
	t.Fatalf("timed out waiting for attempt state %s, have %+v", state, attempt)
}

func promotedAt(t time.Time) *time.Time { return &t }

func TestDeployPromotesHealthyVersion(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.repo.add("v1", domain.StagePromoted, promotedAt(time.Now().Add(-time.Hour)))
	f.repo.add("v2", domain.StageBuilt, nil)

	attempt, err := f.orch.Deploy(context.Background(), "v2")
	if err != nil {
		t.Fatalf("deploy failed: %v", err)
	}
	if attempt.State != domain.AttemptStateDeploying {
		t.Errorf("expected initial state deploying, got %s", attempt.State)
	}

	waitAttemptState(t, f.orch, domain.AttemptStateStable)

	if got := f.repo.stage("v2"); got != domain.StagePromoted {
		t.Errorf("expected v2 promoted, got %s", got)
	}
	if got := f.repo.stage("v1"); got != domain.StageRolledBack {
		t.Errorf("expected v1 demoted to rolled_back, got %s", got)
	}
	f.repo.mu.Lock()
	healthCount := len(f.repo.health["v2"])
	f.repo.mu.Unlock()
	if healthCount != 1 {
		t.Errorf("expected one recorded health result, got %d", healthCount)
	}
}

func TestDeployRejectsWhileAttemptActive(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.repo.add("v2", domain.StageBuilt, nil)
	f.repo.add("v3", domain.StageBuilt, nil)
	f.deployer.manualFor["v2"] = true

	if _, err := f.orch.Deploy(context.Background(), "v2"); err != nil {
		t.Fatalf("deploy failed: %v", err)
	}
	if _, err := f.orch.Deploy(context.Background(), "v3"); !errors.Is(err, ErrDeploymentInProgress) {
		t.Fatalf("expected ErrDeploymentInProgress, got %v", err)
	}
	if _, err := f.orch.Rollback(context.Background(), ""); !errors.Is(err, ErrDeploymentInProgress) {
		t.Fatalf("expected rollback rejected too, got %v", err)
	}

	f.orch.NotifyDeployed("v2", ProbeTarget{VersionID: "v2", BaseURL: "http://127.0.0.1:9000"}, nil)
	waitAttemptState(t, f.orch, domain.AttemptStateStable)
}

func TestDeployRequiresBuiltStage(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.repo.add("v1", domain.StagePromoted, promotedAt(time.Now()))

	if _, err := f.orch.Deploy(context.Background(), "v1"); !errors.Is(err, ErrVersionNotDeployable) {
		t.Fatalf("expected ErrVersionNotDeployable, got %v", err)
	}
}

func TestUnhealthyDeployRollsBack(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.repo.add("v1", domain.StagePromoted, promotedAt(time.Now().Add(-time.Hour)))
	f.repo.add("v2", domain.StageBuilt, nil)
	f.checker.unhealthy["v2"] = true

	if _, err := f.orch.Deploy(context.Background(), "v2"); err != nil {
		t.Fatalf("deploy failed: %v", err)
	}
	waitAttemptState(t, f.orch, domain.AttemptStateStable)

	if got := f.repo.stage("v2"); got != domain.StageRolledBack {
		t.Errorf("expected unhealthy version marked rolled_back, got %s", got)
	}
	if got := f.repo.stage("v1"); got != domain.StagePromoted {
		t.Errorf("expected v1 re-promoted, got %s", got)
	}
	attempt := f.orch.Status()
	if attempt.RollbackOf != "v2" {
		t.Errorf("expected rollback of v2, got %q", attempt.RollbackOf)
	}
}

func TestRollbackWithoutHistoryIsTerminal(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.repo.add("v1", domain.StageBuilt, nil)
	f.checker.unhealthy["v1"] = true

	if _, err := f.orch.Deploy(context.Background(), "v1"); err != nil {
		t.Fatalf("deploy failed: %v", err)
	}
	waitAttemptState(t, f.orch, domain.AttemptStateRollbackFailed)

	if got := f.repo.stage("v1"); got != domain.StageRolledBack {
		t.Errorf("expected v1 marked rolled_back, got %s", got)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.notifier.mu.Lock()
		count := len(f.notifier.events)
		f.notifier.mu.Unlock()
		if count > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	f.notifier.mu.Lock()
	defer f.notifier.mu.Unlock()
	if len(f.notifier.events) != 1 || f.notifier.events[0].Kind != domain.AlertKindRollbackFailed {
		t.Fatalf("expected one rollback_failed alert, got %+v", f.notifier.events)
	}
}

func TestRollbackHealthFailureIsTerminal(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.repo.add("v1", domain.StagePromoted, promotedAt(time.Now().Add(-time.Hour)))
	f.repo.add("v2", domain.StageBuilt, nil)
	f.checker.unhealthy["v1"] = true
	f.checker.unhealthy["v2"] = true

	if _, err := f.orch.Deploy(context.Background(), "v2"); err != nil {
		t.Fatalf("deploy failed: %v", err)
	}
	waitAttemptState(t, f.orch, domain.AttemptStateRollbackFailed)

	if got := f.repo.stage("v2"); got != domain.StageRolledBack {
		t.Errorf("expected v2 marked rolled_back, got %s", got)
	}
}

func TestManualRollbackRestoresLastKnownGood(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.repo.add("v1", domain.StageRolledBack, promotedAt(time.Now().Add(-2*time.Hour)))
	f.repo.add("v2", domain.StagePromoted, promotedAt(time.Now().Add(-time.Hour)))

	attempt, err := f.orch.Rollback(context.Background(), "")
	if err != nil {
		t.Fatalf("rollback failed: %v", err)
	}
	if attempt.State != domain.AttemptStateRollingBack {
		t.Errorf("expected initial state rolling_back, got %s", attempt.State)
	}

	waitAttemptState(t, f.orch, domain.AttemptStateStable)

	if got := f.repo.stage("v1"); got != domain.StagePromoted {
		t.Errorf("expected v1 re-promoted, got %s", got)
	}
	if got := f.repo.stage("v2"); got != domain.StageRolledBack {
		t.Errorf("expected v2 demoted, got %s", got)
	}
}

func TestManualRollbackWithoutPromotedVersion(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.repo.add("v1", domain.StageBuilt, nil)

	if _, err := f.orch.Rollback(context.Background(), ""); !errors.Is(err, ErrNoPreviousVersion) {
		t.Fatalf("expected ErrNoPreviousVersion, got %v", err)
	}
}

func TestCancelRollsBackToLastKnownGood(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.repo.add("v1", domain.StagePromoted, promotedAt(time.Now().Add(-time.Hour)))
	f.repo.add("v2", domain.StageBuilt, nil)
	f.deployer.manualFor["v2"] = true

	if _, err := f.orch.Deploy(context.Background(), "v2"); err != nil {
		t.Fatalf("deploy failed: %v", err)
	}
	if err := f.orch.Cancel(); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	waitAttemptState(t, f.orch, domain.AttemptStateStable)

	if got := f.repo.stage("v1"); got != domain.StagePromoted {
		t.Errorf("expected v1 re-promoted after cancel, got %s", got)
	}
	if got := f.repo.stage("v2"); got != domain.StageRolledBack {
		t.Errorf("expected cancelled version marked rolled_back, got %s", got)
	}
}

func TestCancelWithoutActiveAttempt(t *testing.T) {
	f := newOrchestratorFixture(t)
	if err := f.orch.Cancel(); !errors.Is(err, ErrNoActiveAttempt) {
		t.Fatalf("expected ErrNoActiveAttempt, got %v", err)
	}
}

func TestNotifyDeployedIgnoresStaleNotifications(t *testing.T) {
	f := newOrchestratorFixture(t)

	// No active attempt at all.
	f.orch.NotifyDeployed("v9", ProbeTarget{}, nil)

	f.repo.add("v2", domain.StageBuilt, nil)
	f.repo.add("v1", domain.StagePromoted, promotedAt(time.Now().Add(-time.Hour)))
	f.deployer.manualFor["v2"] = true

	if _, err := f.orch.Deploy(context.Background(), "v2"); err != nil {
		t.Fatalf("deploy failed: %v", err)
	}

	// Wrong version is ignored; the right one proceeds.
	f.orch.NotifyDeployed("v9", ProbeTarget{VersionID: "v9"}, nil)
	f.orch.NotifyDeployed("v2", ProbeTarget{VersionID: "v2", BaseURL: "http://127.0.0.1:9000"}, nil)
	// A duplicate after the first accepted notification is dropped.
	f.orch.NotifyDeployed("v2", ProbeTarget{VersionID: "v2", BaseURL: "http://127.0.0.1:9001"}, nil)

	waitAttemptState(t, f.orch, domain.AttemptStateStable)

	f.checker.mu.Lock()
	defer f.checker.mu.Unlock()
	if len(f.checker.checked) != 1 || f.checker.checked[0] != "v2" {
		t.Errorf("expected exactly one health check of v2, got %v", f.checker.checked)
	}
}

func TestLateNotificationDoesNotDerailRollback(t *testing.T) {
	repo := newFakeVersionRepo()
	deployer := &fakeDeployer{manualFor: map[string]bool{"v2": true}, failFor: map[string]error{}}
	checker := &fakeChecker{unhealthy: map[string]bool{"v2": true}}
	notifier := &recordingNotifier{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	orch := NewOrchestrator(repo, deployer, checker, notifier, nil, logger, nil, Config{
		DeployTimeout:   50 * time.Millisecond,
		RollbackTimeout: 5 * time.Second,
	})

	repo.add("v1", domain.StagePromoted, promotedAt(time.Now().Add(-time.Hour)))
	repo.add("v2", domain.StageBuilt, nil)

	// v2 never notifies, so the deploy times out. The moment the abandoned
	// version is marked, fire its notification: this lands in the window
	// between the timeout and the rollback reassigning the completion slot.
	repo.onStageUpdate = func(versionID, stage string) {
		if versionID == "v2" && stage == domain.StageFailed {
			orch.NotifyDeployed("v2", ProbeTarget{
				VersionID: "v2",
				BaseURL:   "http://127.0.0.1:9000/v2",
			}, nil)
		}
	}

	if _, err := orch.Deploy(context.Background(), "v2"); err != nil {
		t.Fatalf("deploy failed: %v", err)
	}
	waitAttemptState(t, orch, domain.AttemptStateStable)

	if got := repo.stage("v1"); got != domain.StagePromoted {
		t.Errorf("expected v1 re-promoted, got %s", got)
	}
	checker.mu.Lock()
	defer checker.mu.Unlock()
	for _, id := range checker.checked {
		if id != "v1" {
			t.Errorf("health-checked abandoned version %s during rollback", id)
		}
	}
	if len(checker.checked) != 1 {
		t.Errorf("expected exactly one health check of v1, got %v", checker.checked)
	}
}

func TestManualRollbackToExplicitTarget(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.repo.add("v1", domain.StageRolledBack, promotedAt(time.Now().Add(-3*time.Hour)))
	f.repo.add("v2", domain.StageRolledBack, promotedAt(time.Now().Add(-2*time.Hour)))
	f.repo.add("v3", domain.StagePromoted, promotedAt(time.Now().Add(-time.Hour)))

	// v2 is the most recently promoted candidate; the explicit target wins.
	attempt, err := f.orch.Rollback(context.Background(), "v1")
	if err != nil {
		t.Fatalf("rollback failed: %v", err)
	}
	if attempt.RollbackOf != "v3" {
		t.Errorf("expected rollback of v3, got %q", attempt.RollbackOf)
	}

	waitAttemptState(t, f.orch, domain.AttemptStateStable)

	if got := f.repo.stage("v1"); got != domain.StagePromoted {
		t.Errorf("expected explicit target v1 promoted, got %s", got)
	}
	if got := f.repo.stage("v3"); got != domain.StageRolledBack {
		t.Errorf("expected v3 demoted, got %s", got)
	}
}

func TestManualRollbackRejectsBadTargets(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.repo.add("v3", domain.StagePromoted, promotedAt(time.Now().Add(-time.Hour)))

	if _, err := f.orch.Rollback(context.Background(), "v3"); !errors.Is(err, ErrVersionNotDeployable) {
		t.Errorf("expected ErrVersionNotDeployable for the promoted version, got %v", err)
	}
	if _, err := f.orch.Rollback(context.Background(), "ghost"); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("expected ErrNotFound for an unknown target, got %v", err)
	}
}

func TestLaunchErrorRollsBack(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.repo.add("v1", domain.StagePromoted, promotedAt(time.Now().Add(-time.Hour)))
	f.repo.add("v2", domain.StageBuilt, nil)
	f.deployer.failFor["v2"] = fmt.Errorf("image pull failed")

	if _, err := f.orch.Deploy(context.Background(), "v2"); err != nil {
		t.Fatalf("deploy failed: %v", err)
	}
	waitAttemptState(t, f.orch, domain.AttemptStateStable)

	if got := f.repo.stage("v1"); got != domain.StagePromoted {
		t.Errorf("expected v1 re-promoted, got %s", got)
	}
	if got := f.repo.stage("v2"); got != domain.StageFailed {
		t.Errorf("expected v2 marked failed, got %s", got)
	}
}
