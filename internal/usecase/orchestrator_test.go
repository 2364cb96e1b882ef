package usecase

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fleetkit/enrolltrack/internal/apps"
	"github.com/fleetkit/enrolltrack/internal/domain"
	"github.com/fleetkit/enrolltrack/internal/rules"
	"github.com/fleetkit/enrolltrack/internal/tailer"
)

// eventRecorder is a thread-safe EventSink test double.
type eventRecorder struct {
	mu     sync.Mutex
	events []domain.EnrollmentEvent
}

func (r *eventRecorder) sink() domain.EventSink {
	return func(e domain.EnrollmentEvent) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, e)
	}
}

func (r *eventRecorder) all() []domain.EnrollmentEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.EnrollmentEvent(nil), r.events...)
}

func (r *eventRecorder) ofType(eventType string) []domain.EnrollmentEvent {
	var out []domain.EnrollmentEvent
	for _, e := range r.all() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// mockHello implements domain.HelloMonitor with scripted answers.
type mockHello struct {
	configured     bool
	completed      bool
	waitTimerCalls int
	triggers       []string
}

func (m *mockHello) IsPolicyConfigured() bool { return m.configured }
func (m *mockHello) IsHelloCompleted() bool   { return m.completed }
func (m *mockHello) StartHelloWaitTimer()     { m.waitTimerCalls++ }
func (m *mockHello) FinalizingSetupTriggered(reason string) {
	m.triggers = append(m.triggers, reason)
}

// mockStore implements domain.SnapshotStore in memory.
type mockStore struct {
	saved   *domain.Snapshot
	deletes int
}

func (m *mockStore) Save(s *domain.Snapshot) error { m.saved = s; return nil }
func (m *mockStore) Load() (*domain.Snapshot, error) {
	return m.saved, nil
}
func (m *mockStore) Delete() error { m.deletes++; m.saved = nil; return nil }
func (m *mockStore) Path() string  { return "mock" }

// mockMarker implements domain.CompletionMarker in memory.
type mockMarker struct {
	writes   int
	sessions []string
}

func (m *mockMarker) Write(sessionID string) error {
	m.writes++
	m.sessions = append(m.sessions, sessionID)
	return nil
}
func (m *mockMarker) Exists() bool { return m.writes > 0 }
func (m *mockMarker) Path() string { return "mock-marker" }

// mockFacts implements domain.FactsCollector counting collections.
type mockFacts struct {
	collections int
}

func (m *mockFacts) Collect() (domain.DeviceFacts, error) {
	m.collections++
	encrypted := true
	return domain.DeviceFacts{Hostname: "DESKTOP-TEST", DiskEncrypted: &encrypted}, nil
}

type fixture struct {
	orch     *Orchestrator
	registry *apps.Registry
	events   *eventRecorder
	hello    *mockHello
	store    *mockStore
	marker   *mockMarker
	facts    *mockFacts
}

func newFixture(t *testing.T, enrollType domain.EnrollmentType) *fixture {
	t.Helper()
	logger := zap.NewNop()
	f := &fixture{
		registry: apps.NewRegistry(logger),
		events:   &eventRecorder{},
		hello:    &mockHello{},
		store:    &mockStore{},
		marker:   &mockMarker{},
		facts:    &mockFacts{},
	}
	f.orch = New(
		Config{SummaryInterval: time.Hour, Source: "test"},
		"session-1",
		enrollType,
		f.registry,
		tailer.NewPositions(logger),
		f.events.sink(),
		f.hello,
		f.facts,
		f.store,
		f.marker,
		logger,
	)
	t.Cleanup(f.orch.Stop)
	return f
}

func (f *fixture) apply(action domain.RuleAction, params map[string]string) {
	f.orch.Apply(rules.Match{
		Rule:   &rules.CompiledRule{ID: "test-" + string(action), Action: action},
		Params: params,
	}, domain.LogLine{Timestamp: time.Now(), Severity: domain.SeverityInfo})
}

func (f *fixture) detectPhase(phase string) {
	f.apply(domain.ActionPhaseDetected, map[string]string{"phase": phase})
}

func TestOrchestrator_PhaseDedup(t *testing.T) {
	f := newFixture(t, domain.EnrollmentV1)

	f.detectPhase("DeviceSetup")
	f.detectPhase("DeviceSetup")

	changed := f.events.ofType(domain.EventPhaseChanged)
	require.Len(t, changed, 1)
	assert.Equal(t, "device_setup", changed[0].Data["phase"])
	assert.Equal(t, domain.PhaseDeviceSetup, f.orch.Phase())
}

func TestOrchestrator_PhaseSequenceEmitsEachChange(t *testing.T) {
	f := newFixture(t, domain.EnrollmentV1)

	f.detectPhase("DeviceSetup")
	f.detectPhase("AccountSetup")
	f.detectPhase("AccountSetup")

	changed := f.events.ofType(domain.EventPhaseChanged)
	require.Len(t, changed, 2)
	assert.Equal(t, domain.PhaseAccountSetup, f.orch.Phase())
}

func TestOrchestrator_EspExitingFromDeviceSetupIsIntermediate(t *testing.T) {
	f := newFixture(t, domain.EnrollmentV1)
	f.detectPhase("DeviceSetup")

	f.apply(domain.ActionEspExiting, nil)

	// Moves to AccountSetup, must NOT trigger FinalizingSetup.
	assert.Equal(t, domain.PhaseAccountSetup, f.orch.Phase())
	assert.Empty(t, f.hello.triggers)
	assert.Zero(t, f.facts.collections)
}

func TestOrchestrator_EspExitingFromAccountSetupFinalizes(t *testing.T) {
	f := newFixture(t, domain.EnrollmentV1)
	f.detectPhase("DeviceSetup")
	f.detectPhase("AccountSetup")

	f.apply(domain.ActionEspExiting, nil)

	assert.Equal(t, domain.PhaseFinalizingSetup, f.orch.Phase())
	assert.Equal(t, []string{"esp_exiting"}, f.hello.triggers)
	assert.Equal(t, 1, f.hello.waitTimerCalls)
	assert.Equal(t, 1, f.facts.collections)
}

func TestOrchestrator_HelloWizardForcesFinalizingFromAnyPhase(t *testing.T) {
	f := newFixture(t, domain.EnrollmentV1)
	f.detectPhase("DeviceSetup")

	f.apply(domain.ActionHelloWizardStarted, nil)

	assert.Equal(t, domain.PhaseFinalizingSetup, f.orch.Phase())
	assert.Equal(t, []string{"hello_wizard_started"}, f.hello.triggers)
	// The bounded hello wait starts only on the esp_exiting path.
	assert.Zero(t, f.hello.waitTimerCalls)
}

func TestOrchestrator_FinalFactsCollectedExactlyOnce(t *testing.T) {
	f := newFixture(t, domain.EnrollmentV1)
	f.detectPhase("DeviceSetup")
	f.detectPhase("AccountSetup")

	// Both finalizing signals fire; the one-shot guard holds.
	f.apply(domain.ActionHelloWizardStarted, nil)
	f.apply(domain.ActionEspExiting, nil)

	assert.Equal(t, 1, f.facts.collections)
}

func TestOrchestrator_AppLifecycleScenario(t *testing.T) {
	f := newFixture(t, domain.EnrollmentV1)
	f.detectPhase("DeviceSetup")

	f.apply(domain.ActionPoliciesDiscovered, map[string]string{
		"policies": `{"Id":"app-x","Name":"X","Intent":"Required","Targeted":true,"RunAs":"system"}`,
	})
	f.apply(domain.ActionUpdateStateDownloading, map[string]string{
		"app_id": "app-x", "downloaded": "52428800", "total": "104857600",
	})
	f.apply(domain.ActionUpdateStateInstalled, map[string]string{"app_id": "app-x"})

	assert.Equal(t, 1, f.registry.CountAll())
	assert.Equal(t, 1, f.registry.CountCompleted())
	assert.False(t, f.registry.HasError())

	started := f.events.ofType(domain.EventDownloadStarted)
	require.Len(t, started, 1)
	progress := f.events.ofType(domain.EventDownloadProgress)
	require.NotEmpty(t, progress)
	assert.Equal(t, domain.SeverityDebug, progress[0].Severity)
	completed := f.events.ofType(domain.EventInstallCompleted)
	require.Len(t, completed, 1)

	// Order: download started, then progress, then completed.
	assert.Less(t, started[0].Sequence, progress[0].Sequence)
	assert.Less(t, progress[len(progress)-1].Sequence, completed[0].Sequence)
}

func TestOrchestrator_PhantomDownloadEmitsNothing(t *testing.T) {
	f := newFixture(t, domain.EnrollmentV1)

	f.apply(domain.ActionUpdateStateDownloading, map[string]string{
		"app_id": "tiny", "downloaded": "0", "total": "512",
	})

	assert.Empty(t, f.events.ofType(domain.EventDownloadStarted))
	assert.Empty(t, f.events.ofType(domain.EventDownloadProgress))
}

func TestOrchestrator_CascadeEmitsEventsForDependents(t *testing.T) {
	f := newFixture(t, domain.EnrollmentV1)

	f.apply(domain.ActionPoliciesDiscovered, map[string]string{
		"policies": `{"Id":"A","Intent":"Required","Targeted":true},` +
			`{"Id":"B","Intent":"Required","Targeted":true,"DependsOn":["A"]},` +
			`{"Id":"C","Intent":"Required","Targeted":true,"DependsOn":["B"]}`,
	})
	f.apply(domain.ActionUpdateStateError, map[string]string{"app_id": "A", "error_code": "-2016345060"})

	errs := f.events.ofType(domain.EventInstallError)
	require.Len(t, errs, 3)
	assert.Equal(t, "-2016345060", errs[0].Data["error_code"])
	assert.Equal(t, "A", errs[1].Data["cascaded_from"])
	assert.Equal(t, domain.StateError, f.registry.Get("B").State)
	assert.Equal(t, domain.StateError, f.registry.Get("C").State)
}

func TestOrchestrator_AppsOverlayOncePerPhase(t *testing.T) {
	f := newFixture(t, domain.EnrollmentV1)
	f.detectPhase("DeviceSetup")

	dl := func(id string) {
		f.apply(domain.ActionUpdateStateDownloading, map[string]string{
			"app_id": id, "downloaded": "1048576", "total": "10485760",
		})
	}
	dl("a1")
	dl("a2")
	require.Len(t, f.events.ofType(domain.EventAppsDevicePhase), 1)

	// New phase re-arms the overlay; user phase gets the user variant.
	f.detectPhase("AccountSetup")
	dl("a3")
	assert.Len(t, f.events.ofType(domain.EventAppsUserPhase), 1)
	// Canonical phase unchanged by overlays.
	assert.Equal(t, domain.PhaseAccountSetup, f.orch.Phase())
}

func TestOrchestrator_CompletionWithoutHelloPolicy(t *testing.T) {
	f := newFixture(t, domain.EnrollmentV1)
	f.hello.configured = false

	f.apply(domain.ActionUserSessionCompleted, nil)

	require.Len(t, f.events.ofType(domain.EventComplete), 1)
	assert.True(t, f.orch.Completed())
	assert.Equal(t, 1, f.marker.writes)
	assert.Equal(t, []string{"session-1"}, f.marker.sessions)
	assert.Equal(t, 1, f.store.deletes)
}

func TestOrchestrator_HelloGating(t *testing.T) {
	f := newFixture(t, domain.EnrollmentV1)
	f.hello.configured = true
	f.hello.completed = false
	f.store.saved = &domain.Snapshot{SessionID: "session-1"}

	f.apply(domain.ActionUserSessionCompleted, nil)

	// Suspended: exactly one waiting event, no completion, snapshot kept.
	require.Len(t, f.events.ofType(domain.EventWaitingForHello), 1)
	assert.Empty(t, f.events.ofType(domain.EventComplete))
	assert.False(t, f.orch.Completed())
	assert.Zero(t, f.store.deletes)
	assert.NotNil(t, f.store.saved)

	// Repeated signal while suspended does not duplicate the event.
	f.apply(domain.ActionUserSessionCompleted, nil)
	assert.Len(t, f.events.ofType(domain.EventWaitingForHello), 1)

	// Asynchronous hello completion finishes the session.
	f.orch.HelloCompleted()
	require.Len(t, f.events.ofType(domain.EventComplete), 1)
	assert.Equal(t, 1, f.marker.writes)
	assert.Equal(t, 1, f.store.deletes)
}

func TestOrchestrator_HelloCompletedIgnoredWhenNotWaiting(t *testing.T) {
	f := newFixture(t, domain.EnrollmentV1)

	f.orch.HelloCompleted()

	assert.Empty(t, f.events.ofType(domain.EventComplete))
	assert.Zero(t, f.marker.writes)
	assert.False(t, f.orch.Completed())
}

func TestOrchestrator_HelloAlreadyCompletedDoesNotGate(t *testing.T) {
	f := newFixture(t, domain.EnrollmentV1)
	f.hello.configured = true
	f.hello.completed = true

	f.apply(domain.ActionUserSessionCompleted, nil)

	assert.Empty(t, f.events.ofType(domain.EventWaitingForHello))
	assert.Len(t, f.events.ofType(domain.EventComplete), 1)
}

func TestOrchestrator_V2NeverEmitsPhaseEvents(t *testing.T) {
	f := newFixture(t, domain.EnrollmentV2)

	f.detectPhase("DeviceSetup")
	f.detectPhase("AccountSetup")
	f.apply(domain.ActionEspExiting, nil)
	f.apply(domain.ActionHelloWizardStarted, nil)

	assert.Empty(t, f.events.ofType(domain.EventPhaseChanged))
	assert.Empty(t, f.events.ofType(domain.EventAppsDevicePhase))
	assert.Equal(t, domain.PhaseStart, f.orch.Phase())

	// App tracking and completion still apply on v2.
	f.apply(domain.ActionUpdateStateDownloading, map[string]string{
		"app_id": "x", "downloaded": "1048576", "total": "10485760",
	})
	assert.Len(t, f.events.ofType(domain.EventDownloadStarted), 1)

	f.apply(domain.ActionUserSessionCompleted, nil)
	assert.Len(t, f.events.ofType(domain.EventComplete), 1)
}

func TestOrchestrator_TenantStampedOnLaterEvents(t *testing.T) {
	f := newFixture(t, domain.EnrollmentV1)

	f.apply(domain.ActionSetSessionInfo, map[string]string{
		"tenant_id": "11111111-2222-3333-4444-555555555555",
	})
	f.detectPhase("DeviceSetup")

	changed := f.events.ofType(domain.EventPhaseChanged)
	require.Len(t, changed, 1)
	assert.Equal(t, "11111111-2222-3333-4444-555555555555", changed[0].TenantID)
}

func TestOrchestrator_SequenceIsMonotonic(t *testing.T) {
	f := newFixture(t, domain.EnrollmentV1)

	f.detectPhase("DeviceSetup")
	f.detectPhase("AccountSetup")
	f.apply(domain.ActionAgentRestarted, nil)

	events := f.events.all()
	require.NotEmpty(t, events)
	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].Sequence, events[i-1].Sequence)
	}
}

func TestOrchestrator_SnapshotRoundTrip(t *testing.T) {
	f := newFixture(t, domain.EnrollmentV1)
	f.detectPhase("DeviceSetup")
	f.apply(domain.ActionPoliciesDiscovered, map[string]string{
		"policies": `{"Id":"app-x","Name":"X","Intent":"Required","Targeted":true}`,
	})
	f.apply(domain.ActionUpdateStateDownloading, map[string]string{
		"app_id": "app-x", "downloaded": "1048576", "total": "10485760",
	})
	f.apply(domain.ActionIgnoreApp, map[string]string{"app_id": "user-only"})

	snap := f.orch.BuildSnapshot()
	require.NotNil(t, snap)

	g := newFixture(t, domain.EnrollmentV1)
	g.orch.RestoreSnapshot(snap)

	assert.Equal(t, 1, g.registry.CountAll())
	assert.Equal(t, domain.PhaseDeviceSetup, g.orch.Phase())
	assert.True(t, g.registry.IsIgnored("user-only"))

	x := g.registry.Get("app-x")
	require.NotNil(t, x)
	assert.Equal(t, domain.StateDownloading, x.State)
	assert.Equal(t, int64(1048576), x.BytesDownloaded)
	assert.Equal(t, int64(10485760), x.BytesTotal)

	// Restored sequence continues past the persisted watermark.
	g.detectPhase("AccountSetup")
	events := g.events.ofType(domain.EventPhaseChanged)
	require.Len(t, events, 1)
	assert.Greater(t, events[0].Sequence, snap.Sequence)
}

func TestOrchestrator_SummaryTicksAndFinalizes(t *testing.T) {
	logger := zap.NewNop()
	f := &fixture{
		registry: apps.NewRegistry(logger),
		events:   &eventRecorder{},
		hello:    &mockHello{},
		store:    &mockStore{},
		marker:   &mockMarker{},
		facts:    &mockFacts{},
	}
	f.orch = New(
		Config{SummaryInterval: 20 * time.Millisecond, Source: "test"},
		"session-1",
		domain.EnrollmentV1,
		f.registry,
		tailer.NewPositions(logger),
		f.events.sink(),
		f.hello, f.facts, f.store, f.marker,
		logger,
	)
	defer f.orch.Stop()

	f.detectPhase("DeviceSetup")
	f.apply(domain.ActionPoliciesDiscovered, map[string]string{
		"policies": `{"Id":"app-x","Intent":"Required","Targeted":true}`,
	})

	assert.Eventually(t, func() bool {
		return len(f.events.ofType(domain.EventSummary)) >= 2
	}, time.Second, 5*time.Millisecond)

	// All apps terminal: one final summary, then the stream stops.
	f.apply(domain.ActionUpdateStateInstalled, map[string]string{"app_id": "app-x"})
	finals := f.events.ofType(domain.EventSummary)
	require.NotEmpty(t, finals)
	assert.Equal(t, "true", finals[len(finals)-1].Data["final"])

	count := len(f.events.ofType(domain.EventSummary))
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, count, len(f.events.ofType(domain.EventSummary)))
}

func TestOrchestrator_StopIsIdempotentAndSynchronous(t *testing.T) {
	f := newFixture(t, domain.EnrollmentV1)
	f.detectPhase("DeviceSetup")

	f.orch.Stop()
	f.orch.Stop()
}
