// Package usecase contains application business logic.
package usecase

import (
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fleetkit/enrolltrack/internal/apps"
	"github.com/fleetkit/enrolltrack/internal/domain"
	"github.com/fleetkit/enrolltrack/internal/rules"
	"github.com/fleetkit/enrolltrack/internal/tailer"
)

// Config holds orchestrator tuning knobs.
type Config struct {
	SummaryInterval time.Duration // periodic summary cadence (default 30s)
	Source          string        // source component stamped on events
}

// DefaultConfig returns default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		SummaryInterval: 30 * time.Second,
		Source:          "enrolltrack",
	}
}

// Orchestrator is the top-level enrollment phase state machine. It owns
// the single mutex serializing the poll loop and the summary timer over
// the shared registry and phase state, consumes rule matches, and emits
// strategic events through the injected sink.
type Orchestrator struct {
	mu  sync.Mutex
	cfg Config

	sessionID  string
	tenantID   string
	enrollType domain.EnrollmentType

	phase              domain.EnrollmentPhase
	lastDetectedPhase  string
	appsOverlayEmitted bool
	finalFacts         domain.DeviceFacts
	factsCollected     bool
	waitingForHello    bool
	completed          bool
	seq                uint64
	dirty              bool

	registry  *apps.Registry
	positions *tailer.Positions
	sink      domain.EventSink
	hello     domain.HelloMonitor
	facts     domain.FactsCollector
	store     domain.SnapshotStore
	marker    domain.CompletionMarker
	logger    *zap.Logger

	summaryStop   chan struct{}
	summaryDone   chan struct{}
	summaryClosed bool
}

// New creates an orchestrator for one enrollment session.
func New(
	cfg Config,
	sessionID string,
	enrollType domain.EnrollmentType,
	registry *apps.Registry,
	positions *tailer.Positions,
	sink domain.EventSink,
	hello domain.HelloMonitor,
	facts domain.FactsCollector,
	store domain.SnapshotStore,
	marker domain.CompletionMarker,
	logger *zap.Logger,
) *Orchestrator {
	if cfg.SummaryInterval <= 0 {
		cfg.SummaryInterval = 30 * time.Second
	}
	if cfg.Source == "" {
		cfg.Source = "enrolltrack"
	}
	return &Orchestrator{
		cfg:        cfg,
		sessionID:  sessionID,
		enrollType: enrollType,
		phase:      domain.PhaseStart,
		registry:   registry,
		positions:  positions,
		sink:       sink,
		hello:      hello,
		facts:      facts,
		store:      store,
		marker:     marker,
		logger:     logger,
	}
}

// Phase returns the currently tracked phase.
func (o *Orchestrator) Phase() domain.EnrollmentPhase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

// Completed reports whether the session already finished.
func (o *Orchestrator) Completed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.completed
}

// Apply dispatches one rule match to its action handler. A panicking
// handler is recovered and logged: a bad rule must never kill the tail
// loop.
func (o *Orchestrator) Apply(m rules.Match, line domain.LogLine) {
	o.mu.Lock()
	defer o.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("rule action panicked",
				zap.String("rule", m.Rule.ID),
				zap.Any("panic", r))
		}
	}()

	switch m.Rule.Action {
	case domain.ActionSetCurrentApp:
		o.handleSetCurrentApp(m)
	case domain.ActionPoliciesDiscovered:
		o.handlePoliciesDiscovered(m, line)
	case domain.ActionUpdateStateDownloading:
		o.handleDownloading(m, line)
	case domain.ActionDownloadProgress:
		o.handleProgress(m, line)
	case domain.ActionUpdateStateInstalling:
		o.handleInstalling(m, line)
	case domain.ActionUpdateStateInstalled:
		o.handleTerminal(m, line, domain.StateInstalled)
	case domain.ActionUpdateStateError:
		o.handleTerminal(m, line, domain.StateError)
	case domain.ActionUpdateStatePostponed:
		o.handleTerminal(m, line, domain.StatePostponed)
	case domain.ActionUpdateStateSkipped:
		o.handleTerminal(m, line, domain.StateSkipped)
	case domain.ActionSetAppDependency:
		o.registry.SetDependency(m.Param("app_id"), m.Param("depends_on"))
	case domain.ActionIgnoreApp:
		o.registry.Ignore(m.Param("app_id"))
	case domain.ActionPhaseDetected:
		o.handlePhaseDetected(m, line)
	case domain.ActionEspExiting:
		o.handleEspExiting(line)
	case domain.ActionHelloWizardStarted:
		o.handleHelloWizardStarted(line)
	case domain.ActionUserSessionCompleted:
		o.handleUserSessionCompleted(line)
	case domain.ActionSetSessionInfo:
		o.handleSetSessionInfo(m)
	case domain.ActionAgentRestarted:
		o.emit(domain.EventAgentRestarted, domain.SeverityInfo, line.Timestamp,
			"management agent restarted", nil)
	case domain.ActionEmitRaw:
		o.emit(domain.EventRawLine, line.Severity, line.Timestamp, line.Message, m.Params)
	default:
		o.logger.Warn("rule references unknown action",
			zap.String("rule", m.Rule.ID),
			zap.String("action", string(m.Rule.Action)))
	}
}

// HelloCompleted is the asynchronous notification from the external
// Hello collaborator. Meaningful only while the session is suspended
// waiting for Hello; otherwise logged and ignored.
func (o *Orchestrator) HelloCompleted() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.waitingForHello {
		o.logger.Info("hello completion received while not waiting, ignoring")
		return
	}
	o.waitingForHello = false
	o.complete(time.Now())
}

func (o *Orchestrator) handleSetCurrentApp(m rules.Match) {
	id := m.Param("app_id")
	if id == "" {
		return
	}
	o.registry.SetCurrent(id)
	o.ensureTracked(id, m.Param("app_name"))
}

// policyApp is the wire shape of one entry in the agent's policy dump.
type policyApp struct {
	ID        string   `json:"Id"`
	Name      string   `json:"Name"`
	Intent    string   `json:"Intent"`
	Targeted  bool     `json:"Targeted"`
	RunAs     string   `json:"RunAs"`
	DependsOn []string `json:"DependsOn"`
}

func (o *Orchestrator) handlePoliciesDiscovered(m rules.Match, line domain.LogLine) {
	raw := "[" + m.Param("policies") + "]"
	var entries []policyApp
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		o.logger.Warn("failed to parse discovered policies", zap.Error(err))
		return
	}

	tracked := 0
	for _, e := range entries {
		if e.ID == "" {
			continue
		}
		runAs := domain.RunAsUnknown
		switch strings.ToLower(e.RunAs) {
		case "system":
			runAs = domain.RunAsSystem
		case "user":
			runAs = domain.RunAsUser
		}
		p := o.registry.Track(domain.AppPackage{
			ID:        e.ID,
			Name:      e.Name,
			Intent:    strings.ToLower(e.Intent),
			Targeted:  e.Targeted,
			RunAs:     runAs,
			DependsOn: e.DependsOn,
		})
		if p != nil {
			tracked++
		}
	}

	o.startSummaryLocked()
	o.dirty = true
	o.emit(domain.EventPoliciesDiscovered, domain.SeverityInfo, line.Timestamp,
		"app policies discovered",
		map[string]string{"count": strconv.Itoa(tracked)})
}

func (o *Orchestrator) handleDownloading(m rules.Match, line domain.LogLine) {
	id := o.resolveAppID(m)
	if id == "" {
		return
	}
	downloaded := parseInt64(m.Param("downloaded"))
	total := parseInt64(m.Param("total"))

	started, accepted := o.registry.StartDownloading(id, m.Param("app_name"), downloaded, total)
	if !accepted {
		return
	}
	o.maybeEmitAppsOverlay(line)
	if started {
		o.dirty = true
		o.emit(domain.EventDownloadStarted, domain.SeverityInfo, line.Timestamp,
			"app download started", appData(o.registry.Get(id)))
	}
	o.emit(domain.EventDownloadProgress, domain.SeverityDebug, line.Timestamp,
		"download progress", appData(o.registry.Get(id)))
}

func (o *Orchestrator) handleProgress(m rules.Match, line domain.LogLine) {
	id := o.resolveAppID(m)
	if id == "" {
		return
	}
	percent, _ := strconv.Atoi(m.Param("percent"))
	if !o.registry.UpdateProgress(id, percent, parseInt64(m.Param("downloaded")), parseInt64(m.Param("total"))) {
		return
	}
	o.emit(domain.EventDownloadProgress, domain.SeverityDebug, line.Timestamp,
		"download progress", appData(o.registry.Get(id)))
}

func (o *Orchestrator) handleInstalling(m rules.Match, line domain.LogLine) {
	id := o.resolveAppID(m)
	if id == "" {
		return
	}
	if !o.registry.StartInstalling(id) {
		return
	}
	o.maybeEmitAppsOverlay(line)
	o.dirty = true
	o.emit(domain.EventInstallStarted, domain.SeverityInfo, line.Timestamp,
		"app install started", appData(o.registry.Get(id)))
}

func (o *Orchestrator) handleTerminal(m rules.Match, line domain.LogLine, state domain.InstallState) {
	id := o.resolveAppID(m)
	if id == "" {
		return
	}
	cascaded, accepted := o.registry.Finish(id, state)
	if !accepted {
		return
	}
	o.dirty = true

	data := appData(o.registry.Get(id))
	if code := m.Param("error_code"); code != "" {
		data["error_code"] = code
	}
	eventType, severity := terminalEvent(state)
	o.emit(eventType, severity, line.Timestamp, "app reached "+string(state), data)

	for _, cid := range cascaded {
		cdata := appData(o.registry.Get(cid))
		cdata["cascaded_from"] = id
		o.emit(eventType, severity, line.Timestamp,
			"app forced to "+string(state)+" by failed dependency", cdata)
	}

	o.afterTerminal(line.Timestamp)
}

// afterTerminal runs the completion bookkeeping shared by all terminal
// transitions: skip untouched optional packages once the required set is
// done, then close out the summary stream when everything is terminal.
func (o *Orchestrator) afterTerminal(ts time.Time) {
	for _, id := range o.registry.SkipUntouched() {
		o.emit(domain.EventAppSkipped, domain.SeverityInfo, ts,
			"untouched optional app skipped", appData(o.registry.Get(id)))
	}

	if o.registry.CountAll() > 0 && o.registry.IsAllCompleted() {
		o.emitSummary(ts, true)
		o.stopSummaryLocked()
	}
}

func (o *Orchestrator) handlePhaseDetected(m rules.Match, line domain.LogLine) {
	if o.enrollType == domain.EnrollmentV2 {
		// Windows Device Preparation has no ESP phases.
		return
	}

	detected := m.Param("phase")
	if detected == "" || detected == o.lastDetectedPhase {
		return
	}
	o.lastDetectedPhase = detected

	mapped, ok := mapPhase(detected)
	if !ok {
		o.logger.Warn("unrecognized ESP phase", zap.String("phase", detected))
		return
	}
	if mapped == o.phase {
		return
	}
	o.enterPhase(mapped, line.Timestamp)
}

func (o *Orchestrator) handleEspExiting(line domain.LogLine) {
	if o.enrollType == domain.EnrollmentV2 {
		return
	}

	switch o.phase {
	case domain.PhaseDeviceSetup:
		// Intermediate exit between ESP pages, not the final one.
		o.enterPhase(domain.PhaseAccountSetup, line.Timestamp)
	case domain.PhaseAccountSetup:
		o.triggerFinalizing("esp_exiting", line.Timestamp)
	default:
		o.logger.Debug("esp exiting observed outside setup phases",
			zap.String("phase", string(o.phase)))
	}
}

func (o *Orchestrator) handleHelloWizardStarted(line domain.LogLine) {
	if o.enrollType == domain.EnrollmentV2 {
		return
	}
	o.triggerFinalizing("hello_wizard_started", line.Timestamp)
}

// triggerFinalizing handles both finalizing signals. The final device
// facts are re-collected exactly once regardless of which signal fires
// first.
func (o *Orchestrator) triggerFinalizing(reason string, ts time.Time) {
	if o.phase != domain.PhaseFinalizingSetup {
		o.enterPhase(domain.PhaseFinalizingSetup, ts)
	}

	if o.hello != nil {
		o.hello.FinalizingSetupTriggered(reason)
		if reason == "esp_exiting" {
			o.hello.StartHelloWaitTimer()
		}
	}

	if !o.factsCollected {
		o.factsCollected = true
		o.dirty = true
		if o.facts != nil {
			facts, err := o.facts.Collect()
			if err != nil {
				o.logger.Warn("final device facts collection failed", zap.Error(err))
			} else {
				o.finalFacts = facts
			}
		}
	}
}

func (o *Orchestrator) handleUserSessionCompleted(line domain.LogLine) {
	if o.completed {
		return
	}

	if o.hello != nil && o.hello.IsPolicyConfigured() && !o.hello.IsHelloCompleted() {
		if !o.waitingForHello {
			o.waitingForHello = true
			o.dirty = true
			o.emit(domain.EventWaitingForHello, domain.SeverityInfo, line.Timestamp,
				"enrollment waiting for Windows Hello completion", nil)
		}
		return
	}

	o.complete(line.Timestamp)
}

func (o *Orchestrator) handleSetSessionInfo(m rules.Match) {
	if tenant := m.Param("tenant_id"); tenant != "" && o.tenantID == "" {
		o.tenantID = tenant
		o.dirty = true
	}
}

// enterPhase records a canonical phase change and emits the dedicated
// event. Entering a phase re-arms the apps overlay.
func (o *Orchestrator) enterPhase(phase domain.EnrollmentPhase, ts time.Time) {
	o.phase = phase
	o.appsOverlayEmitted = false
	o.dirty = true
	o.startSummaryLocked()
	o.emit(domain.EventPhaseChanged, domain.SeverityInfo, ts,
		"enrollment phase changed", map[string]string{"phase": string(phase)})
}

// maybeEmitAppsOverlay emits the AppsDevice/AppsUser informational
// overlay the first time app activity is seen in a setup phase. The
// canonical tracked phase is not changed.
func (o *Orchestrator) maybeEmitAppsOverlay(line domain.LogLine) {
	if o.enrollType == domain.EnrollmentV2 || o.appsOverlayEmitted {
		return
	}

	switch o.phase {
	case domain.PhaseDeviceSetup:
		o.appsOverlayEmitted = true
		o.emit(domain.EventAppsDevicePhase, domain.SeverityInfo, line.Timestamp,
			"device-targeted app installation in progress",
			map[string]string{"overlay": string(domain.PhaseAppsDevice)})
	case domain.PhaseAccountSetup:
		o.appsOverlayEmitted = true
		o.emit(domain.EventAppsUserPhase, domain.SeverityInfo, line.Timestamp,
			"user-targeted app installation in progress",
			map[string]string{"overlay": string(domain.PhaseAppsUser)})
	}
}

// complete finishes the session: completion event, marker file, snapshot
// deletion. One-shot; persistence failures are logged, never fatal.
func (o *Orchestrator) complete(ts time.Time) {
	if o.completed {
		return
	}
	o.completed = true
	o.phase = domain.PhaseComplete
	o.stopSummaryLocked()

	data := map[string]string{
		"apps_total":     strconv.Itoa(o.registry.CountAll()),
		"apps_completed": strconv.Itoa(o.registry.CountCompleted()),
		"apps_errors":    strconv.Itoa(o.registry.CountErrors()),
	}
	if o.finalFacts.DiskEncrypted != nil {
		data["disk_encrypted"] = strconv.FormatBool(*o.finalFacts.DiskEncrypted)
	}
	o.emit(domain.EventComplete, domain.SeverityInfo, ts, "enrollment completed", data)

	if o.marker != nil {
		if err := o.marker.Write(o.sessionID); err != nil {
			o.logger.Warn("failed to write completion marker", zap.Error(err))
		}
	}
	if o.store != nil {
		if err := o.store.Delete(); err != nil {
			o.logger.Warn("failed to delete persisted snapshot", zap.Error(err))
		}
	}
}

// startSummaryLocked starts the periodic summary timer once. Caller
// holds the mutex.
func (o *Orchestrator) startSummaryLocked() {
	if o.summaryStop != nil || o.summaryClosed || o.completed {
		return
	}
	o.summaryStop = make(chan struct{})
	o.summaryDone = make(chan struct{})

	go func(stop, done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(o.cfg.SummaryInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				o.mu.Lock()
				// A tick can be blocked on the mutex while the stream
				// is being closed; re-check under the lock.
				if !o.summaryClosed && !o.completed && o.registry.CountAll() > 0 {
					o.emitSummary(time.Now(), false)
				}
				o.mu.Unlock()
			case <-stop:
				return
			}
		}
	}(o.summaryStop, o.summaryDone)
}

// stopSummaryLocked signals the summary goroutine to exit. Caller holds
// the mutex; the goroutine's exit is awaited by Stop, not here, because
// a tick may be blocked on the same mutex.
func (o *Orchestrator) stopSummaryLocked() {
	o.summaryClosed = true
	if o.summaryStop == nil {
		return
	}
	close(o.summaryStop)
	o.summaryStop = nil
}

// Stop halts the summary timer and waits for it, so no late tick fires
// into a disposed registry. Safe to call more than once.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	done := o.summaryDone
	o.summaryDone = nil
	o.stopSummaryLocked()
	o.mu.Unlock()

	if done != nil {
		<-done
	}
}

func (o *Orchestrator) emitSummary(ts time.Time, final bool) {
	o.emit(domain.EventSummary, domain.SeverityInfo, ts, "enrollment progress summary",
		map[string]string{
			"apps_total":     strconv.Itoa(o.registry.CountAll()),
			"apps_completed": strconv.Itoa(o.registry.CountCompleted()),
			"apps_errors":    strconv.Itoa(o.registry.CountErrors()),
			"final":          strconv.FormatBool(final),
		})
}

// emit constructs and delivers one strategic event. Caller holds the
// mutex; the sink must not call back into the orchestrator.
func (o *Orchestrator) emit(eventType string, severity domain.Severity, ts time.Time, msg string, data map[string]string) {
	if o.sink == nil {
		return
	}
	o.seq++
	o.sink(domain.EnrollmentEvent{
		SessionID: o.sessionID,
		TenantID:  o.tenantID,
		Timestamp: ts,
		Type:      eventType,
		Severity:  severity,
		Source:    o.cfg.Source,
		Phase:     o.phase,
		Message:   msg,
		Data:      data,
		Sequence:  o.seq,
	})
}

// resolveAppID prefers the match's app id, falling back to the package
// the agent most recently declared current.
func (o *Orchestrator) resolveAppID(m rules.Match) string {
	if id := m.Param("app_id"); id != "" {
		return id
	}
	return o.registry.Current()
}

func (o *Orchestrator) ensureTracked(id, name string) {
	if o.registry.Get(id) != nil || o.registry.IsIgnored(id) {
		return
	}
	o.registry.Track(domain.AppPackage{ID: id, Name: name, Targeted: true, State: domain.StateUnknown})
	o.startSummaryLocked()
}

// BuildSnapshot assembles the persisted union of registry, tail
// positions and session flags.
func (o *Orchestrator) BuildSnapshot() *domain.Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()

	packages, ignored, current := o.registry.Snapshot()
	return &domain.Snapshot{
		Version:             1,
		SessionID:           o.sessionID,
		TenantID:            o.tenantID,
		EnrollmentType:      o.enrollType,
		Packages:            packages,
		IgnoredApps:         ignored,
		CurrentApp:          current,
		Positions:           o.positions.Snapshot(),
		CurrentPhase:        o.phase,
		LastDetectedPhase:   o.lastDetectedPhase,
		FinalFactsCollected: o.factsCollected,
		WaitingForHello:     o.waitingForHello,
		Sequence:            o.seq,
		SavedAt:             time.Now(),
	}
}

// RestoreSnapshot resumes a session from persisted state.
func (o *Orchestrator) RestoreSnapshot(snap *domain.Snapshot) {
	if snap == nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	o.sessionID = snap.SessionID
	o.tenantID = snap.TenantID
	if snap.EnrollmentType != "" {
		o.enrollType = snap.EnrollmentType
	}
	o.registry.Restore(snap.Packages, snap.IgnoredApps, snap.CurrentApp)
	o.positions.Restore(snap.Positions)
	if snap.CurrentPhase != "" {
		o.phase = snap.CurrentPhase
	}
	o.lastDetectedPhase = snap.LastDetectedPhase
	o.factsCollected = snap.FinalFactsCollected
	o.waitingForHello = snap.WaitingForHello
	o.seq = snap.Sequence

	if o.registry.CountAll() > 0 || o.phase != domain.PhaseStart {
		o.startSummaryLocked()
	}
}

// ConsumeDirty reports whether a key transition happened since the last
// call, resetting the flag. The tracker snapshots when it returns true.
func (o *Orchestrator) ConsumeDirty() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	d := o.dirty
	o.dirty = false
	return d
}

func appData(p *domain.AppPackage) map[string]string {
	if p == nil {
		return map[string]string{}
	}
	data := map[string]string{
		"app_id":   p.ID,
		"state":    string(p.State),
		"progress": strconv.Itoa(p.ProgressPercent),
	}
	if p.Name != "" {
		data["app_name"] = p.Name
	}
	if p.BytesTotal > 0 {
		data["bytes_downloaded"] = strconv.FormatInt(p.BytesDownloaded, 10)
		data["bytes_total"] = strconv.FormatInt(p.BytesTotal, 10)
	}
	return data
}

func terminalEvent(state domain.InstallState) (string, domain.Severity) {
	switch state {
	case domain.StateInstalled:
		return domain.EventInstallCompleted, domain.SeverityInfo
	case domain.StateError:
		return domain.EventInstallError, domain.SeverityError
	case domain.StatePostponed:
		return domain.EventInstallPostponed, domain.SeverityWarning
	default:
		return domain.EventAppSkipped, domain.SeverityInfo
	}
}

// mapPhase translates the agent's phase vocabulary into the canonical
// tracked phases.
func mapPhase(raw string) (domain.EnrollmentPhase, bool) {
	switch strings.ToLower(raw) {
	case "start", "notstarted":
		return domain.PhaseStart, true
	case "devicepreparation", "devicesetup":
		return domain.PhaseDeviceSetup, true
	case "accountsetup":
		return domain.PhaseAccountSetup, true
	case "finalizing", "finalizingsetup":
		return domain.PhaseFinalizingSetup, true
	case "complete", "completed":
		return domain.PhaseComplete, true
	}
	return "", false
}

func parseInt64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
