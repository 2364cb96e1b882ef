// Package domain contains core business entities and interfaces.
// This is the innermost layer in Clean Architecture - no external dependencies.
package domain

import "time"

// Severity mirrors the numeric severity field of the agent log format.
// Debug is never produced by the parser; it is used for high-volume
// derived events such as download progress.
type Severity int

const (
	SeverityDebug   Severity = 0
	SeverityInfo    Severity = 1
	SeverityWarning Severity = 2
	SeverityError   Severity = 3
)

// LogLine is one parsed line of the management agent log.
// Ephemeral: produced and consumed within a single tail cycle.
type LogLine struct {
	Timestamp time.Time
	Message   string
	Component string
	Severity  Severity
	Thread    int
}

// TailPosition is the per-file read watermark.
type TailPosition struct {
	Path     string    `json:"path"`
	Offset   int64     `json:"offset"`
	LastSize int64     `json:"last_size"`
	LastRead time.Time `json:"last_read"`
}

// RuleCategory controls when a rule is evaluated relative to the
// session's currently tracked phase.
type RuleCategory string

const (
	CategoryAlways           RuleCategory = "always"
	CategoryCurrentPhaseOnly RuleCategory = "current_phase_only"
	CategoryOtherPhasesOnly  RuleCategory = "other_phases_only"
)

// RuleAction names the fixed handler a matched rule dispatches to.
type RuleAction string

const (
	ActionSetCurrentApp          RuleAction = "set_current_app"
	ActionPoliciesDiscovered     RuleAction = "policies_discovered"
	ActionUpdateStateDownloading RuleAction = "update_state_downloading"
	ActionDownloadProgress       RuleAction = "download_progress"
	ActionUpdateStateInstalling  RuleAction = "update_state_installing"
	ActionUpdateStateInstalled   RuleAction = "update_state_installed"
	ActionUpdateStateError       RuleAction = "update_state_error"
	ActionUpdateStatePostponed   RuleAction = "update_state_postponed"
	ActionUpdateStateSkipped     RuleAction = "update_state_skipped"
	ActionSetAppDependency       RuleAction = "set_app_dependency"
	ActionIgnoreApp              RuleAction = "ignore_app"
	ActionPhaseDetected          RuleAction = "phase_detected"
	ActionEspExiting             RuleAction = "esp_exiting"
	ActionHelloWizardStarted     RuleAction = "hello_wizard_started"
	ActionUserSessionCompleted   RuleAction = "user_session_completed"
	ActionSetSessionInfo         RuleAction = "set_session_info"
	ActionAgentRestarted         RuleAction = "agent_restarted"
	ActionEmitRaw                RuleAction = "emit_raw"
)

// Rule is the configuration form of a pattern rule. Compiled into an
// immutable form by the rules package; a rule set is always swapped as
// a whole, never mutated in place.
type Rule struct {
	ID       string            `yaml:"id"`
	Category RuleCategory      `yaml:"category"`
	Pattern  string            `yaml:"pattern"`
	Action   RuleAction        `yaml:"action"`
	Phase    EnrollmentPhase   `yaml:"phase,omitempty"`
	Params   map[string]string `yaml:"params,omitempty"`
	Enabled  bool              `yaml:"enabled"`
}

// InstallState is the per-package install lifecycle state.
type InstallState string

const (
	StateUnknown     InstallState = "unknown"
	StateDownloading InstallState = "downloading"
	StateInstalling  InstallState = "installing"
	StateInstalled   InstallState = "installed"
	StateError       InstallState = "error"
	StatePostponed   InstallState = "postponed"
	StateSkipped     InstallState = "skipped"
)

// Terminal reports whether the state accepts no further transitions.
func (s InstallState) Terminal() bool {
	switch s {
	case StateInstalled, StateError, StatePostponed, StateSkipped:
		return true
	}
	return false
}

// RunAsAccount is the account context an app installs under.
type RunAsAccount string

const (
	RunAsUnknown RunAsAccount = "unknown"
	RunAsSystem  RunAsAccount = "system"
	RunAsUser    RunAsAccount = "user"
)

// Install intents as reported by policy discovery.
const (
	IntentRequired  = "required"
	IntentAvailable = "available"
)

// AppPackage is the tracked install state of one application package.
// Owned by the registry; mutated only through its transition operations.
type AppPackage struct {
	ID              string       `json:"id"`
	Name            string       `json:"name"`
	Position        int          `json:"position"`
	RunAs           RunAsAccount `json:"run_as"`
	Intent          string       `json:"intent"`
	Targeted        bool         `json:"targeted"`
	DependsOn       []string     `json:"depends_on,omitempty"`
	State           InstallState `json:"state"`
	ProgressPercent int          `json:"progress_percent"`
	BytesDownloaded int64        `json:"bytes_downloaded"`
	BytesTotal      int64        `json:"bytes_total"`
	ActivitySeen    bool         `json:"activity_seen"`
}

// Required reports whether enrollment completion must wait for this package.
func (p *AppPackage) Required() bool {
	return p.Targeted && p.Intent == IntentRequired
}

// EnrollmentPhase is the top-level provisioning phase shown to the user.
type EnrollmentPhase string

const (
	PhaseStart           EnrollmentPhase = "start"
	PhaseDeviceSetup     EnrollmentPhase = "device_setup"
	PhaseAccountSetup    EnrollmentPhase = "account_setup"
	PhaseFinalizingSetup EnrollmentPhase = "finalizing_setup"
	PhaseComplete        EnrollmentPhase = "complete"

	// Overlay phases: emitted as informational events only, never
	// replace the tracked phase.
	PhaseAppsDevice EnrollmentPhase = "apps_device"
	PhaseAppsUser   EnrollmentPhase = "apps_user"
)

// EnrollmentType distinguishes the classic ESP flow from the newer
// Windows Device Preparation flow, which has no ESP phases at all.
type EnrollmentType string

const (
	EnrollmentV1 EnrollmentType = "esp"
	EnrollmentV2 EnrollmentType = "wdp"
)

// EnrollmentEvent is the only artifact crossing the outbound boundary.
// Immutable once constructed.
type EnrollmentEvent struct {
	SessionID string            `json:"session_id"`
	TenantID  string            `json:"tenant_id,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Type      string            `json:"type"`
	Severity  Severity          `json:"severity"`
	Source    string            `json:"source"`
	Phase     EnrollmentPhase   `json:"phase"`
	Message   string            `json:"message"`
	Data      map[string]string `json:"data,omitempty"`
	Sequence  uint64            `json:"sequence"`
}

// Event type vocabulary.
const (
	EventPhaseChanged       = "esp_phase_changed"
	EventAppsDevicePhase    = "apps_device_phase"
	EventAppsUserPhase      = "apps_user_phase"
	EventPoliciesDiscovered = "policies_discovered"
	EventDownloadStarted    = "app_download_started"
	EventDownloadProgress   = "download_progress"
	EventInstallStarted     = "app_install_started"
	EventInstallCompleted   = "app_install_completed"
	EventInstallError       = "app_install_error"
	EventInstallPostponed   = "app_install_postponed"
	EventAppSkipped         = "app_skipped"
	EventSummary            = "enrollment_summary"
	EventAgentRestarted     = "agent_restarted"
	EventWaitingForHello    = "waiting_for_hello"
	EventComplete           = "enrollment_complete"
	EventRawLine            = "raw_line"
)

// DeviceFacts is the slow-changing device metadata attached to events at
// session start and re-collected once when the session begins finalizing.
type DeviceFacts struct {
	Hostname      string    `json:"hostname,omitempty"`
	Platform      string    `json:"platform,omitempty"`
	OSVersion     string    `json:"os_version,omitempty"`
	BootTime      time.Time `json:"boot_time,omitempty"`
	DiskEncrypted *bool     `json:"disk_encrypted,omitempty"`
}

// Snapshot is the persisted union of registry, tail positions and
// session bookkeeping, sufficient to resume after a process restart.
type Snapshot struct {
	Version             int                     `json:"version"`
	SessionID           string                  `json:"session_id"`
	TenantID            string                  `json:"tenant_id,omitempty"`
	EnrollmentType      EnrollmentType          `json:"enrollment_type"`
	Packages            []AppPackage            `json:"packages"`
	IgnoredApps         []string                `json:"ignored_apps,omitempty"`
	CurrentApp          string                  `json:"current_app,omitempty"`
	Positions           map[string]TailPosition `json:"positions"`
	CurrentPhase        EnrollmentPhase         `json:"current_phase"`
	LastDetectedPhase   string                  `json:"last_detected_phase,omitempty"`
	FinalFactsCollected bool                    `json:"final_facts_collected"`
	WaitingForHello     bool                    `json:"waiting_for_hello"`
	Sequence            uint64                  `json:"sequence"`
	SavedAt             time.Time               `json:"saved_at"`
}
