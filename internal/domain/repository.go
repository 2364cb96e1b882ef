package domain

// EventSink receives every strategic event the tracker emits.
// Upload and batching are the receiver's concern, never the core's.
type EventSink func(EnrollmentEvent)

// SnapshotStore persists the tracker's mutable state so a process
// restart mid-session resumes without losing or duplicating progress.
// Implementation: atomic JSON file (temp write + rename).
type SnapshotStore interface {
	// Save writes the snapshot atomically.
	Save(snap *Snapshot) error

	// Load reads the last saved snapshot. Returns (nil, nil) if none exists.
	Load() (*Snapshot, error)

	// Delete removes the snapshot. Called exactly once, on confirmed
	// session completion. Deleting a missing snapshot is not an error.
	Delete() error

	// Path returns the snapshot file path (for status output and tests).
	Path() string
}

// CompletionMarker records that a session finished, so the hosting
// process can decide after a restart whether a cleanup retry is needed.
type CompletionMarker interface {
	// Write creates the marker sentinel with a timestamp payload.
	Write(sessionID string) error

	// Exists checks whether a marker from a previous run is present.
	Exists() bool

	// Path returns the marker file path.
	Path() string
}

// HelloMonitor is the external Windows Hello collaborator. Its detection
// mechanism is out of scope; the orchestrator only consumes this surface.
// The asynchronous HelloCompleted notification flows the other way: the
// collaborator calls the orchestrator's HelloCompleted method.
type HelloMonitor interface {
	// IsPolicyConfigured reports whether a Hello enrollment policy targets
	// this device.
	IsPolicyConfigured() bool

	// IsHelloCompleted reports whether the user already finished the
	// Hello wizard.
	IsHelloCompleted() bool

	// StartHelloWaitTimer begins the collaborator-owned bounded wait for
	// the Hello step. Timeout policy belongs to the collaborator.
	StartHelloWaitTimer()

	// FinalizingSetupTriggered notifies the collaborator that the session
	// entered finalizing. Reason is "esp_exiting" or "hello_wizard_started".
	FinalizingSetupTriggered(reason string)
}

// FactsCollector gathers device metadata. Probe failures surface as an
// error; callers log a warning and omit the fields, never abort.
type FactsCollector interface {
	Collect() (DeviceFacts, error)
}

// RuleSource supplies the active rule list and its later replacements.
type RuleSource interface {
	// Rules returns the full current rule list.
	Rules() ([]Rule, error)
}
