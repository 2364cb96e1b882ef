// Package fixtures provides test helpers for integration tests.
package fixtures

import (
	"fmt"
	"os"
	"time"
)

// AgentLogWriter appends structured agent log lines to a file, mimicking
// the management agent's own writer (append-only, CRLF line endings).
type AgentLogWriter struct {
	Path      string
	Component string
}

// NewAgentLogWriter creates a writer for the given log path.
func NewAgentLogWriter(path string) *AgentLogWriter {
	return &AgentLogWriter{
		Path:      path,
		Component: "IntuneManagementExtension",
	}
}

// Line renders one log line in the agent's structured envelope.
func Line(ts time.Time, component, message string, severity int) string {
	return fmt.Sprintf(
		`<![LOG[%s]LOG]!><time="%s" date="%s" component="%s" context="" type="%d" thread="10" file="">`,
		message,
		ts.Format("15:04:05.0000000"),
		ts.Format("1-2-2006"),
		component,
		severity,
	)
}

// Append writes each message as one informational log line.
func (w *AgentLogWriter) Append(messages ...string) error {
	f, err := os.OpenFile(w.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	for _, msg := range messages {
		if _, err := f.WriteString(Line(time.Now(), w.Component, msg, 1) + "\r\n"); err != nil {
			return err
		}
	}
	return nil
}

// AppendRaw writes text verbatim, for torn-line and garbage scenarios.
func (w *AgentLogWriter) AppendRaw(text string) error {
	f, err := os.OpenFile(w.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(text)
	return err
}

// Rollover simulates the agent's log rotation by truncating the file and
// starting over with the given messages.
func (w *AgentLogWriter) Rollover(messages ...string) error {
	if err := os.Truncate(w.Path, 0); err != nil {
		return err
	}
	return w.Append(messages...)
}

// PhaseLine renders the agent's ESP phase announcement.
func PhaseLine(phase string) string {
	return "ESP phase: " + phase
}

// PoliciesLine renders the agent's policy dump for the given app JSON
// objects.
func PoliciesLine(appObjects ...string) string {
	line := "Get policies = ["
	for i, obj := range appObjects {
		if i > 0 {
			line += ","
		}
		line += obj
	}
	return line + "]"
}

// RequiredApp renders one policy dump entry for a required, targeted app.
func RequiredApp(id, name string, dependsOn ...string) string {
	deps := ""
	for i, d := range dependsOn {
		if i > 0 {
			deps += ","
		}
		deps += fmt.Sprintf("%q", d)
	}
	return fmt.Sprintf(
		`{"Id":%q,"Name":%q,"Intent":"Required","Targeted":true,"RunAs":"system","DependsOn":[%s]}`,
		id, name, deps,
	)
}

// DownloadLine renders the agent's download status line.
func DownloadLine(id, name string, downloaded, total int64) string {
	return fmt.Sprintf(
		"[StatusService] Downloading app (id = %s, name %s) via DeliveryOptimization, bytes %d/%d",
		id, name, downloaded, total,
	)
}

// InstallingLine renders the agent's install start line.
func InstallingLine(id string) string {
	return fmt.Sprintf("[Win32App] Installing app (id = %s)", id)
}

// InstalledLine renders the agent's successful install line.
func InstalledLine(id string) string {
	return fmt.Sprintf("[Win32App] Installation is done for app %s, status: Success", id)
}

// ErrorLine renders the agent's install failure line.
func ErrorLine(id string, code int64) string {
	return fmt.Sprintf("[Win32App] App %s failed with error code %d", id, code)
}

// SessionCompletedLine renders the agent's end-of-session line.
func SessionCompletedLine() string {
	return "[Win32App] The user session is completed"
}
