package rules

import "github.com/fleetkit/enrolltrack/internal/domain"

// Default returns the built-in rule list covering the management agent's
// log vocabulary, so the tracker works with no rule file at all. Sites
// with customized agents override this with a YAML rule file.
func Default() []domain.Rule {
	return []domain.Rule{
		{
			ID:       "policies-discovered",
			Category: domain.CategoryAlways,
			Pattern:  `Get policies = \[(?P<policies>.*)\]$`,
			Action:   domain.ActionPoliciesDiscovered,
			Enabled:  true,
		},
		{
			ID:       "set-current-app",
			Category: domain.CategoryAlways,
			Pattern:  `ExecManager: processing targeted app \(name='(?P<app_name>[^']*)', id='(?P<app_id>[^']*)'\)`,
			Action:   domain.ActionSetCurrentApp,
			Enabled:  true,
		},
		{
			ID:       "app-downloading",
			Category: domain.CategoryAlways,
			Pattern:  `\[StatusService\] Downloading app \(id = (?P<app_id>[^,]+), name (?P<app_name>.*?)\) via \w+, bytes (?P<downloaded>\d+)/(?P<total>\d+)`,
			Action:   domain.ActionUpdateStateDownloading,
			Enabled:  true,
		},
		{
			ID:       "download-progress",
			Category: domain.CategoryAlways,
			Pattern:  `\[StatusService\] Downloading app \(id = (?P<app_id>[^,]+)\) progress: (?P<percent>\d+)%, bytes (?P<downloaded>\d+)/(?P<total>\d+)`,
			Action:   domain.ActionDownloadProgress,
			Enabled:  true,
		},
		{
			ID:       "app-installing",
			Category: domain.CategoryAlways,
			Pattern:  `\[Win32App\] Installing app \(id = (?P<app_id>[^,)]+)`,
			Action:   domain.ActionUpdateStateInstalling,
			Enabled:  true,
		},
		{
			ID:       "app-installed",
			Category: domain.CategoryAlways,
			Pattern:  `\[Win32App\] Installation is done for app (?P<app_id>\S+), status: Success`,
			Action:   domain.ActionUpdateStateInstalled,
			Enabled:  true,
		},
		{
			ID:       "app-error",
			Category: domain.CategoryAlways,
			Pattern:  `\[Win32App\] App (?P<app_id>\S+) failed with error code (?P<error_code>-?\d+)`,
			Action:   domain.ActionUpdateStateError,
			Enabled:  true,
		},
		{
			ID:       "app-postponed",
			Category: domain.CategoryAlways,
			Pattern:  `\[Win32App\] Install of app (?P<app_id>\S+) postponed until reboot`,
			Action:   domain.ActionUpdateStatePostponed,
			Enabled:  true,
		},
		{
			ID:       "app-skipped",
			Category: domain.CategoryAlways,
			Pattern:  `\[Win32App\] Skipping app (?P<app_id>\S+), applicability check failed`,
			Action:   domain.ActionUpdateStateSkipped,
			Enabled:  true,
		},
		{
			ID:       "app-dependency",
			Category: domain.CategoryAlways,
			Pattern:  `\[Win32App\] App (?P<app_id>\S+) depends on (?P<depends_on>\S+)`,
			Action:   domain.ActionSetAppDependency,
			Enabled:  true,
		},
		{
			ID:       "ignore-user-targeted",
			Category: domain.CategoryAlways,
			Pattern:  `\[Win32App\] Skipping user targeted app \(id = (?P<app_id>\S+)\)`,
			Action:   domain.ActionIgnoreApp,
			Enabled:  true,
		},
		{
			ID:       "esp-phase",
			Category: domain.CategoryAlways,
			Pattern:  `ESP phase: (?P<phase>\w+)`,
			Action:   domain.ActionPhaseDetected,
			Enabled:  true,
		},
		{
			ID:       "esp-exiting",
			Category: domain.CategoryAlways,
			Pattern:  `ESP is exiting`,
			Action:   domain.ActionEspExiting,
			Enabled:  true,
		},
		{
			ID:       "hello-wizard-started",
			Category: domain.CategoryAlways,
			Pattern:  `Windows Hello for Business enrollment wizard started`,
			Action:   domain.ActionHelloWizardStarted,
			Enabled:  true,
		},
		{
			ID:       "user-session-completed",
			Category: domain.CategoryAlways,
			Pattern:  `\[Win32App\] The user session is completed`,
			Action:   domain.ActionUserSessionCompleted,
			Enabled:  true,
		},
		{
			ID:       "session-info",
			Category: domain.CategoryAlways,
			Pattern:  `AccountID: (?P<tenant_id>[0-9a-fA-F-]{36})`,
			Action:   domain.ActionSetSessionInfo,
			Enabled:  true,
		},
		{
			ID:       "agent-restarted",
			Category: domain.CategoryAlways,
			Pattern:  `IntuneManagementExtension service is starting`,
			Action:   domain.ActionAgentRestarted,
			Enabled:  true,
		},
		{
			ID:       "agent-error-lines",
			Category: domain.CategoryOtherPhasesOnly,
			Phase:    domain.PhaseFinalizingSetup,
			Pattern:  `(?i)unexpected exception|fatal error during enrollment`,
			Action:   domain.ActionEmitRaw,
			Params:   map[string]string{"reason": "agent_error"},
			Enabled:  true,
		},
	}
}
