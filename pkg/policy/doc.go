// Package policy evaluates recovery plans with Open Policy Agent.
//
// Policies are Rego modules that define a deny set. Each deny message is a
// violation. Two kinds of policy exist:
//
//   - Global policies run for every plan before execution. A violation of
//     an error severity policy stops the run. Warnings are logged.
//   - Named policies run only when a plan prerequisite references them by
//     name. Any violation leaves the prerequisite unmet.
//
// The policy input document has the shape
//
//	{
//	    "plan":        { ...the recovery plan as stored... },
//	    "environment": "production",
//	    "settings":    { "max_downtime_minutes": 60, "enable_automated_recovery": true }
//	}
//
// # Built-in Policies
//
//   - max-downtime (global): estimated downtime must not exceed
//     settings.max_downtime_minutes.
//   - automated-recovery (global): settings.enable_automated_recovery must
//     not be false.
//   - production-rollback (global, warning): critical plans run in
//     production should define rollback steps.
//   - action-defined: every step names a command or a script.
//
// # Custom Policies
//
// Custom policies are loaded from .rego files, JSON policy files and JSON
// bundles. A .rego file is named after the file and may carry header
// directives:
//
//	# Backups must be fresh before restoring.
//	# severity: error
//	# global: true
//	package failsafe.custom.backups
//
//	deny contains msg if {
//	    input.settings.backup_age_hours > 24
//	    msg := "latest backup is older than a day"
//	}
//
// Engine.Watch reloads custom policies when their files change.
package policy
