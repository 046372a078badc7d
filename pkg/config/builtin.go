package config

import (
	"github.com/openfroyo/failsafe/pkg/engine"
	"github.com/openfroyo/failsafe/pkg/policy"
)

// BuiltinCatalog returns the default recovery plans seeded by setup when no
// catalog file is configured. Actions call scripts under scripts/ relative to
// the runner's working directory.
func BuiltinCatalog() []engine.RecoveryPlan {
	actionsDefined := engine.Prerequisite{
		Name:        "Actions defined",
		Description: "Every step names a command or a script",
		Policy:      policy.ActionDefinedPolicy,
	}

	return []engine.RecoveryPlan{
		{
			ID:                       "database-corruption",
			Name:                     "Database Corruption Recovery",
			Description:              "Recover from database corruption or data loss",
			Priority:                 engine.PriorityCritical,
			EstimatedDowntimeSeconds: 30 * 60,
			Steps: []engine.Step{
				{
					ID:             "stop-application",
					Name:           "Stop Application",
					Description:    "Put application in maintenance mode",
					Action:         engine.ActionRef{Script: "scripts/maintenance.sh", Args: []string{"on"}},
					TimeoutSeconds: 60,
					MaxRetries:     3,
				},
				{
					ID:             "backup-current-state",
					Name:           "Backup Current State",
					Description:    "Create backup of current corrupted state for analysis",
					Action:         engine.ActionRef{Script: "scripts/create-backup.sh"},
					TimeoutSeconds: 600,
					MaxRetries:     1,
					Dependencies:   []string{"stop-application"},
				},
				{
					ID:                "restore-database",
					Name:              "Restore Database",
					Description:       "Restore database from latest valid backup",
					Action:            engine.ActionRef{Script: "scripts/restore-backup.sh"},
					TimeoutSeconds:    1800,
					MaxRetries:        2,
					RollbackOnFailure: true,
					Dependencies:      []string{"backup-current-state"},
				},
				{
					ID:                "validate-restoration",
					Name:              "Validate Database Restoration",
					Description:       "Verify database integrity and consistency",
					Action:            engine.ActionRef{Script: "scripts/validate-database.sh"},
					TimeoutSeconds:    300,
					MaxRetries:        1,
					RollbackOnFailure: true,
					Dependencies:      []string{"restore-database"},
				},
				{
					ID:             "warm-cache",
					Name:           "Warm Application Cache",
					Description:    "Pre-populate cache with frequently accessed data",
					Action:         engine.ActionRef{Script: "scripts/warm-cache.sh"},
					TimeoutSeconds: 180,
					MaxRetries:     2,
					Dependencies:   []string{"validate-restoration"},
				},
				{
					ID:                "restart-application",
					Name:              "Restart Application",
					Description:       "Remove maintenance mode and restart services",
					Action:            engine.ActionRef{Script: "scripts/maintenance.sh", Args: []string{"off", "--restart"}},
					TimeoutSeconds:    300,
					MaxRetries:        3,
					RollbackOnFailure: true,
					Dependencies:      []string{"warm-cache"},
				},
			},
			RollbackSteps: []engine.Step{
				{
					ID:             "enable-maintenance",
					Name:           "Enable Maintenance Mode",
					Description:    "Put application back in maintenance mode",
					Action:         engine.ActionRef{Script: "scripts/maintenance.sh", Args: []string{"on"}},
					TimeoutSeconds: 60,
					MaxRetries:     3,
				},
			},
			Prerequisites: []engine.Prerequisite{
				actionsDefined,
				{
					Name:  "Valid database backup available",
					Check: &engine.ActionRef{Script: "scripts/check-backup.sh"},
				},
				{Name: "Database credentials configured"},
				{Name: "Sufficient disk space for restoration"},
			},
			ValidationChecks: []engine.ValidationCheck{
				{
					Name:           "Database Connectivity",
					Description:    "Verify database connection",
					Command:        engine.ActionRef{Script: "scripts/test-database.sh"},
					ExpectedResult: "success",
					Critical:       true,
				},
				{
					Name:           "User Authentication",
					Description:    "Test user login functionality",
					Command:        engine.ActionRef{Script: "scripts/test-auth.sh"},
					ExpectedResult: "success",
					Critical:       true,
				},
				{
					Name:        "Collaboration Features",
					Description: "Test team collaboration functionality",
					Command:     engine.ActionRef{Script: "scripts/test-collaboration.sh"},
					Assert:      `exit_code == 0 and "success" in stdout`,
				},
			},
		},
		{
			ID:                       "application-failure",
			Name:                     "Application Deployment Failure Recovery",
			Description:              "Recover from failed deployment or application crashes",
			Priority:                 engine.PriorityHigh,
			EstimatedDowntimeSeconds: 10 * 60,
			Steps: []engine.Step{
				{
					ID:             "identify-last-good-deployment",
					Name:           "Identify Last Good Deployment",
					Description:    "Find the last successful deployment",
					Action:         engine.ActionRef{Script: "scripts/deployments.sh", Args: []string{"list", "--limit=10"}},
					TimeoutSeconds: 30,
					MaxRetries:     1,
				},
				{
					ID:             "rollback-deployment",
					Name:           "Rollback Deployment",
					Description:    "Rollback to previous stable deployment",
					Action:         engine.ActionRef{Script: "scripts/deployments.sh", Args: []string{"rollback", "--timeout=60s"}},
					TimeoutSeconds: 120,
					MaxRetries:     2,
					Dependencies:   []string{"identify-last-good-deployment"},
				},
				{
					ID:             "verify-rollback",
					Name:           "Verify Rollback",
					Description:    "Verify application is functioning correctly",
					Action:         engine.ActionRef{Script: "scripts/health-check.sh"},
					TimeoutSeconds: 180,
					MaxRetries:     3,
					Dependencies:   []string{"rollback-deployment"},
				},
			},
			Prerequisites: []engine.Prerequisite{
				actionsDefined,
				{Name: "Previous deployment available"},
				{Name: "Deployment CLI configured"},
			},
			ValidationChecks: []engine.ValidationCheck{
				{
					Name:        "Application Health",
					Description: "Verify application health endpoint",
					Command:     engine.ActionRef{Command: "curl -fsS -o /dev/null -w '%{http_code}' ${APP_HEALTH_URL}"},
					Assert:      `stdout.strip() == "200"`,
					Critical:    true,
				},
			},
		},
		{
			ID:                       "data-breach-response",
			Name:                     "Data Breach Response",
			Description:              "Response procedures for potential data breach",
			Priority:                 engine.PriorityCritical,
			EstimatedDowntimeSeconds: 60 * 60,
			Steps: []engine.Step{
				{
					ID:             "isolate-systems",
					Name:           "Isolate Affected Systems",
					Description:    "Immediately isolate potentially compromised systems",
					Action:         engine.ActionRef{Script: "scripts/lockdown.sh", Args: []string{"on"}},
					TimeoutSeconds: 30,
					MaxRetries:     1,
				},
				{
					ID:             "revoke-access-tokens",
					Name:           "Revoke Access Tokens",
					Description:    "Invalidate all user sessions and API tokens",
					Action:         engine.ActionRef{Script: "scripts/revoke-all-tokens.sh"},
					TimeoutSeconds: 300,
					MaxRetries:     1,
					Dependencies:   []string{"isolate-systems"},
				},
				{
					ID:             "assess-breach-scope",
					Name:           "Assess Breach Scope",
					Description:    "Analyze logs to determine scope of breach",
					Action:         engine.ActionRef{Script: "scripts/analyze-breach.sh"},
					TimeoutSeconds: 600,
					MaxRetries:     1,
					Dependencies:   []string{"revoke-access-tokens"},
				},
				{
					ID:             "notify-stakeholders",
					Name:           "Notify Stakeholders",
					Description:    "Send breach notification to relevant parties",
					Action:         engine.ActionRef{Script: "scripts/breach-notification.sh"},
					TimeoutSeconds: 120,
					MaxRetries:     2,
					Dependencies:   []string{"assess-breach-scope"},
				},
			},
			Prerequisites: []engine.Prerequisite{
				actionsDefined,
				{Name: "Incident response team available"},
				{Name: "Legal team contacted"},
				{Name: "Communication templates prepared"},
			},
			ValidationChecks: []engine.ValidationCheck{
				{
					Name:           "All Sessions Revoked",
					Description:    "Verify all user sessions are invalidated",
					Command:        engine.ActionRef{Script: "scripts/verify-session-revocation.sh"},
					ExpectedResult: "all_revoked",
					Critical:       true,
				},
			},
		},
		{
			ID:                       "infrastructure-failure",
			Name:                     "Infrastructure Failure Recovery",
			Description:              "Recover from infrastructure provider outages",
			Priority:                 engine.PriorityHigh,
			EstimatedDowntimeSeconds: 120 * 60,
			Steps: []engine.Step{
				{
					ID:             "assess-infrastructure-status",
					Name:           "Assess Infrastructure Status",
					Description:    "Check status of all infrastructure components",
					Action:         engine.ActionRef{Script: "scripts/check-infrastructure.sh"},
					TimeoutSeconds: 180,
					MaxRetries:     1,
				},
				{
					ID:                "activate-failover",
					Name:              "Activate Failover Systems",
					Description:       "Switch to backup infrastructure if available",
					Action:            engine.ActionRef{Script: "scripts/activate-failover.sh"},
					TimeoutSeconds:    600,
					MaxRetries:        2,
					RollbackOnFailure: true,
					Dependencies:      []string{"assess-infrastructure-status"},
				},
				{
					ID:                "update-dns",
					Name:              "Update DNS Records",
					Description:       "Point DNS to failover infrastructure",
					Action:            engine.ActionRef{Script: "scripts/update-dns.sh"},
					TimeoutSeconds:    300,
					MaxRetries:        3,
					RollbackOnFailure: true,
					Dependencies:      []string{"activate-failover"},
				},
			},
			RollbackSteps: []engine.Step{
				{
					ID:             "revert-dns",
					Name:           "Revert DNS Changes",
					Description:    "Revert DNS to original configuration",
					Action:         engine.ActionRef{Script: "scripts/revert-dns.sh"},
					TimeoutSeconds: 300,
					MaxRetries:     3,
				},
			},
			Prerequisites: []engine.Prerequisite{
				actionsDefined,
				{Name: "Failover infrastructure configured"},
				{Name: "DNS management access"},
				{Name: "Infrastructure monitoring tools"},
			},
			ValidationChecks: []engine.ValidationCheck{
				{
					Name:           "Failover Accessibility",
					Description:    "Verify failover systems are accessible",
					Command:        engine.ActionRef{Script: "scripts/test-failover.sh"},
					ExpectedResult: "accessible",
					Critical:       true,
				},
			},
		},
	}
}
