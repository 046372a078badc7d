// Package config loads the failsafe deployment configuration and recovery
// plan catalogs.
//
// # Deployment configuration
//
// AppConfig is read from YAML. A .env file in the working directory is
// loaded first, ${VAR} references are expanded, and FAILSAFE_ENV overrides
// the environment. Production always requires approval.
//
//	environment: production
//	recovery:
//	  approval_timeout: 30m
//	  max_downtime_minutes: 120
//	  enable_automated_recovery: true
//	execution:
//	  max_parallel: 4
//	  backoff:
//	    strategy: exponential
//	    initial: 2s
//	store:
//	  path: /var/lib/failsafe/failsafe.db
//	redis:
//	  url: ${REDIS_URL}
//	runners:
//	  interpreter: /bin/bash
//	  hosts:
//	    - name: db-primary
//	      address: 10.0.0.5
//	      user: ops
//	      private_key_path: ~/.ssh/id_ed25519
//
// Settings exposes the recovery section to policies as input.settings.
//
// # Plan catalogs
//
// CatalogParser reads catalogs in CUE, YAML or JSON. CUE catalogs may
// reference the built-in definitions (#Plan, #Step, #Action, #Prerequisite,
// #Check) directly, and may key plans by ID:
//
//	plans: {
//	    "cache-flush": #Plan & {
//	        name:     "Cache Flush"
//	        priority: "low"
//	        steps: [{id: "flush", name: "Flush", action: command: "redis-cli FLUSHALL"}]
//	    }
//	}
//
// YAML and JSON catalogs hold a "plans" list, or are a bare list. Every plan
// is validated against #Plan; problems are reported together in a
// *CatalogError with file positions where CUE provides them.
//
// BuiltinCatalog returns the four plans seeded when no catalog is given.
package config
