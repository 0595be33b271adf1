// Package config loads the resource manager configuration.
//
// Configuration is read from a YAML file, overridden by WSM_ environment
// variables, and filled in from defaults. Nested keys map to environment
// variables by replacing dots with underscores:
//
//	store.driver            WSM_STORE_DRIVER
//	checkpoint.redis.addr   WSM_CHECKPOINT_REDIS_ADDR
//	telemetry.logging.level WSM_TELEMETRY_LOGGING_LEVEL
//
// A minimal file:
//
//	store:
//	  driver: postgres
//	  dsn: postgres://wsm@db/wsm?sslmode=disable
//	checkpoint:
//	  backend: redis
//	  redis:
//	    addr: redis:6379
//	poller:
//	  transfer:
//	    interval: 30s
//	    budget: 12h
//
// Loader.Watch re-reads the file when it changes. Only settings that can
// change safely at runtime should be applied from the reloaded Config; the
// CLI applies the log level.
package config
