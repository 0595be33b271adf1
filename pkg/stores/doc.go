// Package stores persists resource rows and flight checkpoints.
//
// The SQLite and PostgreSQL backends share one set of queries. Every
// resource state change is a single conditional UPDATE or DELETE keyed on
// the expected state and lock owner, so concurrent operations on the same
// resource serialize in the database: exactly one claimant wins and the
// rest get a ConflictError describing the row they lost to.
//
// MemoryStore implements the same contract in process, and
// RedisFlightStore can hold flight checkpoints when the engine runs
// against a shared Redis instead of the resource database.
package stores
