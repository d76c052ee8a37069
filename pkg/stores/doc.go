// Package stores provides the run history persistence layer backed by
// SQLite. Every bring-up run, operation attempt, and health gate
// resolution is recorded so past failures can be inspected after the
// fact. Persistence is best effort: a store failure never aborts a run.
package stores
