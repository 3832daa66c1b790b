// Package api contains the core data model of the wip task engine: tasks and
// their versioned snapshots, servers, threads and signals, the error
// taxonomy, and the Engine and Observer interfaces.
//
// Most users interact with the higher-level wip package, which re-exports
// selected types from this package. The api package is intended for custom
// integrations and for code that implements stores or observers.
//
// # Tasks
//
// A Task is a persistent record of one run of a task type. Its execution
// position lives in a Snapshot that references the state table by name and
// version, records the current state, per-state context data and the
// consecutive attempt counter used by max= rules.
//
// Task status moves NOT_STARTED -> PROCESSING -> WAITING -> PROCESSING ...
// -> COMPLETE. Once COMPLETE a task never changes again; ExitStatus then
// records the outcome.
//
// # State logic
//
// A TaskDefinition binds the states of a textual state table to StateFunc
// values and its transition methods to TransitionFunc values. Both receive a
// StateContext giving access to the task, the per-state context data, the
// signals addressed to the task and its children.
//
// # Observability
//
// Observer receives task and step lifecycle callbacks. LoggingObserver,
// BasicMetrics and CompositeObserver are provided here; Prometheus and
// OpenTelemetry observers live in pkg/observability.
package api
