// Package observability provides api.Observer implementations backed by
// Prometheus metrics and OpenTelemetry tracing.
//
// Both observers can be combined with api.NewLoggingObserver through
// api.NewCompositeObserver and passed to the engine configuration.
package observability
