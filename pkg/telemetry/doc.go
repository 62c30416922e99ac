// Package telemetry wires OpenTelemetry tracing and metrics into request
// chains.
//
// SetupProvider installs the process-wide tracer provider with an OTLP/gRPC
// exporter. NewObserver returns a chain.Observer that records attempt and
// chain metrics through the global meter provider and annotates the span found
// in the request context, so operators can see every resend that happened
// behind a single client call.
package telemetry
