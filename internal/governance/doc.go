// Package governance holds the shared safety controls that retry policies
// consult across chains: backoff schedules, outcome classification, a per-host
// retry budget, and a per-host circuit breaker.
//
// Every type here is safe for concurrent use. Policies keep one instance for
// their whole lifetime and share it between all the chains they decide.
package governance
