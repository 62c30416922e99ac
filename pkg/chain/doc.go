// Package chain implements request chaining for HTTP client pipelines.
//
// Architecture:
//
// chainer.go    - Policy contract (Chainer, DefaultLimit, Func, WithMaxChainLength)
// middleware.go - Chain execution engine (Middleware, Handle, Wrap)
// observer.go   - Attempt and chain events for telemetry consumers
// errors.go     - Chain length exceeded error
//
// A Chainer inspects the outcome of each exchange and either rewrites the
// request for another attempt or ends the chain with a response or error. The
// Middleware drives that loop and enforces the policy's maximum chain length
// so a policy that never reaches a terminal decision cannot loop forever.
package chain
