// Package policies provides chain.Chainer implementations for common request
// chaining strategies.
//
// server_error.go - ServerErrorRetry, a fixed-count retry on 5xx responses
// retry.go        - Retry, configurable retries with backoff, budgets and breakers
// token.go        - TokenRefresh, bearer token refresh and replay on 401
// rego.go         - Rego, decisions delegated to an OPA module
// expr.go         - Expr, decisions from a CEL expression
//
// Every policy here is safe to share between concurrent chains. Per-chain
// bookkeeping lives in each policy's state type; anything that spans chains
// is guarded inside the policy.
package policies
