// Package pipeline assembles an http.Client from a base transport and a stack
// of RoundTripper middleware. Chain middleware from package chain is one link
// in that stack.
package pipeline
