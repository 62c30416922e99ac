package chain

import (
	"errors"
	"fmt"
)

// ErrChainLengthExceeded matches any error produced when a chain reaches its
// maximum length without a terminal decision from the policy.
var ErrChainLengthExceeded = errors.New("chain length exceeded")

// ChainLengthExceededError is the only error the engine constructs itself.
type ChainLengthExceededError struct {
	Limit    int
	Attempts int
}

func (e *ChainLengthExceededError) Error() string {
	return fmt.Sprintf("chain length exceeded: %d attempts made, limit %d", e.Attempts, e.Limit)
}

func (e *ChainLengthExceededError) Is(target error) bool {
	return target == ErrChainLengthExceeded
}

// IsChainLengthExceeded reports whether err came from the engine's safety
// valve rather than from the transport or the policy.
func IsChainLengthExceeded(err error) bool {
	return errors.Is(err, ErrChainLengthExceeded)
}
