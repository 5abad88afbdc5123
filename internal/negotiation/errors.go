package negotiation

import "fmt"

// Role identifies which agent kind an AgentFailureError originates from.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
)

// AgentFailureError wraps a provider or agent-level failure with the role
// and optional run/round/seller context, grounded on the original system's
// BuyerAgentError/SellerAgentError context-carrying exceptions.
type AgentFailureError struct {
	Role        Role
	RunID       string
	RoundNumber int
	SellerID    string // empty for buyer failures
	Err         error
}

func (e *AgentFailureError) Error() string {
	msg := fmt.Sprintf("agent failure (role=%s)", e.Role)
	if e.RunID != "" {
		msg += fmt.Sprintf(" run=%s", e.RunID)
	}
	msg += fmt.Sprintf(" round=%d", e.RoundNumber)
	if e.SellerID != "" {
		msg += fmt.Sprintf(" seller=%s", e.SellerID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AgentFailureError) Unwrap() error { return e.Err }

// InvariantViolationError indicates a programmer error: one of the data
// model invariants in spec.md §3 has been broken. It is always FATAL.
type InvariantViolationError struct {
	Invariant string
	Detail    string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("invariant violation [%s]: %s", e.Invariant, e.Detail)
}

// CancelledError is the terminal-clean error produced when a run is
// cooperatively cancelled mid-flight.
type CancelledError struct {
	RunID string
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("run %s cancelled", e.RunID)
}

// ConfigError is raised synchronously at RunSpec construction, before any
// event is emitted.
type ConfigError struct {
	Field  string
	Detail string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error [%s]: %s", e.Field, e.Detail)
}

// NoSellersAvailableError is returned by RunManager when SellerSelector
// admission admits no seller for a run (spec.md §4.5).
type NoSellersAvailableError struct {
	RunID string
}

func (e *NoSellersAvailableError) Error() string {
	return fmt.Sprintf("run %s: no sellers available", e.RunID)
}
