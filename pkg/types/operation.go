package types

// OperationType identifies the kind of sync operation being executed.
type OperationType string

const (
	OpSync         OperationType = "sync"
	OpDiscovery    OperationType = "discovery"
	OpHandshake    OperationType = "handshake"
	OpTransfer     OperationType = "transfer"
	OpVerification OperationType = "verification"
)

// Valid reports whether t is one of the known operation types
func (t OperationType) Valid() bool {
	switch t {
	case OpSync, OpDiscovery, OpHandshake, OpTransfer, OpVerification:
		return true
	default:
		return false
	}
}

// Priority controls how aggressively an operation is retried.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

// String implements fmt.Stringer
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	default:
		return "unknown"
	}
}
