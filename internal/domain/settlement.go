package domain

// SettlementAction is what settling a decision actually does.
type SettlementAction string

const (
	ActionLogOnly       SettlementAction = "LOG_ONLY"
	ActionValueTransfer SettlementAction = "VALUE_TRANSFER"
	ActionTokenTransfer SettlementAction = "TOKEN_TRANSFER"
)

// SettlementStatus is the state of a settlement record.
// PENDING is the only non-terminal state; terminal states are never revisited.
type SettlementStatus string

const (
	StatusPending   SettlementStatus = "PENDING"
	StatusCompleted SettlementStatus = "COMPLETED"
	StatusFailed    SettlementStatus = "FAILED"
)

// SettlementRecord records the outcome of processing one Decision.
// A corrective settlement for the same decision is a new record with a
// higher attempt number, never an update of a terminal record.
type SettlementRecord struct {
	SettlementID string // PRIMARY KEY, deterministic hash of (decision_id, attempt)
	DecisionID   string
	Attempt      int
	Action       SettlementAction
	Status       SettlementStatus
	LedgerRef    string // acknowledgement id from the audit ledger, empty until written
	TxRef        string // external transfer reference, if any
	ErrMsg       string // failure detail when Status is FAILED
	CreatedAt    int64  // Unix timestamp in milliseconds
}
