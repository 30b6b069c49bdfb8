package domain

// Classification is the actionable signal produced for a decision-ready token.
type Classification string

const (
	ClassificationBuy   Classification = "BUY"
	ClassificationWatch Classification = "WATCH"
	ClassificationAvoid Classification = "AVOID"
)

// Decision is the immutable outcome of evaluating a complete evidence set.
// A later decision for the same token supersedes, never mutates, an earlier one.
type Decision struct {
	DecisionID     string // PRIMARY KEY, deterministic hash
	Address        string
	Chain          string
	Symbol         string
	Classification Classification
	Confidence     float64 // 0-100
	Reasoning      string  // human-readable triggering factors

	// Snapshots of the evidence the decision was computed from.
	YieldSnapshot YieldEvidence
	RiskSnapshot  RiskEvidence

	CreatedAt   int64 // Unix timestamp in milliseconds
	ActionTaken bool  // set once settlement has processed the decision
}

// DecisionHistoryRow is the flattened decision form kept in the analytics
// store for rollup queries. Corresponds to decision_history in ClickHouse.
type DecisionHistoryRow struct {
	DecisionID     string
	Address        string
	Chain          string
	Symbol         string
	Classification string
	Confidence     float64
	RiskScore      float64
	APY            float64
	TVLUSD         float64
	CreatedAt      int64 // Unix timestamp in milliseconds
}
