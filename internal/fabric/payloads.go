package fabric

import "token-sentinel/internal/domain"

// YieldReport carries a yield observation, optionally with the previous
// observation for change notifications. The aggregator treats both forms
// as a normal refresh.
type YieldReport struct {
	Evidence domain.YieldEvidence
	Previous *domain.YieldEvidence // nil on first report
	DeltaAPY float64               // Evidence.APY - Previous.APY when Previous is set
}

// RiskReport carries a risk observation. The same payload shape is used for
// the high_risk_alert variant.
type RiskReport struct {
	Evidence domain.RiskEvidence
	Previous *domain.RiskEvidence // nil on first report
}

// RiskChange is the business event emitted when a re-analysis finds the
// composite risk score moved by more than the material-change threshold.
type RiskChange struct {
	Address    string
	Chain      string
	PrevScore  float64
	NewScore   float64
	Delta      float64 // NewScore - PrevScore
	ObservedAt int64   // Unix timestamp in milliseconds
}

// ReanalysisRequest asks the yield/risk services to re-fetch evidence for a
// previously flagged token.
type ReanalysisRequest struct {
	Address string
	Chain   string
	Reason  string // e.g. "avoid_decision", "high_risk"
}
