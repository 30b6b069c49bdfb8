// Package fabric is the message-passing layer between services.
// It provides typed envelopes, per-service bounded inboxes, a registry with
// broadcast/point-to-point delivery, and a WebSocket transport for services
// running out of process.
package fabric

// Kind identifies the payload type carried by an envelope.
type Kind string

const (
	KindTokenDiscovery    Kind = "token_discovery"
	KindYieldReport       Kind = "yield_report"
	KindRiskReport        Kind = "risk_report"
	KindAlertDecision     Kind = "alert_decision"
	KindRiskChange        Kind = "risk_change"
	KindHighRiskAlert     Kind = "high_risk_alert"
	KindSettlementRequest Kind = "settlement_request"
	KindRollupSummary     Kind = "rollup_summary"
	KindReanalysisRequest Kind = "reanalysis_request"
)

// Envelope is the unit of delivery on the fabric.
// ContextID is the token address grouping all evidence for one asset;
// delivery preserves arrival order for envelopes sharing the same ContextID
// sent from the same source (a single FIFO inbox per endpoint guarantees it).
type Envelope struct {
	Kind      Kind
	ContextID string
	SourceID  string // id of the emitting service
	SentAt    int64  // Unix timestamp in milliseconds
	Payload   any
}
