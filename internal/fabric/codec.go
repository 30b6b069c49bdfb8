package fabric

import (
	"encoding/json"
	"fmt"

	"token-sentinel/internal/domain"
)

// wireFrame is the JSON form of an envelope crossing the WebSocket transport.
// Targets carries explicit addressing; empty means broadcast.
type wireFrame struct {
	Kind      Kind            `json:"kind"`
	ContextID string          `json:"context_id"`
	SourceID  string          `json:"source_id"`
	SentAt    int64           `json:"sent_at"`
	Targets   []string        `json:"targets,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// encodeFrame marshals an envelope and its targets for the wire.
func encodeFrame(env Envelope, targets []string) ([]byte, error) {
	payload, err := json.Marshal(env.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return json.Marshal(wireFrame{
		Kind:      env.Kind,
		ContextID: env.ContextID,
		SourceID:  env.SourceID,
		SentAt:    env.SentAt,
		Targets:   targets,
		Payload:   payload,
	})
}

// decodeFrame unmarshals a wire frame back into a typed envelope.
// Unknown kinds and malformed payloads return an error; the receiver logs
// and discards such frames rather than crashing.
func decodeFrame(data []byte) (Envelope, []string, error) {
	var frame wireFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return Envelope{}, nil, fmt.Errorf("unmarshal frame: %w", err)
	}

	payload := payloadPrototype(frame.Kind)
	if payload == nil {
		return Envelope{}, nil, fmt.Errorf("unknown message kind %q", frame.Kind)
	}
	if err := json.Unmarshal(frame.Payload, payload); err != nil {
		return Envelope{}, nil, fmt.Errorf("unmarshal %s payload: %w", frame.Kind, err)
	}

	return Envelope{
		Kind:      frame.Kind,
		ContextID: frame.ContextID,
		SourceID:  frame.SourceID,
		SentAt:    frame.SentAt,
		Payload:   payload,
	}, frame.Targets, nil
}

// payloadPrototype returns a pointer to the zero payload value for a kind,
// or nil for unknown kinds.
func payloadPrototype(kind Kind) any {
	switch kind {
	case KindTokenDiscovery:
		return new(domain.DiscoveryEvidence)
	case KindYieldReport:
		return new(YieldReport)
	case KindRiskReport, KindHighRiskAlert:
		return new(RiskReport)
	case KindAlertDecision:
		return new(domain.Decision)
	case KindRiskChange:
		return new(RiskChange)
	case KindSettlementRequest:
		return new(domain.SettlementRecord)
	case KindRollupSummary:
		return new(domain.RollupSummary)
	case KindReanalysisRequest:
		return new(ReanalysisRequest)
	default:
		return nil
	}
}
