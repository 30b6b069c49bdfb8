// Package engine maps a complete evidence set to a classification with a
// confidence score and human-readable reasoning. Decide is deterministic and
// side-effect-free; all I/O lives in the services around it.
package engine

import (
	"fmt"
	"strings"

	"token-sentinel/internal/domain"
	"token-sentinel/internal/idhash"
)

// Classification thresholds.
const (
	avoidRiskScore = 80.0

	buyMinAPY   = 20.0
	buyMaxRisk  = 40.0
	buyMinViral = 30.0
	buyMinTVL   = 10_000.0

	watchMinAPY   = 10.0
	watchMaxRisk  = 70.0
	watchMinViral = 20.0
	watchMinTVL   = 5_000.0

	// neutralConfidenceCap bounds the default WATCH classification so it is
	// distinguishable from a thresholded WATCH in downstream consumers.
	neutralConfidenceCap = 30.0

	// RiskChangeThreshold is the score delta beyond which a re-analysis
	// emits a risk-change event instead of a plain refresh.
	RiskChangeThreshold = 15.0
)

// Decide evaluates a complete evidence triple and returns a Decision.
// Every complete evidence set yields a decision; there is no silent no-op.
func Decide(discovery *domain.DiscoveryEvidence, yield *domain.YieldEvidence, risk *domain.RiskEvidence, nowMs int64) *domain.Decision {
	classification, confidence, reasons := classify(yield, risk)

	return &domain.Decision{
		DecisionID:     idhash.ComputeDecisionID(discovery.Address, discovery.Chain, yield.ObservedAt, risk.ObservedAt),
		Address:        discovery.Address,
		Chain:          discovery.Chain,
		Symbol:         discovery.Symbol,
		Classification: classification,
		Confidence:     clamp(confidence, 0, 100),
		Reasoning:      strings.Join(reasons, "; "),
		YieldSnapshot:  *yield,
		RiskSnapshot:   *risk,
		CreatedAt:      nowMs,
	}
}

// MaterialRiskChange reports whether the composite score moved by more than
// the risk-change threshold between two observations.
func MaterialRiskChange(prev, curr *domain.RiskEvidence) bool {
	if prev == nil || curr == nil {
		return false
	}
	delta := curr.Score - prev.Score
	if delta < 0 {
		delta = -delta
	}
	return delta > RiskChangeThreshold
}

// classify applies the priority-ordered rules: AVOID first, then BUY, then
// thresholded WATCH, then the neutral WATCH default.
func classify(y *domain.YieldEvidence, r *domain.RiskEvidence) (domain.Classification, float64, []string) {
	if r.Score >= avoidRiskScore || r.RugPullSuspected || r.HoneypotSuspected {
		return domain.ClassificationAvoid, avoidConfidence(r), avoidReasons(r)
	}

	if y.APY >= buyMinAPY && r.Score <= buyMaxRisk && r.ViralScore >= buyMinViral &&
		y.TVLUSD >= buyMinTVL && r.OwnershipRenounced && r.ContractVerified {
		return domain.ClassificationBuy, buyConfidence(y, r), buyReasons(y, r)
	}

	if y.APY >= watchMinAPY && r.Score <= watchMaxRisk && r.ViralScore >= watchMinViral && y.TVLUSD >= watchMinTVL {
		return domain.ClassificationWatch, watchConfidence(y, r), watchReasons(y, r)
	}

	confidence := clamp(neutralConfidenceCap-0.3*r.Score+0.1*r.ViralScore, 0, neutralConfidenceCap)
	return domain.ClassificationWatch, confidence, []string{"no threshold matched, holding for more signal"}
}

func buyConfidence(y *domain.YieldEvidence, r *domain.RiskEvidence) float64 {
	confidence := 60.0
	switch {
	case y.APY > 50:
		confidence += 30
	case y.APY > 30:
		confidence += 20
	case y.APY > 20:
		confidence += 10
	}
	confidence -= r.Score * 0.4
	confidence += r.ViralScore * 0.1
	if y.TVLUSD > 100_000 {
		confidence += 10
	} else if y.TVLUSD > 50_000 {
		confidence += 5
	}
	return confidence
}

func watchConfidence(y *domain.YieldEvidence, r *domain.RiskEvidence) float64 {
	return 50.0 + y.APY*0.5 - r.Score*0.3 + r.ViralScore*0.2
}

func avoidConfidence(r *domain.RiskEvidence) float64 {
	confidence := 70.0
	if r.RugPullSuspected {
		confidence += 20
	}
	if r.HoneypotSuspected {
		confidence += 20
	}
	if !r.ContractVerified {
		confidence += 10
	}
	if !r.OwnershipRenounced {
		confidence += 10
	}
	return confidence
}

func buyReasons(y *domain.YieldEvidence, r *domain.RiskEvidence) []string {
	var reasons []string
	switch {
	case y.APY > 50:
		reasons = append(reasons, fmt.Sprintf("exceptional APY of %.1f%%", y.APY))
	case y.APY > 30:
		reasons = append(reasons, fmt.Sprintf("strong APY of %.1f%%", y.APY))
	default:
		reasons = append(reasons, fmt.Sprintf("solid APY of %.1f%%", y.APY))
	}
	reasons = append(reasons, fmt.Sprintf("low risk score of %.0f", r.Score))
	if r.ViralScore >= 60 {
		reasons = append(reasons, fmt.Sprintf("high viral potential of %.0f", r.ViralScore))
	}
	reasons = append(reasons, fmt.Sprintf("TVL of $%.0f", y.TVLUSD))
	reasons = append(reasons, "ownership renounced", "contract verified")
	return reasons
}

func watchReasons(y *domain.YieldEvidence, r *domain.RiskEvidence) []string {
	return []string{
		fmt.Sprintf("moderate APY of %.1f%%", y.APY),
		fmt.Sprintf("acceptable risk score of %.0f", r.Score),
		fmt.Sprintf("TVL of $%.0f", y.TVLUSD),
	}
}

func avoidReasons(r *domain.RiskEvidence) []string {
	var reasons []string
	if r.Score >= avoidRiskScore {
		reasons = append(reasons, fmt.Sprintf("extreme risk score of %.0f", r.Score))
	}
	if r.RugPullSuspected {
		reasons = append(reasons, "rug pull suspected")
	}
	if r.HoneypotSuspected {
		reasons = append(reasons, "honeypot suspected")
	}
	if !r.ContractVerified {
		reasons = append(reasons, "contract unverified")
	}
	if !r.OwnershipRenounced {
		reasons = append(reasons, "ownership not renounced")
	}
	return reasons
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
