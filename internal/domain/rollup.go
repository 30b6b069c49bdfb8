package domain

// DecisionBrief is the compact decision form carried inside rollup summaries.
type DecisionBrief struct {
	DecisionID     string
	Address        string
	Symbol         string
	Classification Classification
	Confidence     float64
}

// RollupSummary aggregates decisions over a trailing window.
// Produced by the daily rollup loop; never mutates token state.
type RollupSummary struct {
	WindowStart int64 // Unix timestamp in milliseconds, inclusive
	WindowEnd   int64 // Unix timestamp in milliseconds, exclusive

	TotalDecisions int
	BuyCount       int
	WatchCount     int
	AvoidCount     int

	// TopByConfidence holds the highest-confidence decisions in the window,
	// ordered descending.
	TopByConfidence []DecisionBrief

	GeneratedAt int64 // Unix timestamp in milliseconds
}
