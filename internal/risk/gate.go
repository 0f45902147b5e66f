package risk

// DefaultPersistMaxRisk is the highest final score still written to history.
//
// Stored events feed the fingerprint features of later requests, so writing
// extreme-risk events lets an attacker make their own behavior look familiar.
// Lowering the threshold resists that better; raising it keeps more events
// for audit and dashboards.
const DefaultPersistMaxRisk = 95.0

// StoreGate decides whether a scored event may join the behavioral history.
type StoreGate struct {
	maxRisk float64
}

// NewStoreGate creates a gate that persists scores up to and including maxRisk.
func NewStoreGate(maxRisk float64) StoreGate {
	return StoreGate{maxRisk: maxRisk}
}

// ShouldPersist reports whether an event with the given final score is
// written to the store.
func (g StoreGate) ShouldPersist(score float64) bool {
	return score <= g.maxRisk
}

// MaxRisk returns the gate threshold.
func (g StoreGate) MaxRisk() float64 { return g.maxRisk }
