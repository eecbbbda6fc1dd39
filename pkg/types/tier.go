package types

import "time"

// StorageTier is the latency/cost class of a file's physical storage,
// independent of which backend holds it. Tiers are ordered: a lower
// value is faster and more expensive. Cold and Nearline are adjacent
// classes with near-identical retrieval characteristics.
type StorageTier int

const (
	TierHot StorageTier = iota
	TierWarm
	TierCold
	TierNearline
	TierArchive
)

// String returns the canonical lowercase tier name.
func (t StorageTier) String() string {
	switch t {
	case TierHot:
		return "hot"
	case TierWarm:
		return "warm"
	case TierCold:
		return "cold"
	case TierNearline:
		return "nearline"
	case TierArchive:
		return "archive"
	default:
		return "unknown"
	}
}

// FasterThan reports whether t is a strictly faster class than other.
// Cold and Nearline compare as equivalent.
func (t StorageTier) FasterThan(other StorageTier) bool {
	return t.rank() < other.rank()
}

func (t StorageTier) rank() int {
	if t == TierNearline {
		return int(TierCold)
	}
	return int(t)
}

// RetrievalEstimate returns a rough time-to-first-byte for the tier.
// Zero means effectively instant.
func (t StorageTier) RetrievalEstimate() time.Duration {
	switch t {
	case TierHot:
		return 0
	case TierWarm:
		return 2 * time.Second
	case TierCold, TierNearline:
		return 10 * time.Second
	case TierArchive:
		return 4 * time.Hour
	default:
		return 0
	}
}

// TierStatus is the derived placement of one file at the moment of a
// list/stat call. It is recomputed on every call and never persisted;
// it is never authoritative.
type TierStatus struct {
	CurrentTier       StorageTier   `json:"current_tier"`
	IsCached          bool          `json:"is_cached"`
	CanWarm           bool          `json:"can_warm"`
	RetrievalEstimate time.Duration `json:"retrieval_time_estimate,omitempty"`
}

// NewTierStatus builds the status for a file on the given tier with the
// tier's default retrieval estimate. TierHot implies IsCached.
func NewTierStatus(tier StorageTier) TierStatus {
	return TierStatus{
		CurrentTier:       tier,
		IsCached:          tier == TierHot,
		CanWarm:           tier != TierHot,
		RetrievalEstimate: tier.RetrievalEstimate(),
	}
}
