package domain

// Points accounting constants.
const (
	// PointsPerUnit awards one point per whole currency unit spent.
	PointsPerUnit = 1

	// PointsPerReward is the fixed exchange rate: one reward per 100 points.
	PointsPerReward = 100
)

// ProcessTransactionPayload carries a settled purchase into the pipeline.
type ProcessTransactionPayload struct {
	TransactionID string   `json:"transaction_id"`
	CustomerID    string   `json:"customer_id"`
	Amount        float64  `json:"amount"`
	Items         []string `json:"items,omitempty"`
}

// ApplyPointsPayload credits points outside the purchase flow (promotions,
// support goodwill). Points must be positive; debits go through reversal.
type ApplyPointsPayload struct {
	CustomerID string `json:"customer_id"`
	Points     int64  `json:"points"`
	Reason     string `json:"reason,omitempty"`
}

// ReversePointsPayload debits points. The balance is clamped at zero.
type ReversePointsPayload struct {
	CustomerID string `json:"customer_id"`
	Points     int64  `json:"points"`
	Reason     string `json:"reason,omitempty"`
}

// CalculateRewardsPayload asks for a reward-eligibility recomputation.
type CalculateRewardsPayload struct {
	CustomerID string `json:"customer_id"`
}

// SyncLoyaltyStatusPayload reconciles one customer with the external
// loyalty system.
type SyncLoyaltyStatusPayload struct {
	CustomerID string `json:"customer_id"`
}

// LedgerEntryKind discriminates ledger entry rows.
type LedgerEntryKind string

const (
	EntryAward    LedgerEntryKind = "award"
	EntryAdjust   LedgerEntryKind = "adjust"
	EntryReversal LedgerEntryKind = "reversal"
)

// LedgerEntry is one durable balance mutation. Reference is unique per
// (Reference, Kind) so redelivered jobs cannot double-post.
type LedgerEntry struct {
	ID         int64           `db:"id"          json:"id"`
	CustomerID string          `db:"customer_id" json:"customer_id"`
	Kind       LedgerEntryKind `db:"kind"        json:"kind"`
	Points     int64           `db:"points"      json:"points"`
	Reference  string          `db:"reference"   json:"reference"`
	Reason     string          `db:"reason"      json:"reason,omitempty"`
	CreatedAt  int64           `db:"created_at"  json:"created_at"`
}
