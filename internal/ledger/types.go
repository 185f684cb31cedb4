// Package ledger provides the HTTP client for the remote mining ledger and wallet.
package ledger

// MiningState is the authoritative mining snapshot as the ledger reports it.
type MiningState struct {
	Level          int     `json:"level"`
	Power          float64 `json:"power"`
	RewardPerClick float64 `json:"rewardPerClick"`
	TotalMined     float64 `json:"totalMined"`
	TodayEarned    float64 `json:"todayEarned"`
	Multiplier     float64 `json:"multiplier"`
	Efficiency     float64 `json:"efficiency"`
}

// Upgrade is one catalog entry. Cost is the price of the next level.
type Upgrade struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	Cost            float64 `json:"cost"`
	PowerBonus      float64 `json:"powerBonus"`
	EfficiencyBonus float64 `json:"efficiencyBonus"`
	Level           int     `json:"level"`
}

// ClaimRequest is the request body for POST /mining/claim.
type ClaimRequest struct {
	ClaimID   string  `json:"claimId"`
	Amount    float64 `json:"amount"`
	Source    string  `json:"source"` // "manual" or "auto"
	Boosted   bool    `json:"boosted"`
	Timestamp int64   `json:"timestamp"`         // epoch ms
	Periods   int     `json:"periods,omitempty"` // >1 for a catch-up claim
}

// ClaimResponse is the response from POST /mining/claim.
type ClaimResponse struct {
	Success     bool         `json:"success"`
	ServerState *MiningState `json:"serverState,omitempty"`
	Message     string       `json:"message,omitempty"`
	Error       string       `json:"error,omitempty"`
}

// RefreshResponse is the response from GET /mining/state.
type RefreshResponse struct {
	Success     bool        `json:"success"`
	MiningState MiningState `json:"miningState"`
	Upgrades    []Upgrade   `json:"upgrades"`
	DailyReset  bool        `json:"dailyReset,omitempty"`
	Message     string      `json:"message,omitempty"`
	Error       string      `json:"error,omitempty"`
}

// BoostRequest is the request body for POST /mining/boost.
// The ledger debits Cost from the wallet before acknowledging.
type BoostRequest struct {
	DurationMs int64   `json:"durationMs"`
	Cost       float64 `json:"cost"`
}

// UpgradeRequest is the request body for POST /mining/upgrades/purchase.
type UpgradeRequest struct {
	UpgradeID string  `json:"upgradeId"`
	Cost      float64 `json:"cost"`
}

// ActionResponse is the shared response for boost activation and upgrade purchase.
type ActionResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// BalanceResponse is the response from GET /wallet/balance.
type BalanceResponse struct {
	Success bool    `json:"success"`
	Balance float64 `json:"balance"`
	Message string  `json:"message,omitempty"`
	Error   string  `json:"error,omitempty"`
}

// Error codes the ledger returns in the "error" field.
const (
	CodeUnauthenticated   = "UNAUTHENTICATED"
	CodeSessionExpired    = "SESSION_EXPIRED"
	CodeInsufficientFunds = "INSUFFICIENT_FUNDS"
	CodeBoostActive       = "BOOST_ACTIVE"
	CodeRateLimited       = "RATE_LIMITED"
)

// IsAuthError reports whether code means the session is no longer valid.
func IsAuthError(code string) bool {
	return code == CodeUnauthenticated || code == CodeSessionExpired
}
