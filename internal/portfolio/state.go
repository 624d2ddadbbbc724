package portfolio

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/Rajchodisetti/papertrader/internal/domain"
)

// ValidateStateConsistency checks structural invariants only. Values are
// reconciled elsewhere by the evaluation service.
func ValidateStateConsistency(s *domain.SimulationState) bool {
	return validationProblem(s) == ""
}

// validationProblem returns a short code naming the first broken invariant,
// or "" when the state is structurally valid.
func validationProblem(s *domain.SimulationState) string {
	if s == nil {
		return "nil_state"
	}
	if !finiteNonNegative(s.CurrentPortfolioValue) {
		return "portfolio_value_invalid"
	}
	if s.OpenPositions == nil {
		return "open_positions_missing"
	}
	if s.PaperAssets == nil {
		return "paper_assets_missing"
	}

	usdt := -1
	for i, a := range s.PaperAssets {
		if a.Symbol == domain.QuoteAsset {
			if usdt >= 0 {
				return "duplicate_quote_asset"
			}
			usdt = i
		}
	}
	if usdt < 0 {
		return "quote_asset_missing"
	}
	if !finiteNonNegative(s.PaperAssets[usdt].Quantity) {
		return "quote_asset_negative"
	}

	for _, p := range s.OpenPositions {
		if p.ID == "" || p.AssetPair == "" || p.Direction == "" {
			return "position_incomplete"
		}
	}
	return ""
}

func finiteNonNegative(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Checksum is the hex SHA-256 of the state's JSON encoding.
func Checksum(s domain.SimulationState) (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("failed to marshal state for checksum: %w", err)
	}
	return checksumBytes(b), nil
}

func checksumBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// looseState decodes each field independently so a single malformed field
// does not make the rest of the record unreadable.
type looseState struct {
	Version               json.RawMessage `json:"version"`
	IsActive              json.RawMessage `json:"isActive"`
	IsPaused              json.RawMessage `json:"isPaused"`
	StartTime             json.RawMessage `json:"startTime"`
	StartPortfolioValue   json.RawMessage `json:"startPortfolioValue"`
	CurrentPortfolioValue json.RawMessage `json:"currentPortfolioValue"`
	RealizedPnL           json.RawMessage `json:"realizedPnL"`
	OpenPositions         json.RawMessage `json:"openPositions"`
	PaperAssets           json.RawMessage `json:"paperAssets"`
	AutoMode              json.RawMessage `json:"autoMode"`
	AutoTradeCount        json.RawMessage `json:"autoTradeCount"`
	LastAutoTradeTime     json.RawMessage `json:"lastAutoTradeTime"`
}

// decodeState reads a persisted record. Strict decoding is tried first; on a
// type error it falls back to per-field decoding, leaving unreadable fields zero.
func decodeState(b []byte) (domain.SimulationState, bool, error) {
	var s domain.SimulationState
	if err := json.Unmarshal(b, &s); err == nil {
		return s, true, nil
	}

	var loose looseState
	if err := json.Unmarshal(b, &loose); err != nil {
		return domain.SimulationState{}, false, fmt.Errorf("record is not a JSON object: %w", err)
	}
	s = domain.SimulationState{}
	decodeField(loose.Version, &s.Version)
	decodeField(loose.IsActive, &s.IsActive)
	decodeField(loose.IsPaused, &s.IsPaused)
	decodeField(loose.StartTime, &s.StartTime)
	if !decodeField(loose.StartPortfolioValue, &s.StartPortfolioValue) {
		s.StartPortfolioValue = math.NaN()
	}
	if !decodeField(loose.CurrentPortfolioValue, &s.CurrentPortfolioValue) {
		s.CurrentPortfolioValue = math.NaN()
	}
	decodeField(loose.RealizedPnL, &s.RealizedPnL)
	decodeField(loose.OpenPositions, &s.OpenPositions)
	decodeField(loose.PaperAssets, &s.PaperAssets)
	decodeField(loose.AutoMode, &s.AutoMode)
	decodeField(loose.AutoTradeCount, &s.AutoTradeCount)
	decodeField(loose.LastAutoTradeTime, &s.LastAutoTradeTime)
	return s, false, nil
}

func decodeField(raw json.RawMessage, dst any) bool {
	if len(raw) == 0 || string(raw) == "null" {
		return false
	}
	return json.Unmarshal(raw, dst) == nil
}

// repairState coerces a broken state toward the minimal valid shape: missing
// arrays become empty, unusable scalars take the hint (or zero) and a USDT
// asset is guaranteed. It does not invent positions or drop incomplete ones.
func repairState(s domain.SimulationState, hint *float64) (domain.SimulationState, []string) {
	var fixes []string
	fallback := 0.0
	if hint != nil && finiteNonNegative(*hint) {
		fallback = *hint
	}

	if s.Version == 0 {
		s.Version = domain.SchemaVersion
		fixes = append(fixes, "version_defaulted")
	}
	if !finiteNonNegative(s.CurrentPortfolioValue) {
		s.CurrentPortfolioValue = fallback
		fixes = append(fixes, "current_value_reset")
	}
	if !finiteNonNegative(s.StartPortfolioValue) {
		s.StartPortfolioValue = fallback
		fixes = append(fixes, "start_value_reset")
	}
	if !finite(s.RealizedPnL) {
		s.RealizedPnL = 0
		fixes = append(fixes, "realized_pnl_reset")
	}
	if s.StartTime.IsZero() {
		s.StartTime = time.Now().UTC()
		fixes = append(fixes, "start_time_defaulted")
	}
	if s.OpenPositions == nil {
		s.OpenPositions = []domain.Position{}
		fixes = append(fixes, "open_positions_emptied")
	}
	if s.PaperAssets == nil {
		s.PaperAssets = []domain.PaperAsset{}
		fixes = append(fixes, "paper_assets_emptied")
	}

	idx := s.AssetIndex(domain.QuoteAsset)
	if idx < 0 {
		s.PaperAssets = append(s.PaperAssets, domain.PaperAsset{Symbol: domain.QuoteAsset})
		fixes = append(fixes, "quote_asset_added")
	} else if !finiteNonNegative(s.PaperAssets[idx].Quantity) {
		s.PaperAssets[idx].Quantity = 0
		fixes = append(fixes, "quote_asset_zeroed")
	}

	return s, fixes
}
