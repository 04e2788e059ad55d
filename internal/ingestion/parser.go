package ingestion

import (
	"PerpRisk/internal/ledger"
	fpmath "PerpRisk/internal/math"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Feed kinds carried in SubjectConfig.Feed.
const (
	FeedPrices   = "prices"
	FeedDeposits = "deposits"
)

// ErrUnknownFeed is returned for a feed kind the parser does not handle.
var ErrUnknownFeed = errors.New("unknown feed")

// PriceUpdate is one oracle observation. Market is a symbol; the
// processor resolves it to an id.
type PriceUpdate struct {
	Market     string
	IndexPrice int64 // price scale
	MarkPrice  int64 // price scale
	Sequence   int64
	Timestamp  time.Time
}

// DedupKey identifies the observation across redeliveries.
func (p *PriceUpdate) DedupKey() string {
	return fmt.Sprintf("price:%s:%d", p.Market, p.Sequence)
}

// DepositCredit is a confirmed on-chain deposit to credit as collateral.
type DepositCredit struct {
	DepositID uuid.UUID
	Trader    uuid.UUID
	Asset     ledger.AssetID
	Amount    int64 // quote scale
	Sequence  int64
	Timestamp time.Time
}

func (d *DepositCredit) DedupKey() string {
	return "deposit:" + d.DepositID.String()
}

// --- JSON wire formats ---
// Prices and amounts arrive as decimal strings so producers never have to
// know the engine's fixed-point scales.

type priceJSON struct {
	Market      string `json:"market"`
	IndexPrice  string `json:"index_price"`
	MarkPrice   string `json:"mark_price"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

type depositJSON struct {
	DepositID   string `json:"deposit_id"`
	UserID      string `json:"user_id"`
	Asset       string `json:"asset"`
	Amount      string `json:"amount"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

// ParsePriceUpdate decodes an oracle message.
func ParsePriceUpdate(data []byte) (*PriceUpdate, error) {
	var j priceJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PriceUpdate: %w", err)
	}
	market := strings.TrimSpace(j.Market)
	if market == "" {
		return nil, fmt.Errorf("parse PriceUpdate: missing market")
	}
	index, err := fpmath.ParseFixed(j.IndexPrice, fpmath.PriceConfig)
	if err != nil {
		return nil, fmt.Errorf("parse index_price: %w", err)
	}
	mark, err := fpmath.ParseFixed(j.MarkPrice, fpmath.PriceConfig)
	if err != nil {
		return nil, fmt.Errorf("parse mark_price: %w", err)
	}
	return &PriceUpdate{
		Market:     market,
		IndexPrice: index,
		MarkPrice:  mark,
		Sequence:   j.Sequence,
		Timestamp:  time.UnixMicro(j.TimestampUs),
	}, nil
}

// ParseDepositCredit decodes a confirmed deposit message.
func ParseDepositCredit(data []byte) (*DepositCredit, error) {
	var j depositJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse DepositCredit: %w", err)
	}
	depositID, err := uuid.Parse(j.DepositID)
	if err != nil {
		return nil, fmt.Errorf("parse deposit_id: %w", err)
	}
	userID, err := uuid.Parse(j.UserID)
	if err != nil {
		return nil, fmt.Errorf("parse user_id: %w", err)
	}
	asset, ok := ledger.GetAssetID(j.Asset)
	if !ok {
		return nil, fmt.Errorf("parse asset: unknown asset %q", j.Asset)
	}
	amount, err := fpmath.ParseFixed(j.Amount, fpmath.QuoteConfig)
	if err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}
	if amount <= 0 {
		return nil, fmt.Errorf("parse amount: must be positive, got %s", j.Amount)
	}
	return &DepositCredit{
		DepositID: depositID,
		Trader:    userID,
		Asset:     asset,
		Amount:    amount,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}
