package event

// FundingApplied records one funding interval. Positive Rate means longs
// pay shorts. Index deltas are in funding index units.
type FundingApplied struct {
	MarketID          uint64 `json:"market_id"`
	Rate              int64  `json:"rate"` // rate scale, signed
	MarkPrice         int64  `json:"mark_price"`
	OpenInterestLong  int64  `json:"open_interest_long"`
	OpenInterestShort int64  `json:"open_interest_short"`
	LongIndexDelta    int64  `json:"long_index_delta"`
	ShortIndexDelta   int64  `json:"short_index_delta"`
	LongFundingIndex  int64  `json:"long_funding_index"`
	ShortFundingIndex int64  `json:"short_funding_index"`
}

func (f *FundingApplied) EventType() EventType { return EventTypeFundingApplied }
func (f *FundingApplied) Market() uint64       { return f.MarketID }
