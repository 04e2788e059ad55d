package ingestion_test

import (
	"PerpRisk/internal/ingestion"
	"PerpRisk/internal/ledger"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
)

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestParsePriceUpdate(t *testing.T) {
	data := mustJSON(t, map[string]interface{}{
		"market":       "BTC-PERP",
		"index_price":  "50000.25",
		"mark_price":   "50001",
		"sequence":     int64(42),
		"timestamp_us": int64(1700000000000000),
	})

	upd, err := ingestion.ParsePriceUpdate(data)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if upd.Market != "BTC-PERP" {
		t.Errorf("market: got %s, want BTC-PERP", upd.Market)
	}
	if upd.IndexPrice != 5_000_025 {
		t.Errorf("index: got %d, want 5_000_025", upd.IndexPrice)
	}
	if upd.MarkPrice != 5_000_100 {
		t.Errorf("mark: got %d, want 5_000_100", upd.MarkPrice)
	}
	if upd.Sequence != 42 {
		t.Errorf("sequence: got %d, want 42", upd.Sequence)
	}
	if !upd.Timestamp.Equal(time.UnixMicro(1700000000000000)) {
		t.Errorf("timestamp: got %s", upd.Timestamp)
	}
	if upd.DedupKey() != "price:BTC-PERP:42" {
		t.Errorf("dedup key: got %s", upd.DedupKey())
	}
}

func TestParsePriceUpdate_TooPrecise_Fails(t *testing.T) {
	data := mustJSON(t, map[string]interface{}{
		"market":      "BTC-PERP",
		"index_price": "50000.001",
		"mark_price":  "50000",
	})
	if _, err := ingestion.ParsePriceUpdate(data); err == nil {
		t.Fatal("expected error for sub-cent price")
	}
}

func TestParsePriceUpdate_MissingMarket_Fails(t *testing.T) {
	data := mustJSON(t, map[string]interface{}{
		"index_price": "1",
		"mark_price":  "1",
	})
	if _, err := ingestion.ParsePriceUpdate(data); err == nil {
		t.Fatal("expected error for missing market")
	}
}

func TestParseDepositCredit(t *testing.T) {
	depositID := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	userID := uuid.MustParse("660e8400-e29b-41d4-a716-446655440001")
	data := mustJSON(t, map[string]interface{}{
		"deposit_id":   depositID.String(),
		"user_id":      userID.String(),
		"asset":        "USDT",
		"amount":       "1500.5",
		"sequence":     int64(7),
		"timestamp_us": int64(1700000000000000),
	})

	dep, err := ingestion.ParseDepositCredit(data)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if dep.DepositID != depositID || dep.Trader != userID {
		t.Errorf("ids: got %s/%s", dep.DepositID, dep.Trader)
	}
	usdt, _ := ledger.GetAssetID("USDT")
	if dep.Asset != usdt {
		t.Errorf("asset: got %d, want %d", dep.Asset, usdt)
	}
	if dep.Amount != 1_500_500_000 {
		t.Errorf("amount: got %d, want 1_500_500_000", dep.Amount)
	}
	if dep.DedupKey() != "deposit:"+depositID.String() {
		t.Errorf("dedup key: got %s", dep.DedupKey())
	}
}

func TestParseDepositCredit_Rejects(t *testing.T) {
	valid := map[string]interface{}{
		"deposit_id": uuid.NewString(),
		"user_id":    uuid.NewString(),
		"asset":      "USDT",
		"amount":     "10",
	}
	cases := map[string]func(m map[string]interface{}){
		"bad deposit id": func(m map[string]interface{}) { m["deposit_id"] = "nope" },
		"bad user id":    func(m map[string]interface{}) { m["user_id"] = "nope" },
		"unknown asset":  func(m map[string]interface{}) { m["asset"] = "DOGE" },
		"zero amount":    func(m map[string]interface{}) { m["amount"] = "0" },
		"negative":       func(m map[string]interface{}) { m["amount"] = "-5" },
		"not a number":   func(m map[string]interface{}) { m["amount"] = "ten" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			m := make(map[string]interface{}, len(valid))
			for k, v := range valid {
				m[k] = v
			}
			mutate(m)
			if _, err := ingestion.ParseDepositCredit(mustJSON(t, m)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestParseInvalidJSON_Fails(t *testing.T) {
	if _, err := ingestion.ParsePriceUpdate([]byte("{not json")); err == nil {
		t.Fatal("expected error for invalid price JSON")
	}
	if _, err := ingestion.ParseDepositCredit([]byte("{not json")); err == nil {
		t.Fatal("expected error for invalid deposit JSON")
	}
}
