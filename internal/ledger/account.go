package ledger

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeMarket
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeCollateral AccountSubType = iota
	SubTypeReserved

	// Market sub-types
	SubTypeMarginPool
	SubTypePnLVault
	SubTypeFees

	// External sub-types
	SubTypeExternalDeposits
	SubTypeExternalWithdrawals
)

// AssetID maps asset strings to numeric IDs for performance
type AssetID uint16

var (
	assetToID = map[string]AssetID{
		"USDT": 1,
		"USDC": 2,
		"BTC":  3,
		"ETH":  4,
	}
	idToAsset = map[AssetID]string{
		1: "USDT",
		2: "USDC",
		3: "BTC",
		4: "ETH",
	}
)

func GetAssetID(asset string) (AssetID, bool) {
	id, ok := assetToID[asset]
	return id, ok
}

func GetAssetName(id AssetID) (string, bool) {
	name, ok := idToAsset[id]
	return name, ok
}

// AccountKey is the in-memory key for balance tracking (20 bytes, comparable)
type AccountKey struct {
	Scope    AccountScope   `json:"scope"`
	EntityID [16]byte       `json:"entity_id"` // trader UUID, or big-endian market id
	SubType  AccountSubType `json:"sub_type"`
	AssetID  AssetID        `json:"asset_id"`
}

// NewUserAccountKey creates a key for trader accounts
func NewUserAccountKey(userID uuid.UUID, subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: userID,
		SubType:  subType,
		AssetID:  assetID,
	}
}

// NewMarketAccountKey creates a key for a market's system accounts
// (margin pool, PnL vault, fee treasury).
func NewMarketAccountKey(marketID uint64, subType AccountSubType, assetID AssetID) AccountKey {
	var entityID [16]byte
	binary.BigEndian.PutUint64(entityID[8:], marketID)
	return AccountKey{
		Scope:    AccountScopeMarket,
		EntityID: entityID,
		SubType:  subType,
		AssetID:  assetID,
	}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		AssetID: assetID,
	}
}

// Owner returns the trader id of a user account.
func (k AccountKey) Owner() uuid.UUID {
	return uuid.UUID(k.EntityID)
}

// MarketID returns the market of a market-scoped account.
func (k AccountKey) MarketID() uint64 {
	return binary.BigEndian.Uint64(k.EntityID[8:])
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	assetName, _ := GetAssetName(k.AssetID)

	switch k.Scope {
	case AccountScopeUser:
		return fmt.Sprintf("user:%s:%s:%s", k.Owner().String(), k.subTypeName(), assetName)
	case AccountScopeMarket:
		return fmt.Sprintf("market:%d:%s:%s", k.MarketID(), k.subTypeName(), assetName)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), assetName)
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeCollateral:
		return "collateral"
	case SubTypeReserved:
		return "reserved"
	case SubTypeMarginPool:
		return "margin_pool"
	case SubTypePnLVault:
		return "pnl_vault"
	case SubTypeFees:
		return "fees"
	case SubTypeExternalDeposits:
		return "deposits"
	case SubTypeExternalWithdrawals:
		return "withdrawals"
	default:
		return "unknown"
	}
}
