package core

import (
	"github.com/google/uuid"
)

// Authority mints the capabilities an Engine accepts. Caps minted by a
// different Authority, and zero-value caps, are rejected.
type Authority struct {
	name string
}

func NewAuthority(name string) *Authority {
	return &Authority{name: name}
}

// OracleCap allows price writes.
type OracleCap struct {
	issuer *Authority
}

// KeeperCap allows liquidation, funding and order execution/expiry.
// Liquidation fees are paid to the payout trader account.
type KeeperCap struct {
	issuer *Authority
	payout uuid.UUID
}

// Payout returns the account credited with keeper fees.
func (k KeeperCap) Payout() uuid.UUID {
	return k.payout
}

// AdminCap allows market administration.
type AdminCap struct {
	issuer *Authority
}

func (a *Authority) MintOracle() OracleCap {
	return OracleCap{issuer: a}
}

func (a *Authority) MintKeeper(payout uuid.UUID) KeeperCap {
	return KeeperCap{issuer: a, payout: payout}
}

func (a *Authority) MintAdmin() AdminCap {
	return AdminCap{issuer: a}
}

func (e *Engine) checkIssuer(op string, issuer *Authority) error {
	if issuer == nil || issuer != e.authority {
		return fail(op, ErrUnauthorized, "capability not issued by this engine")
	}
	return nil
}
