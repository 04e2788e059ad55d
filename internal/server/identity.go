package server

import (
	"PerpRisk/internal/core"
	"context"
	"crypto/subtle"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// Caller identity headers. The gateway forwards them as gRPC metadata.
const (
	HeaderTrader = "x-trader-id"
	HeaderKeeper = "x-keeper-token"
	HeaderOracle = "x-oracle-token"
	HeaderAdmin  = "x-admin-token"
)

// Tokens are the shared secrets that unlock the privileged roles. An empty
// token disables its role.
type Tokens struct {
	Oracle string
	Admin  string
	// Keeper token -> account credited with that keeper's fees
	Keepers map[string]uuid.UUID
}

func metadataValue(ctx context.Context, key string) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if vals := md.Get(key); len(vals) > 0 {
		return vals[0]
	}
	return ""
}

func (s *RiskService) trader(ctx context.Context) (uuid.UUID, error) {
	raw := metadataValue(ctx, HeaderTrader)
	if raw == "" {
		return uuid.Nil, status.Error(codes.Unauthenticated, HeaderTrader+" is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil || id == uuid.Nil {
		return uuid.Nil, status.Errorf(codes.InvalidArgument, "invalid %s %q", HeaderTrader, raw)
	}
	return id, nil
}

func (s *RiskService) keeper(ctx context.Context) (core.KeeperCap, error) {
	token := metadataValue(ctx, HeaderKeeper)
	if token == "" {
		return core.KeeperCap{}, status.Error(codes.Unauthenticated, HeaderKeeper+" is required")
	}
	for known, payout := range s.tokens.Keepers {
		if tokenMatches(token, known) {
			return s.authority.MintKeeper(payout), nil
		}
	}
	return core.KeeperCap{}, status.Error(codes.PermissionDenied, "unknown keeper token")
}

func (s *RiskService) oracle(ctx context.Context) (core.OracleCap, error) {
	if err := s.checkToken(ctx, HeaderOracle, s.tokens.Oracle); err != nil {
		return core.OracleCap{}, err
	}
	return s.authority.MintOracle(), nil
}

func (s *RiskService) admin(ctx context.Context) (core.AdminCap, error) {
	if err := s.checkToken(ctx, HeaderAdmin, s.tokens.Admin); err != nil {
		return core.AdminCap{}, err
	}
	return s.authority.MintAdmin(), nil
}

func (s *RiskService) checkToken(ctx context.Context, header, want string) error {
	got := metadataValue(ctx, header)
	if got == "" {
		return status.Error(codes.Unauthenticated, header+" is required")
	}
	if !tokenMatches(got, want) {
		return status.Errorf(codes.PermissionDenied, "bad %s", header)
	}
	return nil
}

func tokenMatches(got, want string) bool {
	if want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
