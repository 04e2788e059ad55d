package server

import (
	"PerpRisk/internal/core"
	"PerpRisk/internal/ledger"
	"PerpRisk/internal/query"
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// toStatus converts an engine, ledger or query error to a gRPC status.
// Errors that already carry a status pass through.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codeOf(err), err.Error())
}

func codeOf(err error) codes.Code {
	switch {
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	}

	if class, ok := core.ClassOf(err); ok {
		switch class {
		case core.ClassValidation:
			return codes.InvalidArgument
		case core.ClassState:
			switch {
			case errors.Is(err, core.ErrMarketNotFound),
				errors.Is(err, core.ErrPositionNotFound),
				errors.Is(err, core.ErrOrderNotFound):
				return codes.NotFound
			case errors.Is(err, core.ErrUnauthorized):
				return codes.PermissionDenied
			}
			return codes.FailedPrecondition
		case core.ClassEconomic:
			return codes.FailedPrecondition
		case core.ClassConcurrency:
			return codes.Aborted
		case core.ClassInfrastructure:
			return codes.Unavailable
		}
	}

	switch {
	case errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, ledger.ErrUnknownAsset):
		return codes.InvalidArgument
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return codes.FailedPrecondition
	case errors.Is(err, query.ErrNoEventLog):
		return codes.Unimplemented
	}
	return codes.Internal
}

func invalidArg(field string, err error) error {
	return status.Errorf(codes.InvalidArgument, "invalid %s: %v", field, err)
}
