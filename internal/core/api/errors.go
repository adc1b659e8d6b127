package api

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/solatis/synthkeeper/internal/types"
)

// Formula failures are reported inside successful responses (success=false
// plus a kind); only request-level problems become gRPC errors.
// Unknown formulas and sensors map to NOT_FOUND.
// Missing or malformed fields and rejected registrations map to INVALID_ARGUMENT.
// Calls before a configuration is loaded map to FAILED_PRECONDITION.
// Context timeouts map to DEADLINE_EXCEEDED.

var errNotLoaded = errors.New("no sensor configuration loaded")

func toStatus(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, errNotLoaded):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, types.ErrFormulaNotFound), errors.Is(err, types.ErrSensorNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, types.ErrCrossSensorResolution):
		return status.Error(codes.InvalidArgument, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func invalidArgument(msg string) error {
	return status.Error(codes.InvalidArgument, msg)
}
