package rpc

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/platinummonkey/keel/pkg/apperr"
)

var kindCodes = map[apperr.Kind]codes.Code{
	apperr.KindNotFound:         codes.NotFound,
	apperr.KindValidation:       codes.InvalidArgument,
	apperr.KindPermissionDenied: codes.PermissionDenied,
	apperr.KindAuth:             codes.Unauthenticated,
	apperr.KindConflict:         codes.AlreadyExists,
	apperr.KindUnavailable:      codes.ResourceExhausted,
	apperr.KindInternal:         codes.Internal,
}

// ToStatus converts a service error into a gRPC status error. Errors that
// already carry a status pass through unchanged.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}

	kind := apperr.KindOf(err)
	msg := err.Error()
	if kind == apperr.KindInternal {
		// storage details stay in the server log
		msg = "internal error"
	}
	return status.Error(kindCodes[kind], msg)
}

// FromStatus converts a gRPC status error back into an apperr error, so
// clients can use apperr.KindOf and errors.Is on RPC failures.
func FromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	msg := st.Message()
	switch st.Code() {
	case codes.OK:
		return nil
	case codes.NotFound:
		return apperr.NotFound("%s", msg)
	case codes.InvalidArgument:
		return apperr.Validation("%s", msg)
	case codes.PermissionDenied:
		return apperr.PermissionDenied("%s", msg)
	case codes.Unauthenticated:
		return apperr.Auth("%s", msg)
	case codes.AlreadyExists:
		return apperr.Conflict("%s", msg)
	case codes.ResourceExhausted, codes.Unavailable:
		return apperr.Unavailable("%s", msg)
	default:
		return apperr.Internal(nil, "%s: %s", st.Code(), msg)
	}
}
