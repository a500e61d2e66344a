package controlserver

import (
	"context"
	"errors"
	"net/http"

	"connectrpc.com/connect"
	"github.com/buildkite/agentrelay/internal/session"
)

type errorMapping struct {
	target error
	code   connect.Code
	status int
	name   string
}

var errorMappings = []errorMapping{
	{session.ErrInvalidConfig, connect.CodeInvalidArgument, http.StatusBadRequest, "invalid_config"},
	{session.ErrUnknownProfile, connect.CodeNotFound, http.StatusNotFound, "unknown_profile"},
	{session.ErrUnknownOverlay, connect.CodeNotFound, http.StatusNotFound, "unknown_overlay"},
	{session.ErrUnknownTarget, connect.CodeNotFound, http.StatusNotFound, "unknown_target"},
	{session.ErrNotFound, connect.CodeNotFound, http.StatusNotFound, "not_found"},
	{session.ErrQuotaExceeded, connect.CodeResourceExhausted, http.StatusTooManyRequests, "quota_exceeded"},
	{session.ErrAlreadyTerminal, connect.CodeFailedPrecondition, http.StatusConflict, "already_terminal"},
	{session.ErrStateConflict, connect.CodeAborted, http.StatusConflict, "state_conflict"},
	{session.ErrUnauthenticated, connect.CodeUnauthenticated, http.StatusUnauthorized, "unauthenticated"},
	{session.ErrForbidden, connect.CodePermissionDenied, http.StatusForbidden, "forbidden"},
	{context.Canceled, connect.CodeCanceled, 499, "canceled"},
	{context.DeadlineExceeded, connect.CodeDeadlineExceeded, http.StatusGatewayTimeout, "deadline_exceeded"},
}

func lookupError(err error) (errorMapping, bool) {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			return m, true
		}
	}
	return errorMapping{}, false
}

func toConnectError(err error) error {
	if err == nil {
		return nil
	}
	var connectErr *connect.Error
	if errors.As(err, &connectErr) {
		return err
	}
	if m, ok := lookupError(err); ok {
		return connect.NewError(m.code, err)
	}
	return connect.NewError(connect.CodeInternal, err)
}

// httpStatus maps err to the REST status code and a short error code.
func httpStatus(err error) (int, string) {
	if m, ok := lookupError(err); ok {
		return m.status, m.name
	}
	return http.StatusInternalServerError, "internal"
}
