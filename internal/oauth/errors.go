package oauth

import (
	"errors"
	"fmt"
	"net/http"
)

// Error kinds. All are terminal for the current request.
var (
	ErrClientNotFound           = errors.New("client not found")
	ErrInvalidClientCredentials = errors.New("invalid client credentials")
	ErrInvalidOrExpiredGrant    = errors.New("authorization code is invalid or expired")
	ErrGrantAlreadyConsumed     = errors.New("authorization code already used")
	ErrUnsupportedGrantType     = errors.New("unsupported grant type")
	ErrMalformedRequest         = errors.New("malformed request")
	ErrUnauthenticatedUser      = errors.New("user is not authenticated")
)

// Wire error codes.
const (
	CodeInvalidRequest          = "invalid_request"
	CodeInvalidClient           = "invalid_client"
	CodeInvalidGrant            = "invalid_grant"
	CodeUnsupportedGrantType    = "unsupported_grant_type"
	CodeUnsupportedResponseType = "unsupported_response_type"
	CodeAccessDenied            = "access_denied"
	CodeInvalidToken            = "invalid_token"
	CodeServerError             = "server_error"
)

// Error is an OAuth protocol error: a wire code, a description safe to show
// the caller, the HTTP status to answer with, and the underlying kind.
type Error struct {
	Code        string
	Description string
	Status      int
	Err         error
}

func (e *Error) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Description)
	}
	return e.Code
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code, description string, status int, err error) *Error {
	return &Error{
		Code:        code,
		Description: description,
		Status:      status,
		Err:         err,
	}
}

func invalidRequest(description string) *Error {
	return newError(CodeInvalidRequest, description, http.StatusBadRequest, ErrMalformedRequest)
}

func serverError(err error) *Error {
	return newError(CodeServerError, "internal error", http.StatusInternalServerError, err)
}

// AsError converts any error into an *Error, mapping unknown errors to server_error.
func AsError(err error) *Error {
	var oerr *Error
	if errors.As(err, &oerr) {
		return oerr
	}
	switch {
	case errors.Is(err, ErrClientNotFound):
		return newError(CodeInvalidClient, "unknown client", http.StatusBadRequest, err)
	case errors.Is(err, ErrInvalidClientCredentials):
		return newError(CodeInvalidClient, "client authentication failed", http.StatusUnauthorized, err)
	case errors.Is(err, ErrInvalidOrExpiredGrant), errors.Is(err, ErrGrantAlreadyConsumed):
		return newError(CodeInvalidGrant, "authorization code is invalid or expired", http.StatusBadRequest, err)
	case errors.Is(err, ErrUnsupportedGrantType):
		return newError(CodeUnsupportedGrantType, "only authorization_code is supported", http.StatusBadRequest, err)
	case errors.Is(err, ErrMalformedRequest):
		return newError(CodeInvalidRequest, err.Error(), http.StatusBadRequest, err)
	case errors.Is(err, ErrUnauthenticatedUser):
		return newError(CodeAccessDenied, "login required", http.StatusUnauthorized, err)
	}
	return serverError(err)
}
