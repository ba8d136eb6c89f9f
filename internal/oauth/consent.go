package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/andyleap/skyid/internal/models"
)

// FlowState is the position of an authorization request in the consent
// handshake. A request that has not reached Begin has no state.
type FlowState string

const (
	StateAwaitLogin     FlowState = "AWAIT_LOGIN"
	StateConsentPending FlowState = "CONSENT_PENDING"
	StateGranted        FlowState = "GRANTED"
	StateDenied         FlowState = "DENIED"
)

const ResponseTypeCode = "code"

// Capabilities lists what an approving user hands to the client. There is no
// scope negotiation; every client receives the same set.
var Capabilities = []string{"display_name", "user_id"}

// AuthorizeRequest carries one authorization request and the user, if any,
// who is making it.
type AuthorizeRequest struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string

	UserID string
}

// AuthorizeRequestFromQuery reads the authorization parameters from a query string.
func AuthorizeRequestFromQuery(q url.Values, userID string) AuthorizeRequest {
	return AuthorizeRequest{
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		ResponseType:        q.Get("response_type"),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		UserID:              userID,
	}
}

// Consent is what the user is asked to approve.
type Consent struct {
	State        FlowState
	Client       *models.Client
	UserID       string
	Capabilities []string
	Request      AuthorizeRequest
}

// Decision is the outcome of a consent submission.
type Decision struct {
	State       FlowState
	RedirectURL string
	Grant       *models.AuthorizationGrant
}

// ConsentFlow drives the START -> AWAIT_LOGIN -> CONSENT_PENDING -> GRANTED|DENIED handshake.
type ConsentFlow struct {
	registry *Registry
	codes    *CodeStore
	opts     options
}

func NewConsentFlow(registry *Registry, codes *CodeStore, opts ...Option) *ConsentFlow {
	return &ConsentFlow{
		registry: registry,
		codes:    codes,
		opts:     buildOptions(opts),
	}
}

// Begin validates the request. Errors are meant to be shown to the requester
// and never redirected, since the redirect target is not trusted yet.
// An anonymous request returns the AWAIT_LOGIN consent together with
// ErrUnauthenticatedUser; the caller sends the user to login and replays the
// original request afterwards.
func (f *ConsentFlow) Begin(ctx context.Context, req AuthorizeRequest) (*Consent, error) {
	if req.ClientID == "" {
		return nil, invalidRequest("client_id is required")
	}

	client, err := f.registry.Lookup(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, ErrClientNotFound) {
			return nil, newError(CodeInvalidRequest, "unknown client_id", http.StatusBadRequest, err)
		}
		return nil, serverError(err)
	}

	if req.RedirectURI != "" && req.RedirectURI != client.RedirectURI {
		return nil, invalidRequest("redirect_uri does not match the registered redirect URI")
	}
	if req.ResponseType != "" && req.ResponseType != ResponseTypeCode {
		return nil, newError(CodeUnsupportedResponseType, `response_type must be "code"`, http.StatusBadRequest, ErrMalformedRequest)
	}
	if err := validateChallenge(req.CodeChallenge, req.CodeChallengeMethod); err != nil {
		return nil, err
	}

	if req.UserID == "" {
		return &Consent{State: StateAwaitLogin, Client: client, Request: req}, ErrUnauthenticatedUser
	}

	return &Consent{
		State:        StateConsentPending,
		Client:       client,
		UserID:       req.UserID,
		Capabilities: Capabilities,
		Request:      req,
	}, nil
}

// Decide applies the user's answer. Approval issues a grant bound to the
// registered redirect URI; denial creates nothing. Both redirect to the
// client's registered URI only.
func (f *ConsentFlow) Decide(ctx context.Context, req AuthorizeRequest, approved bool) (*Decision, error) {
	consent, err := f.Begin(ctx, req)
	if err != nil {
		return nil, err
	}
	client := consent.Client

	if !approved {
		f.opts.metrics.ObserveConsent("denied")
		redirectURL, err := BuildRedirectURL(client.RedirectURI, url.Values{"error": {CodeAccessDenied}}, req.State)
		if err != nil {
			return nil, serverError(err)
		}
		return &Decision{State: StateDenied, RedirectURL: redirectURL}, nil
	}

	grant, err := f.codes.Issue(ctx, IssueParams{
		ClientID:            client.ID,
		UserID:              consent.UserID,
		RedirectURI:         client.RedirectURI,
		State:               req.State,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
	})
	if err != nil {
		return nil, serverError(err)
	}

	f.opts.metrics.ObserveConsent("approved")

	redirectURL, err := BuildRedirectURL(client.RedirectURI, url.Values{"code": {grant.Code}}, req.State)
	if err != nil {
		return nil, serverError(err)
	}

	return &Decision{State: StateGranted, RedirectURL: redirectURL, Grant: grant}, nil
}

func validateChallenge(challenge, method string) error {
	if challenge == "" {
		if method != "" {
			return invalidRequest("code_challenge_method given without code_challenge")
		}
		return nil
	}
	if method != "" && method != PKCEMethodS256 && method != PKCEMethodPlain {
		return invalidRequest("code_challenge_method must be S256 or plain")
	}
	if !validPKCEValue(challenge) {
		return invalidRequest("code_challenge is malformed")
	}
	return nil
}

// BuildRedirectURL adds params, and state when set, to redirectURI's query.
func BuildRedirectURL(redirectURI string, params url.Values, state string) (string, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return "", fmt.Errorf("failed to parse redirect_uri: %w", err)
	}

	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Set(k, v)
		}
	}
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}
