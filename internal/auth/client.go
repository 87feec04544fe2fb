// Package auth submits credentials to the chat server's HTTP auth endpoints
// and normalizes the outcome into an identity or a displayable error.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/whisper/chat-client/internal/metrics"
	"github.com/whisper/chat-client/internal/session"
)

const (
	opSignIn = "signin"
	opSignUp = "signup"

	maxResponseSize = 1 << 20
)

// SignUpRequest carries the sign-up form.
type SignUpRequest struct {
	Username        string
	Email           string
	Password        string
	ConfirmPassword string
}

// Validate checks the form in the order the form reports problems.
func (r SignUpRequest) Validate() error {
	if strings.TrimSpace(r.Username) == "" {
		return &ValidationError{Message: MsgUsernameRequired}
	}
	if r.Password != r.ConfirmPassword {
		return &ValidationError{Message: MsgPasswordsMismatch}
	}
	return validateCredentials(r.Email, r.Password)
}

func validateCredentials(email, password string) error {
	if strings.TrimSpace(email) == "" {
		return &ValidationError{Message: MsgEmailRequired}
	}
	if strings.TrimSpace(password) == "" {
		return &ValidationError{Message: MsgPasswordRequired}
	}
	return nil
}

// Client talks to POST {base}/api/signin and POST {base}/api/signup. It holds
// no state between calls.
type Client struct {
	baseURL string
	http    *http.Client
	log     zerolog.Logger
}

// NewClient creates a Client for baseURL. A nil httpClient uses a client with
// a 15 second timeout.
func NewClient(baseURL string, httpClient *http.Client, logger zerolog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		log:     logger,
	}
}

// SignIn authenticates an existing account.
func (c *Client) SignIn(ctx context.Context, email, password string) (session.Identity, error) {
	if err := validateCredentials(email, password); err != nil {
		metrics.AuthRequests.WithLabelValues(opSignIn, "invalid").Inc()
		return session.Identity{}, err
	}
	return c.submit(ctx, opSignIn, signInBody{Email: email, Password: password})
}

// SignUp registers a new account and signs it in.
func (c *Client) SignUp(ctx context.Context, req SignUpRequest) (session.Identity, error) {
	if err := req.Validate(); err != nil {
		metrics.AuthRequests.WithLabelValues(opSignUp, "invalid").Inc()
		return session.Identity{}, err
	}
	return c.submit(ctx, opSignUp, signUpBody{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
	})
}

type signInBody struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type signUpBody struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	User  *session.Identity `json:"user"`
	Error string            `json:"error"`
}

func (c *Client) submit(ctx context.Context, op string, body any) (session.Identity, error) {
	id, err := c.do(ctx, op, body)

	outcome := "ok"
	var (
		re *RejectedError
		ne *NetworkError
	)
	switch {
	case errors.As(err, &re):
		outcome = "rejected"
	case errors.As(err, &ne):
		outcome = "network"
	case err != nil:
		outcome = "error"
	}
	metrics.AuthRequests.WithLabelValues(op, outcome).Inc()

	if err != nil {
		c.log.Warn().Err(err).Str("op", op).Msg("[auth] request failed")
		return session.Identity{}, err
	}
	c.log.Info().Str("op", op).Str("user", id.Username).Msg("[auth] authenticated")
	return id, nil
}

func (c *Client) do(ctx context.Context, op string, body any) (session.Identity, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return session.Identity{}, fmt.Errorf("auth: marshal %s request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/"+op, bytes.NewReader(payload))
	if err != nil {
		return session.Identity{}, fmt.Errorf("auth: build %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	metrics.AuthLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		return session.Identity{}, &NetworkError{Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return session.Identity{}, &NetworkError{Err: err}
	}

	var ar authResponse
	parseErr := json.Unmarshal(data, &ar)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := MsgAuthFailed
		if parseErr == nil && ar.Error != "" {
			msg = ar.Error
		}
		return session.Identity{}, &RejectedError{Status: resp.StatusCode, Message: msg}
	}
	if parseErr != nil || ar.User == nil || !ar.User.Valid() {
		return session.Identity{}, &RejectedError{Status: resp.StatusCode, Message: MsgAuthFailed}
	}
	return *ar.User, nil
}
