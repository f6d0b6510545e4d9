package oidc

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strconv"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
	"github.com/khanghh/meshauth/internal/audit"
	"github.com/khanghh/meshauth/internal/common"
	"github.com/khanghh/meshauth/internal/users"
	"github.com/khanghh/meshauth/model"
	"github.com/khanghh/meshauth/params"
	"golang.org/x/oauth2"
)

// unreserved characters of RFC 7636 without the look-alikes
const codeVerifierAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz23456789-._~"

type Config struct {
	Issuer          string
	ClientID        string
	ClientSecret    string
	RedirectURL     string
	Scopes          []string
	AutoCreateUsers bool
}

// LoginRequest is the state of one in-flight login, kept in the session
// between BeginLogin and CompleteLogin.
type LoginRequest struct {
	State        string
	Nonce        string
	CodeVerifier string
}

type CallbackParams struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

type LoginResult struct {
	User     *model.User
	Created  bool
	Migrated bool
}

type claims struct {
	Subject           string `json:"sub"`
	Email             string `json:"email"`
	EmailVerified     *bool  `json:"email_verified"`
	PreferredUsername string `json:"preferred_username"`
	Name              string `json:"name"`
}

// UserProvisioner is the part of the user service the login flow needs.
type UserProvisioner interface {
	GetUserByOIDCSubject(ctx context.Context, subject string) (*model.User, error)
	UsernameExists(ctx context.Context, username string) (bool, error)
	FindLocalUserForMigration(ctx context.Context, username string, email string) (*model.User, error)
	MigrateToOIDC(ctx context.Context, userID uint, profile users.OIDCProfile) (*model.User, error)
	CreateOIDCUser(ctx context.Context, profile users.OIDCProfile) (*model.User, error)
	UpdateOIDCProfile(ctx context.Context, user *model.User, profile users.OIDCProfile) error
}

// Client runs the authorization code flow with PKCE against one provider.
// It is built once at startup and safe for concurrent use.
type Client struct {
	oauth2Config oauth2.Config
	verifier     *gooidc.IDTokenVerifier
	users        UserProvisioner
	audit        *audit.Logger
	autoCreate   bool
}

func (c *Client) AutoCreateUsers() bool {
	return c.autoCreate
}

func (c *Client) BeginLogin() (*LoginRequest, string, error) {
	verifier, err := common.RandomString(params.OIDCCodeVerifierLength, codeVerifierAlphabet)
	if err != nil {
		return nil, "", err
	}
	req := &LoginRequest{
		State:        uuid.NewString(),
		Nonce:        uuid.NewString(),
		CodeVerifier: verifier,
	}
	authURL := c.oauth2Config.AuthCodeURL(req.State,
		oauth2.S256ChallengeOption(req.CodeVerifier),
		gooidc.Nonce(req.Nonce),
	)
	return req, authURL, nil
}

func (c *Client) stateMismatch(ctx context.Context, reason string) error {
	c.audit.Log(ctx, audit.Event{
		Action:   audit.ActionOIDCStateMismatch,
		Resource: "oidc",
		Details:  map[string]any{"reason": reason},
	})
	return ErrInvalidState
}

func (c *Client) loginFailed(ctx context.Context, userID *uint, reason string, err error) error {
	c.audit.Log(ctx, audit.Event{
		UserID:   userID,
		Action:   audit.ActionOIDCLoginFailed,
		Resource: "oidc",
		Details:  map[string]any{"reason": reason},
	})
	return err
}

func sameString(a, b string) bool {
	return a != "" && subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// CompleteLogin handles the provider callback for req and returns the local
// user the identity resolves to.
func (c *Client) CompleteLogin(ctx context.Context, cb CallbackParams, req LoginRequest) (*LoginResult, error) {
	if !sameString(req.State, cb.State) {
		return nil, c.stateMismatch(ctx, "state")
	}
	if cb.Error != "" {
		return nil, c.loginFailed(ctx, nil, "provider_error", fmt.Errorf("%w: %s %s", ErrProviderError, cb.Error, cb.ErrorDescription))
	}
	if cb.Code == "" {
		return nil, c.loginFailed(ctx, nil, "missing_code", fmt.Errorf("%w: missing authorization code", ErrProviderError))
	}

	token, err := c.oauth2Config.Exchange(ctx, cb.Code, oauth2.VerifierOption(req.CodeVerifier))
	if err != nil {
		return nil, c.loginFailed(ctx, nil, "code_exchange", fmt.Errorf("%w: %v", ErrProviderError, err))
	}
	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, c.loginFailed(ctx, nil, "missing_id_token", ErrNoClaims)
	}
	idToken, err := c.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, c.loginFailed(ctx, nil, "invalid_id_token", fmt.Errorf("%w: %v", ErrInvalidIDToken, err))
	}
	if !sameString(req.Nonce, idToken.Nonce) {
		return nil, c.stateMismatch(ctx, "nonce")
	}

	var cl claims
	if err := idToken.Claims(&cl); err != nil || cl.Subject == "" {
		return nil, c.loginFailed(ctx, nil, "missing_claims", ErrNoClaims)
	}
	return c.resolveUser(ctx, &cl)
}

func (c *Client) uniqueUsername(ctx context.Context, base string, subject string) (string, error) {
	candidate := base
	for i := 0; i < 10; i++ {
		if err := users.ValidateUsername(candidate); err != nil {
			return "", fmt.Errorf("derived username %q: %w", candidate, err)
		}
		exists, err := c.users.UsernameExists(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !exists {
			return candidate, nil
		}
		suffix := subjectSuffix(subject, 6)
		if i > 0 {
			suffix += strconv.Itoa(i)
		}
		candidate = withSuffix(base, suffix)
	}
	return "", fmt.Errorf("could not find a free username for %q", base)
}

func (c *Client) resolveUser(ctx context.Context, cl *claims) (*LoginResult, error) {
	profile := users.OIDCProfile{
		Subject:     cl.Subject,
		Username:    deriveUsername(cl),
		Email:       cl.Email,
		DisplayName: cl.Name,
	}

	user, err := c.users.GetUserByOIDCSubject(ctx, cl.Subject)
	if err == nil {
		if !user.IsActive {
			return nil, c.loginFailed(ctx, &user.ID, "user_inactive", ErrUserInactive)
		}
		if err := c.users.UpdateOIDCProfile(ctx, user, profile); err != nil {
			return nil, err
		}
		c.audit.LogUser(ctx, user.ID, audit.ActionOIDCLogin, "oidc", map[string]any{"subject": cl.Subject})
		return &LoginResult{User: user}, nil
	}
	if !errors.Is(err, users.ErrUserNotFound) {
		return nil, err
	}

	if !c.autoCreate {
		c.audit.Log(ctx, audit.Event{
			Action:   audit.ActionOIDCAutoCreateDenied,
			Resource: "oidc",
			Details:  map[string]any{"subject": cl.Subject, "username": profile.Username},
		})
		return nil, ErrAutoCreateDisabled
	}

	// an unverified email must not take over a local account
	migrationEmail := cl.Email
	if cl.EmailVerified != nil && !*cl.EmailVerified {
		migrationEmail = ""
	}
	local, err := c.users.FindLocalUserForMigration(ctx, profile.Username, migrationEmail)
	switch {
	case err == nil:
		if !local.IsActive {
			return nil, c.loginFailed(ctx, &local.ID, "user_inactive", ErrUserInactive)
		}
		migrated, err := c.users.MigrateToOIDC(ctx, local.ID, profile)
		if err != nil {
			return nil, err
		}
		c.audit.LogUser(ctx, migrated.ID, audit.ActionOIDCUserMigrated, "oidc", map[string]any{"subject": cl.Subject, "username": migrated.Username})
		c.audit.LogUser(ctx, migrated.ID, audit.ActionOIDCLogin, "oidc", map[string]any{"subject": cl.Subject})
		return &LoginResult{User: migrated, Migrated: true}, nil
	case !errors.Is(err, users.ErrUserNotFound):
		return nil, err
	}

	profile.Username, err = c.uniqueUsername(ctx, profile.Username, cl.Subject)
	if err != nil {
		return nil, err
	}
	created, err := c.users.CreateOIDCUser(ctx, profile)
	if err != nil {
		return nil, err
	}
	c.audit.LogUser(ctx, created.ID, audit.ActionOIDCUserCreated, "oidc", map[string]any{"subject": cl.Subject, "username": created.Username})
	c.audit.LogUser(ctx, created.ID, audit.ActionOIDCLogin, "oidc", map[string]any{"subject": cl.Subject})
	return &LoginResult{User: created, Created: true}, nil
}

// NewClient discovers the provider configuration from cfg.Issuer.
func NewClient(ctx context.Context, cfg Config, userProvisioner UserProvisioner, auditLogger *audit.Logger) (*Client, error) {
	provider, err := gooidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{gooidc.ScopeOpenID, "profile", "email"}
	}
	return &Client{
		oauth2Config: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     provider.Endpoint(),
			Scopes:       scopes,
		},
		verifier:   provider.Verifier(&gooidc.Config{ClientID: cfg.ClientID}),
		users:      userProvisioner,
		audit:      auditLogger,
		autoCreate: cfg.AutoCreateUsers,
	}, nil
}
