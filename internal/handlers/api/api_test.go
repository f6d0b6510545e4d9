package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/storage/memory/v2"
	"github.com/khanghh/meshauth/internal/apitokens"
	"github.com/khanghh/meshauth/internal/audit"
	"github.com/khanghh/meshauth/internal/database"
	"github.com/khanghh/meshauth/internal/middlewares"
	"github.com/khanghh/meshauth/internal/middlewares/authn"
	"github.com/khanghh/meshauth/internal/middlewares/csrf"
	"github.com/khanghh/meshauth/internal/middlewares/sessions"
	"github.com/khanghh/meshauth/internal/permissions"
	"github.com/khanghh/meshauth/internal/twofactor"
	"github.com/khanghh/meshauth/internal/users"
	"github.com/khanghh/meshauth/model"
	"github.com/khanghh/meshauth/params"
	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"
)

const testCookieName = "meshauth.sid"

type testServerOptions struct {
	disableLocalAuth bool
	loginMax         int
}

type testServer struct {
	app   *fiber.App
	users *users.UserService
}

func newTestServer(t *testing.T, opts testServerOptions) *testServer {
	t.Helper()
	db, err := database.Open(database.Config{
		Driver: database.DriverSQLite,
		Dsn:    fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()),
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if opts.loginMax == 0 {
		opts.loginMax = 100
	}

	auditLogger := audit.NewLogger(audit.NewAuditRepository(db))
	userRepo := users.NewUserRepository(db)
	permRepo := permissions.NewPermissionRepository(db)
	userService := users.NewUserService(db, userRepo, permRepo, users.NewPasswordHasher(bcrypt.MinCost), auditLogger)
	permService := permissions.NewPermissionService(permRepo, auditLogger)
	tokenService := apitokens.NewTokenService(db, apitokens.NewTokenRepository(db), auditLogger, bcrypt.MinCost)
	twoFactorService := twofactor.NewTwoFactorService(db, userRepo, auditLogger, "MeshMonitor", bcrypt.MinCost)
	if err := userService.EnsureDefaultUsers(context.Background()); err != nil {
		t.Fatalf("ensure default users: %v", err)
	}

	storage := memory.New()
	t.Cleanup(func() { storage.Close() })
	app := fiber.New(fiber.Config{ErrorHandler: middlewares.ErrorHandler})
	router := app.Group("/api", middlewares.NoCache(), middlewares.ClientIP(), sessions.New(sessions.Config{
		Storage:        storage,
		SessionMaxAge:  time.Hour,
		CookieHttpOnly: true,
		CookieName:     testCookieName,
	}))
	SetupRoutes(router, Handlers{
		Auth:   NewAuthHandler(userService, twoFactorService, permService, auditLogger, nil, opts.disableLocalAuth, "http://localhost:3000"),
		MFA:    NewMFAHandler(twoFactorService),
		Token:  NewTokenHandler(tokenService),
		Users:  NewUsersHandler(userService, permService, twoFactorService),
		Audit:  NewAuditHandler(auditLogger),
		Authn:  authn.NewResolver(userService, tokenService, permService),
		Limits: RateLimit{Max: opts.loginMax, Window: time.Minute},
	})
	return &testServer{app: app, users: userService}
}

// testClient keeps the session cookie and csrf token between requests like a
// browser would.
type testClient struct {
	srv    *testServer
	cookie *http.Cookie
	csrf   string
	bearer string
}

type testResponse struct {
	status int
	header http.Header
	Data   json.RawMessage `json:"data"`
	Error  *APIErrorInfo   `json:"error"`
}

func (r *testResponse) decode(t *testing.T, out any) {
	t.Helper()
	if err := json.Unmarshal(r.Data, out); err != nil {
		t.Fatalf("decode %s: %v", r.Data, err)
	}
}

func (c *testClient) do(t *testing.T, method string, path string, body any) *testResponse {
	t.Helper()
	var reader io.Reader
	if body != nil {
		buf, _ := json.Marshal(body)
		reader = bytes.NewReader(buf)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	}
	if c.cookie != nil {
		req.AddCookie(c.cookie)
	}
	if c.csrf != "" {
		req.Header.Set(csrf.CSRFTokenHeader, c.csrf)
	}
	if c.bearer != "" {
		req.Header.Set(fiber.HeaderAuthorization, "Bearer "+c.bearer)
	}
	resp, err := c.srv.app.Test(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	for _, cookie := range resp.Cookies() {
		if cookie.Name != testCookieName {
			continue
		}
		if cookie.Value == "" || (!cookie.Expires.IsZero() && cookie.Expires.Before(time.Now())) {
			c.cookie = nil
		} else {
			c.cookie = cookie
		}
	}
	out := &testResponse{status: resp.StatusCode, header: resp.Header}
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 && raw[0] == '{' {
		if err := json.Unmarshal(raw, out); err != nil {
			t.Fatalf("%s %s: bad json %s", method, path, raw)
		}
	}
	return out
}

func (c *testClient) login(t *testing.T, username string, password string) *testResponse {
	t.Helper()
	resp := c.do(t, fiber.MethodPost, "/api/auth/login", loginRequest{Username: username, Password: password})
	if resp.status == fiber.StatusOK {
		var data loginResponse
		resp.decode(t, &data)
		c.csrf = data.CSRFToken
	}
	return resp
}

func (c *testClient) mustLogin(t *testing.T, username string, password string) {
	t.Helper()
	if resp := c.login(t, username, password); resp.status != fiber.StatusOK {
		t.Fatalf("login %s: %d %+v", username, resp.status, resp.Error)
	}
}

func (s *testServer) client() *testClient {
	return &testClient{srv: s}
}

func (s *testServer) createUser(t *testing.T, username string) uint {
	t.Helper()
	user, err := s.users.CreateUser(context.Background(), users.CreateUserOptions{Username: username, Password: "password123"})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	return user.ID
}

func TestAnonymousStatus(t *testing.T) {
	srv := newTestServer(t, testServerOptions{})
	resp := srv.client().do(t, fiber.MethodGet, "/api/auth/status", nil)
	if resp.status != fiber.StatusOK {
		t.Fatalf("status: %d", resp.status)
	}
	var status authStatusResponse
	resp.decode(t, &status)
	if status.Authenticated || status.AuthMethod != authn.MethodAnonymous || status.User.Username != params.AnonymousUsername {
		t.Fatalf("unexpected anonymous status %+v", status)
	}
	if !status.Permissions["dashboard"].Read || status.Permissions["audit"].Read {
		t.Fatalf("unexpected anonymous permissions %+v", status.Permissions)
	}
	if status.CSRFToken != "" || status.OIDCEnabled {
		t.Fatalf("anonymous status must not carry a csrf token or oidc flag: %+v", status)
	}
	if got := resp.header.Get(fiber.HeaderCacheControl); got != "no-store, no-cache, must-revalidate, private" {
		t.Fatalf("missing no-cache header, got %q", got)
	}
}

func TestLoginLogout(t *testing.T) {
	srv := newTestServer(t, testServerOptions{})
	c := srv.client()

	resp := c.do(t, fiber.MethodGet, "/api/auth/check-default-password", nil)
	var check struct {
		IsDefaultPassword bool `json:"isDefaultPassword"`
	}
	resp.decode(t, &check)
	if !check.IsDefaultPassword {
		t.Fatal("expected the bootstrap admin password to be reported")
	}

	c.mustLogin(t, params.DefaultAdminUsername, params.DefaultAdminPassword)
	if c.cookie == nil || !c.cookie.HttpOnly || c.csrf == "" {
		t.Fatalf("expected an httpOnly session cookie and csrf token, got %+v %q", c.cookie, c.csrf)
	}
	var status authStatusResponse
	c.do(t, fiber.MethodGet, "/api/auth/status", nil).decode(t, &status)
	if !status.Authenticated || status.AuthMethod != authn.MethodSession || !status.User.IsAdmin || status.CSRFToken != c.csrf {
		t.Fatalf("unexpected status after login %+v", status)
	}
	if !status.Permissions["channel_0"].ViewOnMap {
		t.Fatal("admin must see every channel on the map")
	}

	if resp := c.do(t, fiber.MethodPost, "/api/auth/logout", nil); resp.status != fiber.StatusOK {
		t.Fatalf("logout: %d", resp.status)
	}
	c.do(t, fiber.MethodGet, "/api/auth/status", nil).decode(t, &status)
	if status.Authenticated {
		t.Fatal("expected anonymous status after logout")
	}
}

func TestLoginFailuresAreGeneric(t *testing.T) {
	srv := newTestServer(t, testServerOptions{})
	srv.createUser(t, "alice")

	wrong := srv.client().login(t, "alice", "wrong-password")
	missing := srv.client().login(t, "nobody", "password123")
	anonymous := srv.client().login(t, params.AnonymousUsername, "password123")
	for _, resp := range []*testResponse{wrong, missing, anonymous} {
		if resp.status != fiber.StatusUnauthorized || resp.Error == nil || resp.Error.Message != MsgInvalidCredentials {
			t.Fatalf("expected generic 401, got %d %+v", resp.status, resp.Error)
		}
	}
}

func TestLocalAuthDisabled(t *testing.T) {
	srv := newTestServer(t, testServerOptions{disableLocalAuth: true})
	resp := srv.client().login(t, params.DefaultAdminUsername, params.DefaultAdminPassword)
	if resp.status != fiber.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.status)
	}
}

func TestOIDCDisabled(t *testing.T) {
	srv := newTestServer(t, testServerOptions{})
	if resp := srv.client().do(t, fiber.MethodGet, "/api/auth/oidc/login", nil); resp.status != fiber.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.status)
	}
}

func TestLoginRateLimited(t *testing.T) {
	srv := newTestServer(t, testServerOptions{loginMax: 2})
	c := srv.client()
	c.login(t, "alice", "wrong-password")
	c.login(t, "alice", "wrong-password")
	if resp := c.login(t, "alice", "wrong-password"); resp.status != fiber.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.status)
	}
}

func TestCSRFRequiredForSessionWrites(t *testing.T) {
	srv := newTestServer(t, testServerOptions{})
	srv.createUser(t, "bob")
	c := srv.client()
	c.mustLogin(t, "bob", "password123")

	token := c.csrf
	c.csrf = ""
	body := changePasswordRequest{CurrentPassword: "password123", NewPassword: "password456"}
	if resp := c.do(t, fiber.MethodPost, "/api/auth/change-password", body); resp.status != fiber.StatusForbidden {
		t.Fatalf("expected 403 without csrf token, got %d", resp.status)
	}
	c.csrf = token
	if resp := c.do(t, fiber.MethodPost, "/api/auth/change-password", body); resp.status != fiber.StatusOK {
		t.Fatalf("change password: %d %+v", resp.status, resp.Error)
	}
	if resp := srv.client().login(t, "bob", "password456"); resp.status != fiber.StatusOK {
		t.Fatalf("login with new password: %d", resp.status)
	}
}

func TestBearerHeaderDoesNotSkipCSRF(t *testing.T) {
	srv := newTestServer(t, testServerOptions{})
	srv.createUser(t, "bob")
	c := srv.client()
	c.mustLogin(t, "bob", "password123")

	c.csrf = ""
	c.bearer = "junk"
	if resp := c.do(t, fiber.MethodPost, "/api/user/api-token", nil); resp.status != fiber.StatusForbidden {
		t.Fatalf("expected 403 for cookie request with junk bearer, got %d", resp.status)
	}
}

func TestMFALoginFlow(t *testing.T) {
	srv := newTestServer(t, testServerOptions{})
	srv.createUser(t, "carol")
	c := srv.client()
	c.mustLogin(t, "carol", "password123")

	var setup twofactor.SetupResult
	resp := c.do(t, fiber.MethodPost, "/api/mfa/setup", nil)
	if resp.status != fiber.StatusOK {
		t.Fatalf("setup: %d %+v", resp.status, resp.Error)
	}
	resp.decode(t, &setup)
	code, err := totp.GenerateCode(setup.Secret, time.Now())
	if err != nil {
		t.Fatalf("generate code: %v", err)
	}
	if resp := c.do(t, fiber.MethodPost, "/api/mfa/verify-setup", mfaCodeRequest{Code: code}); resp.status != fiber.StatusOK {
		t.Fatalf("verify setup: %d %+v", resp.status, resp.Error)
	}

	fresh := srv.client()
	resp = fresh.do(t, fiber.MethodPost, "/api/auth/login", loginRequest{Username: "carol", Password: "password123"})
	var login loginResponse
	resp.decode(t, &login)
	if !login.RequireMFA || login.User != nil {
		t.Fatalf("expected an mfa challenge, got %+v", login)
	}
	fresh.csrf = login.CSRFToken

	var status authStatusResponse
	fresh.do(t, fiber.MethodGet, "/api/auth/status", nil).decode(t, &status)
	if status.Authenticated || !status.MFAPending {
		t.Fatalf("password alone must not authenticate: %+v", status)
	}

	if resp := fresh.do(t, fiber.MethodPost, "/api/auth/verify-mfa", mfaCodeRequest{BackupCode: "WRONGCOD"}); resp.status != fiber.StatusUnauthorized {
		t.Fatalf("expected 401 for a wrong backup code, got %d", resp.status)
	}
	resp = fresh.do(t, fiber.MethodPost, "/api/auth/verify-mfa", mfaCodeRequest{BackupCode: setup.BackupCodes[0]})
	if resp.status != fiber.StatusOK {
		t.Fatalf("verify mfa: %d %+v", resp.status, resp.Error)
	}
	resp.decode(t, &login)
	fresh.csrf = login.CSRFToken
	fresh.do(t, fiber.MethodGet, "/api/auth/status", nil).decode(t, &status)
	if !status.Authenticated || status.User.Username != "carol" {
		t.Fatalf("expected carol to be logged in, got %+v", status)
	}

	var mfaStatus twofactor.Status
	fresh.do(t, fiber.MethodGet, "/api/mfa/status", nil).decode(t, &mfaStatus)
	if !mfaStatus.Enabled || mfaStatus.BackupCodesRemaining != params.BackupCodeCount-1 {
		t.Fatalf("unexpected mfa status %+v", mfaStatus)
	}
}

func TestAPITokenLifecycle(t *testing.T) {
	srv := newTestServer(t, testServerOptions{})
	srv.createUser(t, "dave")
	c := srv.client()
	c.mustLogin(t, "dave", "password123")

	var issued tokenResponse
	resp := c.do(t, fiber.MethodPost, "/api/user/api-token", nil)
	if resp.status != fiber.StatusCreated {
		t.Fatalf("create token: %d %+v", resp.status, resp.Error)
	}
	resp.decode(t, &issued)
	if issued.Token == "" || issued.Info.Prefix != issued.Token[:params.APITokenDisplayLength] {
		t.Fatalf("unexpected token response %+v", issued)
	}

	bearer := &testClient{srv: srv, bearer: issued.Token}
	var status authStatusResponse
	bearer.do(t, fiber.MethodGet, "/api/auth/status", nil).decode(t, &status)
	if status.AuthMethod != authn.MethodToken || status.User.Username != "dave" {
		t.Fatalf("expected token authentication, got %+v", status)
	}

	if resp := c.do(t, fiber.MethodDelete, "/api/user/api-token", nil); resp.status != fiber.StatusOK {
		t.Fatalf("revoke: %d", resp.status)
	}
	if resp := bearer.do(t, fiber.MethodGet, "/api/auth/status", nil); resp.status != fiber.StatusUnauthorized {
		t.Fatalf("revoked token must be rejected, got %d", resp.status)
	}
}

func TestAdminUserManagement(t *testing.T) {
	srv := newTestServer(t, testServerOptions{})
	erinID := srv.createUser(t, "erin")

	user := srv.client()
	user.mustLogin(t, "erin", "password123")
	if resp := user.do(t, fiber.MethodGet, "/api/users", nil); resp.status != fiber.StatusForbidden {
		t.Fatalf("expected 403 for non-admin, got %d", resp.status)
	}

	admin := srv.client()
	admin.mustLogin(t, params.DefaultAdminUsername, params.DefaultAdminPassword)

	resp := admin.do(t, fiber.MethodPost, "/api/users", createUserRequest{Username: "frank", Password: "short"})
	if resp.status != fiber.StatusBadRequest {
		t.Fatalf("expected 400 for a weak password, got %d", resp.status)
	}
	resp = admin.do(t, fiber.MethodPost, "/api/users", createUserRequest{Username: "erin", Password: "password123"})
	if resp.status != fiber.StatusConflict {
		t.Fatalf("expected 409 for a duplicate username, got %d", resp.status)
	}
	resp = admin.do(t, fiber.MethodPost, "/api/users", createUserRequest{Username: "frank", Password: "password123"})
	if resp.status != fiber.StatusCreated {
		t.Fatalf("create user: %d %+v", resp.status, resp.Error)
	}

	path := fmt.Sprintf("/api/users/%d/permissions", erinID)
	invalid := map[string]any{"permissions": []permissions.PermissionSet{{Resource: permissions.ResourceChannel1, CanWrite: true}}}
	if resp := admin.do(t, fiber.MethodPut, path, invalid); resp.status != fiber.StatusBadRequest {
		t.Fatalf("expected 400 for write without read, got %d", resp.status)
	}
	grant := map[string]any{"permissions": []permissions.PermissionSet{{Resource: permissions.ResourceAudit, CanRead: true}}}
	if resp := admin.do(t, fiber.MethodPut, path, grant); resp.status != fiber.StatusOK {
		t.Fatalf("update permissions: %d %+v", resp.status, resp.Error)
	}
	if resp := user.do(t, fiber.MethodGet, "/api/audit?action=login_success", nil); resp.status != fiber.StatusOK {
		t.Fatalf("expected audit access after grant, got %d", resp.status)
	}

	resp = admin.do(t, fiber.MethodPost, fmt.Sprintf("/api/users/%d/reset-password", erinID), nil)
	var reset struct {
		Password string `json:"password"`
	}
	resp.decode(t, &reset)
	if resp := srv.client().login(t, "erin", reset.Password); resp.status != fiber.StatusOK {
		t.Fatalf("login with reset password: %d", resp.status)
	}

	if resp := admin.do(t, fiber.MethodDelete, fmt.Sprintf("/api/users/%d", erinID), nil); resp.status != fiber.StatusOK {
		t.Fatalf("deactivate: %d", resp.status)
	}
	if resp := user.do(t, fiber.MethodGet, "/api/mfa/status", nil); resp.status != fiber.StatusUnauthorized {
		t.Fatalf("deactivated user's session must be rejected, got %d", resp.status)
	}
	if resp := admin.do(t, fiber.MethodGet, "/api/users/abc", nil); resp.status != fiber.StatusBadRequest {
		t.Fatalf("expected 400 for a malformed id, got %d", resp.status)
	}
}

func TestAdminRevokePermissions(t *testing.T) {
	srv := newTestServer(t, testServerOptions{})
	erinID := srv.createUser(t, "erin")
	admin := srv.client()
	admin.mustLogin(t, params.DefaultAdminUsername, params.DefaultAdminPassword)

	path := fmt.Sprintf("/api/users/%d/permissions", erinID)
	var result struct {
		Permissions []model.Permission `json:"permissions"`
	}
	admin.do(t, fiber.MethodGet, path, nil).decode(t, &result)
	before := len(result.Permissions)
	if before == 0 {
		t.Fatal("new users must be seeded with default grants")
	}

	if resp := admin.do(t, fiber.MethodDelete, path+"/bogus", nil); resp.status != fiber.StatusBadRequest {
		t.Fatalf("expected 400 for an unknown resource, got %d", resp.status)
	}
	resp := admin.do(t, fiber.MethodDelete, path+"/"+permissions.ResourceDashboard.String(), nil)
	if resp.status != fiber.StatusOK {
		t.Fatalf("revoke: %d %+v", resp.status, resp.Error)
	}
	resp.decode(t, &result)
	if len(result.Permissions) != before-1 {
		t.Fatalf("expected %d grants after revoke, got %d", before-1, len(result.Permissions))
	}
	for _, p := range result.Permissions {
		if p.Resource == permissions.ResourceDashboard.String() {
			t.Fatal("dashboard grant must be gone")
		}
	}

	resp = admin.do(t, fiber.MethodDelete, path, nil)
	if resp.status != fiber.StatusOK {
		t.Fatalf("revoke all: %d %+v", resp.status, resp.Error)
	}
	resp.decode(t, &result)
	if len(result.Permissions) != 0 {
		t.Fatalf("expected no grants, got %d", len(result.Permissions))
	}
}

func TestAuditQuery(t *testing.T) {
	srv := newTestServer(t, testServerOptions{})
	srv.client().login(t, "ghost", "password123")
	admin := srv.client()
	admin.mustLogin(t, params.DefaultAdminUsername, params.DefaultAdminPassword)

	var result auditQueryResponse
	resp := admin.do(t, fiber.MethodGet, "/api/audit?action="+audit.ActionLoginFailed, nil)
	if resp.status != fiber.StatusOK {
		t.Fatalf("audit query: %d", resp.status)
	}
	resp.decode(t, &result)
	if result.Total != 1 || len(result.Entries) != 1 || result.Entries[0].UserID != nil {
		t.Fatalf("expected one anonymous login_failed entry, got %+v", result)
	}
	var details map[string]any
	if err := json.Unmarshal(result.Entries[0].Details, &details); err != nil || details["username"] != "ghost" {
		t.Fatalf("unexpected details %s", result.Entries[0].Details)
	}
	if resp := admin.do(t, fiber.MethodGet, "/api/audit?since=yesterday", nil); resp.status != fiber.StatusBadRequest {
		t.Fatalf("expected 400 for a malformed time, got %d", resp.status)
	}
}
