package sessions

import (
	"encoding/gob"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/session"
	"github.com/khanghh/meshauth/internal/common"
	"github.com/khanghh/meshauth/params"
)

const (
	sessionContextKey = "session"
)

func init() {
	gob.Register(SessionData{})
}

type SessionData struct {
	UserID           uint      // authenticated user id
	Username         string    // username at login time
	AuthProvider     string    // local or oidc
	IsAdmin          bool      // admin flag at login time
	LoginTime        time.Time // last login time
	LastSeen         time.Time // last request time
	MFAPendingUserID uint      // user that passed the password check but not the mfa gate
	MFAPendingAt     time.Time // when the mfa gate was entered
	OIDCState        string    // in-flight oidc login state
	OIDCNonce        string    // in-flight oidc login nonce
	OIDCCodeVerifier string    // in-flight oidc pkce verifier
	OIDCStartedAt    time.Time // when the oidc login was started
}

func (s *SessionData) IsLoggedIn() bool {
	return s.UserID != 0
}

func (s *SessionData) IsMFAPending() bool {
	return s.UserID == 0 && s.MFAPendingUserID != 0
}

func (s *SessionData) HasOIDCLogin() bool {
	return s.OIDCState != "" && time.Since(s.OIDCStartedAt) < params.OIDCLoginExpiration
}

func (s *SessionData) ClearOIDCLogin() {
	s.OIDCState = ""
	s.OIDCNonce = ""
	s.OIDCCodeVerifier = ""
	s.OIDCStartedAt = time.Time{}
}

type Session struct {
	*session.Session
	SessionData
}

// Save stages the session data, it is persisted at the end of the request.
func (s *Session) Save(data ...SessionData) {
	if len(data) > 0 {
		s.SessionData = data[0]
	}
	s.Set(params.SessionDataKey, s.SessionData)
}

// Reset drops the stored session and continues with a new id holding data.
func (s *Session) Reset(data ...SessionData) error {
	if err := s.Session.Reset(); err != nil {
		return err
	}
	s.SessionData = SessionData{}
	if len(data) > 0 {
		s.SessionData = data[0]
	}
	s.Set(params.SessionDataKey, s.SessionData)
	return nil
}

func (s *Session) Destroy() error {
	s.SessionData = SessionData{}
	return s.Session.Destroy()
}

func newSession(sess *session.Session) *Session {
	data, _ := sess.Get(params.SessionDataKey).(SessionData)
	return &Session{
		Session:     sess,
		SessionData: data,
	}
}

func generateSessionID() string {
	id, err := common.RandomHex(32)
	if err != nil {
		slog.Error("Could not generate session id", "error", err)
	}
	return id
}

func Get(ctx *fiber.Ctx) *Session {
	return ctx.Locals(sessionContextKey).(*Session)
}

func Destroy(ctx *fiber.Ctx) error {
	return Get(ctx).Destroy()
}

func Reset(ctx *fiber.Ctx, data SessionData) error {
	return Get(ctx).Reset(data)
}

type Config struct {
	Storage        fiber.Storage
	SessionMaxAge  time.Duration
	CookieSecure   bool
	CookieHttpOnly bool
	CookieSameSite string
	CookieName     string
}

func New(config Config) fiber.Handler {
	if config.CookieSameSite == "" {
		config.CookieSameSite = fiber.CookieSameSiteLaxMode
	}
	store := session.New(session.Config{
		Storage:        config.Storage,
		Expiration:     config.SessionMaxAge,
		CookieSecure:   config.CookieSecure,
		CookieHTTPOnly: config.CookieHttpOnly,
		CookieSameSite: config.CookieSameSite,
		KeyLookup:      fmt.Sprintf("cookie:%s", config.CookieName),
		KeyGenerator:   generateSessionID,
	})

	return func(ctx *fiber.Ctx) error {
		sess, err := store.Get(ctx)
		if err != nil {
			return err
		}

		session := newSession(sess)
		ctx.Locals(sessionContextKey, session)
		if err := ctx.Next(); err != nil {
			return err
		}

		if len(session.Keys()) > 0 {
			if data := session.SessionData; data != (SessionData{}) {
				data.LastSeen = time.Now()
				session.Set(params.SessionDataKey, data)
			}
			return session.Session.Save()
		}
		return nil
	}
}
