package params

import "time"

const (
	ServerBodyLimit          = 1048576 // 1 MiB
	ServerIdleTimeout        = 30 * time.Second
	ServerReadTimeout        = 10 * time.Second
	ServerWriteTimeout       = 10 * time.Second
	SessionKeyPrefix         = "s:"
	SessionDataKey           = "data"
	HealthCheckServerAddr    = ":3001"          // health check server address
	MinPasswordLength        = 8                // minimum length of a local password
	GeneratedPasswordLength  = 16               // length of admin-reset temporary passwords
	DefaultAdminUsername     = "admin"          // bootstrap admin account
	DefaultAdminPassword     = "changeme"       // bootstrap admin password, flagged by check-default-password
	AnonymousUsername        = "anonymous"      // reserved fallback identity
	APITokenPrefix           = "mm_v1_"         // grep-friendly prefix of every api token
	APITokenSecretLength     = 32               // random characters after the prefix
	APITokenDisplayLength    = 12               // characters of the plaintext kept for display/lookup
	TOTPPeriod               = 30               // seconds per TOTP step
	TOTPSkew                 = 1                // accepted steps before/after the current one
	TOTPDigits               = 6                // digits of a TOTP code
	TOTPQRCodeSize           = 200              // width/height of the setup QR image
	BackupCodeCount          = 10               // backup codes generated per batch
	BackupCodeLength         = 8                // characters per backup code
	OIDCCodeVerifierLength   = 64               // PKCE verifier length
	OIDCLoginExpiration      = 10 * time.Minute // in-flight oidc login lifetime inside the session
	OIDCUsernameSubjectChars = 20               // chars of sub used when no better username exists
	CSRFTokenExpiration      = 24 * time.Hour
	AuditQueryDefaultLimit   = 100
	AuditQueryMaxLimit       = 1000
)

const (
	APIVersion = "1.0"
)

const (
	MFAPendingExpiration = 5 * time.Minute // time allowed between the password and the mfa step
)
