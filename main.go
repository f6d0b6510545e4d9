package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/khanghh/meshauth/internal/apitokens"
	"github.com/khanghh/meshauth/internal/audit"
	"github.com/khanghh/meshauth/internal/common"
	"github.com/khanghh/meshauth/internal/config"
	"github.com/khanghh/meshauth/internal/database"
	"github.com/khanghh/meshauth/internal/handlers/api"
	"github.com/khanghh/meshauth/internal/middlewares"
	"github.com/khanghh/meshauth/internal/middlewares/authn"
	"github.com/khanghh/meshauth/internal/middlewares/sessions"
	"github.com/khanghh/meshauth/internal/oidc"
	"github.com/khanghh/meshauth/internal/permissions"
	"github.com/khanghh/meshauth/internal/store"
	"github.com/khanghh/meshauth/internal/twofactor"
	"github.com/khanghh/meshauth/internal/users"
	"github.com/khanghh/meshauth/params"
	"github.com/urfave/cli/v2"
	"gorm.io/gorm"
)

var (
	app       *cli.App
	gitCommit string
	gitDate   string
	gitTag    string
)

var (
	configFileFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "YAML config file",
		Value: "config.yaml",
	}
	debugFlag = &cli.BoolFlag{
		Name:  "debug",
		Usage: "Enable debug logging",
	}
)

func init() {
	app = cli.NewApp()
	app.EnableBashCompletion = true
	app.Usage = "meshauth - authentication and authorization for the mesh monitoring dashboard"
	app.Flags = []cli.Flag{
		configFileFlag,
		debugFlag,
	}
	app.Commands = []*cli.Command{
		{
			Name: "version",
			Action: func(ctx *cli.Context) error {
				fmt.Println(params.VersionWithCommit(gitCommit, gitDate))
				return nil
			},
		},
		{
			Name:   "prune-sessions",
			Usage:  "Delete expired sessions from the database session backend",
			Action: pruneSessions,
		},
		{
			Name:   "reset-admin",
			Usage:  "Reactivate the admin account with a new random password",
			Action: resetAdmin,
		},
	}
	app.Action = run
}

func mustInitLogger(debug bool) {
	logLevel := slog.LevelInfo
	if debug {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(handler))
}

func loadConfig(ctx *cli.Context) (*config.Config, error) {
	cfg, err := config.LoadConfig(ctx.String(configFileFlag.Name))
	if err != nil {
		slog.Error("Could not load config file.", "error", err)
		return nil, err
	}
	if ctx.Bool(debugFlag.Name) {
		cfg.Debug = true
	}
	mustInitLogger(cfg.Debug)
	return cfg, nil
}

func mustInitDatabase(dbConfig config.DatabaseConfig, debug bool) *gorm.DB {
	db, err := database.Open(database.Config{
		Driver:          dbConfig.Driver,
		Dsn:             dbConfig.Dsn,
		TablePrefix:     dbConfig.TablePrefix,
		Replicas:        dbConfig.Replicas,
		MaxIdleConns:    dbConfig.MaxIdleConns,
		MaxOpenConns:    dbConfig.MaxOpenConns,
		ConnMaxIdleTime: dbConfig.ConnMaxIdleTime,
		ConnMaxLifetime: dbConfig.ConnMaxLifetime,
		Debug:           debug,
	})
	if err != nil {
		slog.Error("Failed to connect to database", "driver", dbConfig.Driver, "error", err)
		os.Exit(1)
	}

	if err := database.Migrate(db); err != nil {
		slog.Error("Database migration failed", "error", err)
		os.Exit(1)
	}
	return db
}

func mustInitSessionStorage(cfg *config.Config, db *gorm.DB) *store.SessionStorage {
	storage, err := store.NewSessionStorage(store.Config{
		Backend: cfg.Session.Backend,
		Redis: store.RedisConfig{
			URL:         cfg.Redis.URL,
			PoolSize:    cfg.Redis.PoolSize,
			ClusterMode: cfg.Redis.ClusterMode,
		},
	}, db)
	if err != nil {
		slog.Error("Failed to initialize session storage", "backend", cfg.Session.Backend, "error", err)
		os.Exit(1)
	}
	return storage
}

// mustInitOIDCClient returns nil when single sign-on is disabled.
func mustInitOIDCClient(ctx context.Context, cfg config.OIDCConfig, autoCreate bool, userService *users.UserService, auditLogger *audit.Logger) api.OIDCClient {
	if !cfg.Enabled {
		return nil
	}
	client, err := oidc.NewClient(ctx, oidc.Config{
		Issuer:          cfg.Issuer,
		ClientID:        cfg.ClientID,
		ClientSecret:    cfg.ClientSecret,
		RedirectURL:     cfg.RedirectURL,
		Scopes:          cfg.Scopes,
		AutoCreateUsers: autoCreate,
	}, userService, auditLogger)
	if err != nil {
		slog.Error("Failed to initialize OIDC client", "issuer", cfg.Issuer, "error", err)
		os.Exit(1)
	}
	slog.Info("OIDC login enabled", "issuer", cfg.Issuer)
	return client
}

func newUserService(cfg *config.Config, db *gorm.DB, auditLogger *audit.Logger) *users.UserService {
	return users.NewUserService(
		db,
		users.NewUserRepository(db),
		permissions.NewPermissionRepository(db),
		users.NewPasswordHasher(cfg.Auth.BcryptCost),
		auditLogger,
	)
}

func run(ctx *cli.Context) error {
	config, err := loadConfig(ctx)
	if err != nil {
		return err
	}

	db := mustInitDatabase(config.Database, config.Debug)
	sessionStorage := mustInitSessionStorage(config, db)

	// repositories
	var (
		userRepo  = users.NewUserRepository(db)
		permRepo  = permissions.NewPermissionRepository(db)
		tokenRepo = apitokens.NewTokenRepository(db)
		auditRepo = audit.NewAuditRepository(db)
	)

	// services
	var (
		auditLogger      = audit.NewLogger(auditRepo)
		userService      = newUserService(config, db, auditLogger)
		permService      = permissions.NewPermissionService(permRepo, auditLogger)
		tokenService     = apitokens.NewTokenService(db, tokenRepo, auditLogger, config.Auth.BcryptCost)
		twoFactorService = twofactor.NewTwoFactorService(db, userRepo, auditLogger, config.MFA.Issuer, config.Auth.BcryptCost)
		oidcClient       = mustInitOIDCClient(ctx.Context, config.OIDC, config.IsOIDCAutoCreate(), userService, auditLogger)
	)

	if err := userService.EnsureDefaultUsers(ctx.Context); err != nil {
		slog.Error("Failed to create default users", "error", err)
		return err
	}
	if isDefault, _ := userService.IsDefaultAdminPassword(ctx.Context); isDefault {
		slog.Warn("The admin account still uses the default password, change it after the first login")
	}

	router := fiber.New(fiber.Config{
		Prefork:       false,
		CaseSensitive: true,
		BodyLimit:     params.ServerBodyLimit,
		IdleTimeout:   params.ServerIdleTimeout,
		ReadTimeout:   params.ServerReadTimeout,
		WriteTimeout:  params.ServerWriteTimeout,
		ErrorHandler:  middlewares.ErrorHandler,
	})

	router.Use(recover.New())
	router.Use(logger.New())
	router.Use(cors.New(cors.Config{
		AllowOrigins: strings.Join(config.AllowOrigins, ", "),
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-CSRF-Token",
	}))

	apiRouter := router.Group("/api",
		middlewares.NoCache(),
		middlewares.ClientIP(),
		sessions.New(sessions.Config{
			Storage:        sessionStorage.Storage,
			SessionMaxAge:  config.Session.SessionMaxAge,
			CookieSecure:   config.IsCookieSecure(),
			CookieHttpOnly: config.IsCookieHttpOnly(),
			CookieSameSite: config.Session.CookieSameSite,
			CookieName:     config.Session.CookieName,
		}),
	)
	api.SetupRoutes(apiRouter, api.Handlers{
		Auth:   api.NewAuthHandler(userService, twoFactorService, permService, auditLogger, oidcClient, config.Auth.DisableLocalAuth, config.BaseURL),
		MFA:    api.NewMFAHandler(twoFactorService),
		Token:  api.NewTokenHandler(tokenService),
		Users:  api.NewUsersHandler(userService, permService, twoFactorService),
		Audit:  api.NewAuditHandler(auditLogger),
		Authn:  authn.NewResolver(userService, tokenService, permService),
		Limits: api.RateLimit{Max: config.RateLimit.LoginMax, Window: config.RateLimit.LoginWindow},
	})

	healthCheckCtx, term := context.WithCancel(ctx.Context)
	done := make(chan struct{})
	go common.StartHealthCheckServer(healthCheckCtx, done, db, sessionStorage.Redis)
	defer func() {
		term()
		<-done
	}()
	return router.Listen(config.ListenAddr)
}

func pruneSessions(ctx *cli.Context) error {
	config, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	if config.Session.Backend != store.BackendDatabase {
		slog.Info("Session backend expires entries itself, nothing to prune", "backend", config.Session.Backend)
		return nil
	}
	db := mustInitDatabase(config.Database, config.Debug)
	deleted, err := store.NewSQLStorage(db).DeleteExpired(ctx.Context)
	if err != nil {
		slog.Error("Failed to prune sessions", "error", err)
		return err
	}
	slog.Info("Pruned expired sessions", "count", deleted)
	return nil
}

func resetAdmin(ctx *cli.Context) error {
	config, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	db := mustInitDatabase(config.Database, config.Debug)
	auditLogger := audit.NewLogger(audit.NewAuditRepository(db))
	password, err := newUserService(config, db, auditLogger).RecoverAdmin(ctx.Context)
	if err != nil {
		slog.Error("Failed to reset admin account", "error", err)
		return err
	}
	fmt.Printf("Admin account %q reset, temporary password: %s\n", params.DefaultAdminUsername, password)
	return nil
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
