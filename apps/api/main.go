package main

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"civicreport/libs/mailer"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"golang.org/x/crypto/bcrypt"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const (
	maxUploadBytes             = 10 * 1024 * 1024
	maxMultipartMemory         = 32 << 20
	maxPhotoCount              = 5
	minPasswordLength          = 6
	reportRateLimitRequests    = 8
	reportRateLimitWindow      = 5 * time.Minute
	loginRateLimitRequests     = 10
	loginRateLimitWindow       = 5 * time.Minute
	rateLimiterCleanupInterval = time.Minute
	sessionCookieName          = "jwt"
	sessionDuration            = 7 * 24 * time.Hour
	pendingValidationLimit     = 10
	defaultReportPageSize      = 50
	maxReportPageSize          = 200
	dashboardRecentLimit       = 10
	healthCheckTimeout         = 2 * time.Second
	shutdownTimeout            = 10 * time.Second
	devCORSOriginLocalhost     = "http://localhost:5173"
	devCORSOriginLoopback      = "http://127.0.0.1:5173"
	trustedProxyLoopbackIPv4   = "127.0.0.1"
	trustedProxyLoopbackIPv6   = "::1"
)

type Config struct {
	Addr                   string
	Env                    string
	DatabaseURL            string
	JWTSecret              string
	PublicBaseURL          string
	CORSOrigins            []string
	DataRoot               string
	SupabaseURL            string
	SupabaseKey            string
	SupabaseBucket         string
	AutoRouterMLURL        string
	MapboxAccessToken      string
	GeocoderProvider       string
	ResendAPIKey           string
	MailerFromAddresses    map[string]string
	BootstrapAdminEmail    string
	BootstrapAdminPassword string
	DBMaxOpenConns         int
	DBMaxIdleConns         int
}

func (c *Config) isProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

type App struct {
	cfg *Config
	db  *sql.DB
	log *slog.Logger

	store    Store
	router   *AutoRouter
	geocoder Geocoder
	media    MediaStorage
	mailer   *mailer.Mailer
	metrics  *Metrics

	bcryptCost int

	missingUserHashOnce sync.Once
	missingUserHash     []byte

	rateLimiterMu sync.Mutex
	rateBuckets   map[string]rateBucket

	// runs fire-and-forget work; tests swap in a synchronous runner
	asyncRunner func(timeout time.Duration, task func(ctx context.Context))
}

type rateBucket struct {
	start  time.Time
	window time.Duration
	count  int
}

type apiError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *apiError) Error() string { return e.Message }

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}

	cfg, err := loadConfig()
	if err != nil {
		panic(err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		panic(err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxIdleTime(30 * time.Second)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		panic(err)
	}

	httpClient := &http.Client{Timeout: 10 * time.Second}

	var geocoder Geocoder
	mapbox := &MapboxGeocoder{AccessToken: cfg.MapboxAccessToken, Client: httpClient}
	nominatim := &NominatimGeocoder{UserAgent: "CivicReport-API/1.0", Client: httpClient}
	switch cfg.GeocoderProvider {
	case "mapbox":
		geocoder = mapbox
	case "nominatim":
		geocoder = nominatim
	case "none":
		geocoder = nil
	default:
		geocoder = &FallbackGeocoder{Primary: mapbox, Secondary: nominatim}
	}

	var media MediaStorage
	if cfg.SupabaseURL != "" && cfg.SupabaseKey != "" {
		media = &SupabaseMediaStorage{
			BaseURL: cfg.SupabaseURL,
			APIKey:  cfg.SupabaseKey,
			Bucket:  cfg.SupabaseBucket,
			Client:  &http.Client{Timeout: 30 * time.Second},
		}
		logger.Info("media storage initialized", "backend", "supabase", "bucket", cfg.SupabaseBucket)
	} else {
		media = &LocalMediaStorage{
			Root:      filepath.Join(cfg.DataRoot, "uploads"),
			URLPrefix: "/uploads",
			BaseURL:   cfg.PublicBaseURL,
		}
		logger.Info("media storage initialized", "backend", "local", "root", cfg.DataRoot)
	}

	var mailProvider mailer.Provider
	if cfg.ResendAPIKey != "" {
		mailProvider = mailer.NewResendProvider(cfg.ResendAPIKey)
	} else {
		mailProvider = mailer.NewLogProvider(logger)
	}
	mail := mailer.New(mailProvider, cfg.MailerFromAddresses[mailProvider.Name()])
	logger.Info("mailer initialized", "provider", mail.ProviderName())

	app := &App{
		cfg:      cfg,
		db:       db,
		log:      logger,
		store:    newSQLStore(db),
		router:   &AutoRouter{MLURL: cfg.AutoRouterMLURL, Client: httpClient, Log: logger},
		geocoder: geocoder,
		media:    media,
		mailer:   mail,
		metrics:  newMetrics(),

		bcryptCost:  bcrypt.DefaultCost,
		rateBuckets: make(map[string]rateBucket),
	}

	logger.Info("runtime configuration",
		"env", cfg.Env,
		"addr", cfg.Addr,
		"auto_router_ml", cfg.AutoRouterMLURL != "",
		"db_max_open_conns", cfg.DBMaxOpenConns,
	)

	if err := app.runMigrations(ctx); err != nil {
		panic(err)
	}
	if err := app.bootstrapAdmin(ctx); err != nil {
		panic(err)
	}

	if local, ok := media.(*LocalMediaStorage); ok {
		if err := os.MkdirAll(local.Root, 0o755); err != nil {
			panic(err)
		}
	}

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	app.startRateLimiterCleanup(runCtx, rateLimiterCleanupInterval)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-runCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful shutdown failed", "err", err)
		}
	}()

	logger.Info("starting gin API", "addr", cfg.Addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		panic(err)
	}
	logger.Info("server stopped")
}

func (a *App) routes() *gin.Engine {
	r := gin.New()
	if err := r.SetTrustedProxies([]string{trustedProxyLoopbackIPv4, trustedProxyLoopbackIPv6}); err != nil {
		panic(err)
	}
	r.MaxMultipartMemory = maxMultipartMemory
	r.Use(gin.Recovery())
	r.Use(a.loggingMiddleware())
	r.Use(a.metrics.middleware())
	r.Use(a.corsMiddleware())

	r.GET("/health", a.healthHandler)
	r.GET("/metrics", gin.WrapH(a.metrics.Handler()))

	if local, ok := a.media.(*LocalMediaStorage); ok {
		r.Static(local.URLPrefix, local.Root)
	}

	api := r.Group("/api")
	{
		api.GET("/departments", a.departmentsHandler)

		auth := api.Group("/auth")
		{
			auth.POST("/signup", a.signupHandler)
			auth.POST("/register", a.signupHandler)
			auth.POST("/login", a.loginHandler)
			auth.POST("/logout", a.logoutHandler)
			auth.GET("/me", a.requireSession(), a.requireRoles(), a.meHandler)
			auth.PUT("/password", a.requireSession(), a.requireRoles(), a.changePasswordHandler)
		}

		reports := api.Group("/reports", a.requireSession(), a.requireRoles())
		{
			reports.GET("", a.listReportsHandler)
			reports.POST("", a.createReportHandler)
			reports.GET("/my-reports", a.myReportsHandler)
			reports.GET("/my-stats", a.myStatsHandler)
			reports.GET("/validate/pending", a.pendingValidationHandler)
			reports.POST("/classify", a.classifyHandler)
			reports.GET("/:id", a.getReportHandler)
			reports.GET("/:id/history", a.reportHistoryHandler)
			reports.PATCH("/:id", a.updateReportHandler)
			reports.PUT("/:id", a.updateReportHandler)
		}

		notifications := api.Group("/notifications", a.requireSession(), a.requireRoles())
		{
			notifications.GET("/me", a.myNotificationsHandler)
			notifications.PUT("/:id/read", a.markNotificationReadHandler)
		}

		admin := api.Group("/admin", a.requireSession(), a.requireRoles())
		{
			admin.GET("/dashboard", a.dashboardHandler)
			admin.GET("/reports/export", a.exportReportsHandler)
			admin.GET("/officials", a.officialsHandler)
		}
	}

	return r
}

func loadConfig() (*Config, error) {
	databaseURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if databaseURL == "" {
		host := valueFromEnvKeys("PGHOST", "POSTGRES_HOST")
		if host == "" {
			host = "127.0.0.1"
		}
		port := valueFromEnvKeys("PGPORT", "POSTGRES_PORT")
		if port == "" {
			port = "5432"
		}
		dbname := valueFromEnvKeys("PGDATABASE", "POSTGRES_DB")
		user := valueFromEnvKeys("PGUSER", "POSTGRES_USER")
		password := valueFromEnvKeys("PGPASSWORD", "POSTGRES_PASSWORD")
		sslmode := valueFromEnvKeys("PGSSLMODE", "POSTGRES_SSLMODE")
		if sslmode == "" {
			sslmode = "disable"
		}
		if dbname != "" && user != "" {
			databaseURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, password, host, port, dbname, sslmode)
		}
	}
	if databaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL or PG*/POSTGRES_* variables must be configured")
	}

	secret := strings.TrimSpace(os.Getenv("JWT_SECRET"))
	if len(secret) < 16 {
		return nil, fmt.Errorf("JWT_SECRET must be at least 16 characters")
	}

	env := valueFromEnvKeys("APP_ENV", "NODE_ENV")
	if env == "" {
		env = "development"
	}

	cfg := &Config{
		Addr:                   valueOrDefault("GIN_ADDR", ":8080"),
		Env:                    env,
		DatabaseURL:            databaseURL,
		JWTSecret:              secret,
		PublicBaseURL:          strings.TrimRight(valueOrDefault("PUBLIC_BASE_URL", "http://localhost:8080"), "/"),
		CORSOrigins:            splitCommaList(os.Getenv("CORS_ORIGINS")),
		DataRoot:               valueOrDefault("DATA_ROOT", "./data"),
		SupabaseURL:            strings.TrimRight(strings.TrimSpace(os.Getenv("SUPABASE_URL")), "/"),
		SupabaseKey:            valueFromEnvKeys("SUPABASE_SERVICE_ROLE_KEY", "SUPABASE_ANON_KEY"),
		SupabaseBucket:         valueOrDefault("SUPABASE_STORAGE_BUCKET", "report-media"),
		AutoRouterMLURL:        strings.TrimSpace(os.Getenv("AUTO_ROUTER_ML_URL")),
		MapboxAccessToken:      strings.TrimSpace(os.Getenv("MAPBOX_ACCESS_TOKEN")),
		GeocoderProvider:       strings.TrimSpace(os.Getenv("GEOCODER_PROVIDER")),
		ResendAPIKey:           strings.TrimSpace(os.Getenv("RESEND_API_KEY")),
		BootstrapAdminEmail:    strings.ToLower(strings.TrimSpace(os.Getenv("BOOTSTRAP_ADMIN_EMAIL"))),
		BootstrapAdminPassword: strings.TrimSpace(os.Getenv("BOOTSTRAP_ADMIN_PASSWORD")),
		MailerFromAddresses: map[string]string{
			"resend": valueOrDefault("MAILER_FROM_ADDRESS", "noreply@civicreport.app"),
			"log":    valueOrDefault("MAILER_FROM_ADDRESS", "noreply@civicreport.local"),
		},
		DBMaxOpenConns: 10,
		DBMaxIdleConns: 2,
	}

	for key, target := range map[string]*int{
		"DB_MAX_OPEN_CONNS": &cfg.DBMaxOpenConns,
		"DB_MAX_IDLE_CONNS": &cfg.DBMaxIdleConns,
	} {
		raw := strings.TrimSpace(os.Getenv(key))
		if raw == "" {
			continue
		}
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return nil, fmt.Errorf("%s must be a positive integer", key)
		}
		*target = parsed
	}
	if cfg.DBMaxIdleConns > cfg.DBMaxOpenConns {
		return nil, fmt.Errorf("DB_MAX_IDLE_CONNS must not exceed DB_MAX_OPEN_CONNS")
	}

	if cfg.BootstrapAdminEmail != "" && len(cfg.BootstrapAdminPassword) < minPasswordLength {
		return nil, fmt.Errorf("BOOTSTRAP_ADMIN_PASSWORD must be at least %d characters", minPasswordLength)
	}

	return cfg, nil
}

func valueOrDefault(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func valueFromEnvKeys(keys ...string) string {
	for _, key := range keys {
		value := strings.TrimSpace(os.Getenv(key))
		if value != "" {
			return value
		}
	}
	return ""
}

func splitCommaList(raw string) []string {
	values := make([]string, 0)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimRight(strings.TrimSpace(part), "/")
		if part != "" {
			values = append(values, part)
		}
	}
	return values
}

func (a *App) runMigrations(ctx context.Context) error {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return err
	}

	if _, err := a.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return err
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)

	for _, file := range files {
		var exists bool
		if err := a.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE filename = $1)`, file).Scan(&exists); err != nil {
			return err
		}
		if exists {
			continue
		}

		content, err := migrationFiles.ReadFile("migrations/" + file)
		if err != nil {
			return err
		}

		tx, err := a.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, string(content)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %s failed: %w", file, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (filename) VALUES ($1)`, file); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}

		a.log.Info("applied migration", "file", file)
	}

	return nil
}

func (a *App) bootstrapAdmin(ctx context.Context) error {
	email := a.cfg.BootstrapAdminEmail
	password := a.cfg.BootstrapAdminPassword
	if email == "" || password == "" {
		a.log.Info("bootstrap admin not configured")
		return nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), a.bcryptCost)
	if err != nil {
		return err
	}
	if err := a.store.UpsertAdmin(ctx, "Administrator", email, string(hash)); err != nil {
		return err
	}

	a.log.Info("bootstrap admin ensured", "email", email)
	return nil
}

func (a *App) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	if err := a.store.Ping(ctx); err != nil {
		a.log.Error("health check database ping failed", "err", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "status": "degraded", "database": "unreachable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "status": "ok", "database": "ok"})
}

// runAsync detaches work from the request; the task gets its own deadline.
func (a *App) runAsync(timeout time.Duration, task func(ctx context.Context)) {
	if a.asyncRunner != nil {
		a.asyncRunner(timeout, task)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		task(ctx)
	}()
}

func (a *App) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		a.log.Info("request",
			"method", c.Request.Method,
			"route", c.FullPath(),
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"ip", c.ClientIP(),
		)
	}
}

func (a *App) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := strings.TrimSpace(c.GetHeader("Origin"))
		if a.isAllowedCORSOrigin(origin) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
			c.Header("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
			c.Header("Vary", "Origin")
		}
		if c.Request.Method == http.MethodOptions {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		c.Next()
	}
}

func (a *App) isAllowedCORSOrigin(origin string) bool {
	if origin == "" || a.cfg == nil {
		return false
	}
	if a.cfg.PublicBaseURL != "" && origin == a.cfg.PublicBaseURL {
		return true
	}
	for _, allowed := range a.cfg.CORSOrigins {
		if origin == allowed {
			return true
		}
	}
	if a.cfg.isProduction() {
		return false
	}
	return origin == devCORSOriginLocalhost || origin == devCORSOriginLoopback
}

func writeAPIError(c *gin.Context, err error) {
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		body := gin.H{"success": false, "error": apiErr.Message, "code": apiErr.Code}
		if apiErr.Details != nil {
			body["details"] = apiErr.Details
		}
		c.JSON(apiErr.Status, body)
		return
	}

	slog.Default().Error("unhandled request error", "path", c.Request.URL.Path, "err", err)
	c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Internal server error", "code": "internal_error"})
}
