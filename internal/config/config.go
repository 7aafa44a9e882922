package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the API process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App       AppConfig
	DB        DBConfig
	Redis     RedisConfig
	Auth      AuthConfig
	Twilio    TwilioConfig
	Realtime  RealtimeConfig
	Bridge    BridgeConfig
	Scheduler SchedulerConfig
}

type AppConfig struct {
	Env  string
	Port int

	// PublicBaseURL is the externally reachable https origin of this process.
	// Media-stream and status-callback URLs handed to Twilio are built from it.
	PublicBaseURL string
}

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type DBConfig struct {
	// Driver is postgres (default) or sqlite.
	Driver string

	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode is kept explicit for AWS-ready posture.
	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string

	// SQLitePath is a file path or ":memory:". Only used with the sqlite driver.
	SQLitePath string
}

type RedisConfig struct {
	Host string
	Port int
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	// StreamTokenTTL bounds how long a placed call may take to attach its media stream.
	StreamTokenTTL time.Duration
}

type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string

	CallsPerSecond float64
	RingTimeout    time.Duration
	Greeting       string
}

type RealtimeConfig struct {
	APIKey     string
	URL        string
	Voice      string
	GreetFirst bool
}

type BridgeConfig struct {
	ConnectTimeout time.Duration
	StartTimeout   time.Duration
	IdleTimeout    time.Duration
	MaxDuration    time.Duration
	QueueLimit     int
}

type SchedulerConfig struct {
	// MaxLateness of zero fires every overdue call found at startup.
	MaxLateness time.Duration
	// CapacityRetry is the delay before a call deferred by the concurrency cap is retried.
	CapacityRetry      time.Duration
	MaxConcurrentCalls int
	StaleSweepSpec     string
	StaleAfter         time.Duration
}

const defaultRealtimeURL = "wss://api.openai.com/v1/realtime?model=gpt-4o-realtime-preview-2024-10-01"

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}
	c.App.PublicBaseURL = strings.TrimRight(strings.TrimSpace(os.Getenv("PUBLIC_BASE_URL")), "/")

	c.DB.Driver = strings.ToLower(strings.TrimSpace(os.Getenv("DB_DRIVER")))
	c.DB.SQLitePath = strings.TrimSpace(os.Getenv("SQLITE_PATH"))
	if c.DB.Driver != DriverSQLite {
		c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
		{
			n, err := mustInt("DB_PORT")
			n, parseErrs = appendParseErr(parseErrs, n, err)
			c.DB.Port = n
		}
		c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
		c.DB.Password = os.Getenv("DB_PASSWORD")
		c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
		c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))
	}

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	// Duration env vars are optional; defaults applied in Validate() based on env.
	c.Auth.AccessTokenTTL = mustDuration("JWT_ACCESS_TTL")
	c.Auth.RefreshTokenTTL = mustDuration("JWT_REFRESH_TTL")
	c.Auth.StreamTokenTTL = mustDuration("JWT_STREAM_TTL")

	c.Twilio.AccountSID = strings.TrimSpace(os.Getenv("TWILIO_ACCOUNT_SID"))
	c.Twilio.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	c.Twilio.FromNumber = strings.TrimSpace(os.Getenv("TWILIO_FROM_NUMBER"))
	c.Twilio.CallsPerSecond = optionalFloat("TWILIO_CALLS_PER_SECOND")
	c.Twilio.RingTimeout = mustDuration("TWILIO_RING_TIMEOUT")
	c.Twilio.Greeting = strings.TrimSpace(os.Getenv("TWILIO_GREETING"))

	c.Realtime.APIKey = os.Getenv("OPENAI_API_KEY")
	c.Realtime.URL = strings.TrimSpace(os.Getenv("REALTIME_URL"))
	c.Realtime.Voice = strings.TrimSpace(os.Getenv("REALTIME_VOICE"))
	c.Realtime.GreetFirst = optionalBool("REALTIME_GREET_FIRST", true)

	c.Bridge.ConnectTimeout = mustDuration("BRIDGE_CONNECT_TIMEOUT")
	c.Bridge.StartTimeout = mustDuration("BRIDGE_START_TIMEOUT")
	c.Bridge.IdleTimeout = mustDuration("BRIDGE_IDLE_TIMEOUT")
	c.Bridge.MaxDuration = mustDuration("BRIDGE_MAX_DURATION")
	c.Bridge.QueueLimit = optionalInt("BRIDGE_QUEUE_LIMIT")

	c.Scheduler.MaxLateness = mustDuration("SCHEDULER_MAX_LATENESS")
	c.Scheduler.CapacityRetry = mustDuration("SCHEDULER_CAPACITY_RETRY")
	c.Scheduler.MaxConcurrentCalls = optionalInt("MAX_CONCURRENT_CALLS")
	c.Scheduler.StaleSweepSpec = strings.TrimSpace(os.Getenv("STALE_SWEEP_SPEC"))
	c.Scheduler.StaleAfter = mustDuration("STALE_AFTER")

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks required values and fills defaults in place.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}
	if c.App.PublicBaseURL == "" {
		errs = append(errs, errors.New("PUBLIC_BASE_URL is required"))
	} else if u, err := url.Parse(c.App.PublicBaseURL); err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		errs = append(errs, fmt.Errorf("PUBLIC_BASE_URL must be an absolute http(s) url, got %q", c.App.PublicBaseURL))
	}

	errs = append(errs, c.validateDB()...)

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}

	if c.Auth.AccessTokenTTL <= 0 {
		// Default: short-lived access tokens.
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}
	if c.Auth.StreamTokenTTL <= 0 {
		c.Auth.StreamTokenTTL = 10 * time.Minute
	}

	if c.Twilio.AccountSID == "" {
		errs = append(errs, errors.New("TWILIO_ACCOUNT_SID is required"))
	}
	if c.Twilio.AuthToken == "" {
		errs = append(errs, errors.New("TWILIO_AUTH_TOKEN is required"))
	}
	if c.Twilio.FromNumber == "" {
		errs = append(errs, errors.New("TWILIO_FROM_NUMBER is required"))
	}
	if c.Twilio.CallsPerSecond <= 0 {
		// Twilio's default outbound CPS for a new account.
		c.Twilio.CallsPerSecond = 1
	}
	if c.Twilio.RingTimeout <= 0 {
		c.Twilio.RingTimeout = 30 * time.Second
	}

	if c.Realtime.APIKey == "" {
		errs = append(errs, errors.New("OPENAI_API_KEY is required"))
	}
	if c.Realtime.URL == "" {
		c.Realtime.URL = defaultRealtimeURL
	}
	if c.Realtime.Voice == "" {
		c.Realtime.Voice = "alloy"
	}

	if c.Bridge.ConnectTimeout <= 0 {
		c.Bridge.ConnectTimeout = c.Twilio.RingTimeout + 30*time.Second
	}
	if c.Bridge.StartTimeout <= 0 {
		c.Bridge.StartTimeout = 10 * time.Second
	}
	if c.Bridge.IdleTimeout <= 0 {
		c.Bridge.IdleTimeout = 30 * time.Second
	}
	if c.Bridge.MaxDuration <= 0 {
		c.Bridge.MaxDuration = 15 * time.Minute
	}
	if c.Bridge.QueueLimit <= 0 {
		c.Bridge.QueueLimit = 256
	}
	if c.Auth.StreamTokenTTL < c.Bridge.ConnectTimeout {
		errs = append(errs, errors.New("JWT_STREAM_TTL must not be shorter than BRIDGE_CONNECT_TIMEOUT"))
	}

	if c.Scheduler.MaxLateness < 0 {
		errs = append(errs, errors.New("SCHEDULER_MAX_LATENESS must not be negative"))
	}
	if c.Scheduler.CapacityRetry <= 0 {
		c.Scheduler.CapacityRetry = 15 * time.Second
	}
	if c.Scheduler.MaxConcurrentCalls <= 0 {
		c.Scheduler.MaxConcurrentCalls = 10
	}
	if c.Scheduler.StaleSweepSpec == "" {
		c.Scheduler.StaleSweepSpec = "@every 1m"
	}
	if c.Scheduler.StaleAfter <= 0 {
		c.Scheduler.StaleAfter = c.Bridge.ConnectTimeout + c.Bridge.MaxDuration + 5*time.Minute
	}
	if c.Scheduler.StaleAfter <= c.Bridge.ConnectTimeout+c.Bridge.MaxDuration {
		errs = append(errs, errors.New("STALE_AFTER must exceed BRIDGE_CONNECT_TIMEOUT + BRIDGE_MAX_DURATION"))
	}

	return joinErrors(errs)
}

func (c *Config) validateDB() []error {
	var errs []error
	switch c.DB.Driver {
	case "":
		c.DB.Driver = DriverPostgres
	case DriverPostgres, DriverSQLite:
	default:
		return []error{fmt.Errorf("DB_DRIVER must be one of postgres, sqlite, got %q", c.DB.Driver)}
	}

	if c.DB.Driver == DriverSQLite {
		if c.DB.SQLitePath == "" {
			errs = append(errs, errors.New("SQLITE_PATH is required with DB_DRIVER=sqlite"))
		}
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_DRIVER=sqlite is not allowed in production"))
		}
		return errs
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			// Local-friendly default; production must be explicit.
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}
	return errs
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

// AllowsDevLogin reports whether the unauthenticated token issuance route may be mounted.
func (c Config) AllowsDevLogin() bool {
	return c.App.Env == "local" || c.App.Env == "dev"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// MediaStreamURL is the wss endpoint Twilio connects the call audio to.
func (c Config) MediaStreamURL() string {
	base := c.App.PublicBaseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/media-stream"
}

// StatusCallbackURL receives Twilio call progress events.
func (c Config) StatusCallbackURL() string {
	return c.App.PublicBaseURL + "/webhooks/twilio/status"
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optionalInt(key string) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func optionalFloat(key string) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0
	}
	return f
}

func optionalBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func mustDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
