package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// RoutingMethod controls whether inquiries are pushed to agents or picked by them
type RoutingMethod string

const (
	RoutingAuto   RoutingMethod = "auto"
	RoutingManual RoutingMethod = "manual"
)

// Config holds all configuration for the application
type Config struct {
	Port           string
	AllowedOrigins []string
	WSReadTimeout  time.Duration
	WSWriteTimeout time.Duration
	LogLevel       string
	PingPeriod     time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64

	StoreMode       string // memory, dynamodb, sqlite
	SQLitePath      string
	DepartmentsFile string

	Routing      RoutingConfig
	MACLimit     int
	Verification VerificationConfig

	AgentGatewayToken string

	AMQPURL          string
	AMQPExchange     string
	AMQPMailRouteKey string
}

// RoutingConfig holds queueing and delegation settings
type RoutingConfig struct {
	Method                            RoutingMethod
	Strategy                          string
	WaitingQueueEnabled               bool
	AcceptChatsWithNoAgents           bool
	PreferredAgentOverridesDepartment bool
	MaxFallbackDepth                  int
	DefaultMaxChats                   int
	DrainInterval                     time.Duration

	// Service level reported on dashboards
	ServiceLevelTarget    int
	ServiceLevelThreshold time.Duration
}

// VerificationConfig holds the visitor verification settings
type VerificationConfig struct {
	WrongLimit     int
	CodeTTL        time.Duration
	ResendInterval time.Duration
	CodeLength     int
	BlockedDomains []string
	CheckMX        bool
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	config := &Config{
		Port:              getEnv("PORT", "8080"),
		AllowedOrigins:    splitList(getEnv("ALLOWED_ORIGINS", "http://localhost:5173")),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		StoreMode:         getEnv("STORE_MODE", "memory"),
		SQLitePath:        getEnv("SQLITE_PATH", "omnichannel.db"),
		DepartmentsFile:   getEnv("DEPARTMENTS_FILE", ""),
		AgentGatewayToken: getEnv("AGENT_GATEWAY_TOKEN", ""),
		AMQPURL:           getEnv("AMQP_URL", ""),
		AMQPExchange:      getEnv("AMQP_EXCHANGE", "omnichannel.events"),
		AMQPMailRouteKey:  getEnv("AMQP_MAIL_ROUTING_KEY", "mail.otp.v1"),
	}

	switch config.StoreMode {
	case "memory", "dynamodb", "sqlite":
	default:
		return nil, fmt.Errorf("invalid STORE_MODE: %q", config.StoreMode)
	}

	// Parse WebSocket timeouts
	wsReadTimeout, err := strconv.Atoi(getEnv("WS_READ_TIMEOUT", "60"))
	if err != nil {
		return nil, fmt.Errorf("invalid WS_READ_TIMEOUT: %w", err)
	}
	config.WSReadTimeout = time.Duration(wsReadTimeout) * time.Second

	wsWriteTimeout, err := strconv.Atoi(getEnv("WS_WRITE_TIMEOUT", "10"))
	if err != nil {
		return nil, fmt.Errorf("invalid WS_WRITE_TIMEOUT: %w", err)
	}
	config.WSWriteTimeout = time.Duration(wsWriteTimeout) * time.Second

	// Calculate WebSocket constants
	config.PongWait = config.WSReadTimeout
	config.PingPeriod = (config.PongWait * 9) / 10 // Must be less than pongWait
	config.WriteWait = config.WSWriteTimeout
	config.MaxMessageSize = 512

	if config.Routing, err = loadRouting(); err != nil {
		return nil, err
	}

	if config.MACLimit, err = getInt("MAC_LIMIT", 0); err != nil {
		return nil, err
	}

	if config.Verification, err = loadVerification(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadRouting() (RoutingConfig, error) {
	rc := RoutingConfig{
		Method:   RoutingMethod(getEnv("ROUTING_METHOD", string(RoutingAuto))),
		Strategy: getEnv("ROUTING_STRATEGY", "least_busy"),
	}
	if rc.Method != RoutingAuto && rc.Method != RoutingManual {
		return rc, fmt.Errorf("invalid ROUTING_METHOD: %q", rc.Method)
	}

	var err error
	if rc.WaitingQueueEnabled, err = getBool("WAITING_QUEUE_ENABLED", false); err != nil {
		return rc, err
	}
	if rc.AcceptChatsWithNoAgents, err = getBool("ACCEPT_CHATS_WITH_NO_AGENTS", false); err != nil {
		return rc, err
	}
	if rc.PreferredAgentOverridesDepartment, err = getBool("PREFERRED_AGENT_OVERRIDES_DEPARTMENT", true); err != nil {
		return rc, err
	}
	if rc.MaxFallbackDepth, err = getInt("MAX_FALLBACK_DEPTH", 10); err != nil {
		return rc, err
	}
	if rc.DefaultMaxChats, err = getInt("DEFAULT_MAX_CHATS", 0); err != nil {
		return rc, err
	}
	if rc.DrainInterval, err = getDuration("QUEUE_DRAIN_INTERVAL", 5*time.Second); err != nil {
		return rc, err
	}
	if rc.ServiceLevelTarget, err = getInt("SERVICE_LEVEL_TARGET", 80); err != nil {
		return rc, err
	}
	if rc.ServiceLevelThreshold, err = getDuration("SERVICE_LEVEL_THRESHOLD", 60*time.Second); err != nil {
		return rc, err
	}
	return rc, nil
}

func loadVerification() (VerificationConfig, error) {
	vc := VerificationConfig{
		BlockedDomains: splitList(getEnv("VERIFICATION_BLOCKED_DOMAINS", "")),
	}

	var err error
	if vc.WrongLimit, err = getInt("VERIFICATION_WRONG_LIMIT", 3); err != nil {
		return vc, err
	}
	if vc.WrongLimit < 1 {
		return vc, fmt.Errorf("invalid VERIFICATION_WRONG_LIMIT: must be at least 1")
	}
	if vc.CodeTTL, err = getDuration("VERIFICATION_CODE_TTL", 5*time.Minute); err != nil {
		return vc, err
	}
	if vc.ResendInterval, err = getDuration("VERIFICATION_RESEND_INTERVAL", 30*time.Second); err != nil {
		return vc, err
	}
	if vc.CodeLength, err = getInt("VERIFICATION_CODE_LENGTH", 6); err != nil {
		return vc, err
	}
	if vc.CheckMX, err = getBool("VERIFICATION_CHECK_MX", false); err != nil {
		return vc, err
	}
	return vc, nil
}

// getEnv gets an environment variable with a fallback default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) (int, error) {
	v, err := strconv.Atoi(getEnv(key, strconv.Itoa(defaultValue)))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func getBool(key string, defaultValue bool) (bool, error) {
	v, err := strconv.ParseBool(getEnv(key, strconv.FormatBool(defaultValue)))
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	v, err := time.ParseDuration(getEnv(key, defaultValue.String()))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

// splitList splits a comma separated value, trimming spaces and dropping empties
func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
