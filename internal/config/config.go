package config

import (
	"encoding/json"
	"log"
	"os"
	"time"
)

// Config holds all configuration for the area-engine application.
// Values are loaded from environment variables; see printUsage() for the full list.
type Config struct {
	DatabaseURL string `json:"database_url"`
	RedisAddr   string `json:"redis_addr,omitempty"`
	HTTPAddr    string `json:"http_addr"`

	DBOpTimeout    time.Duration `json:"-"`
	DBOpTimeoutStr string        `json:"db_op_timeout"`

	DBMaxOpenConns       int           `json:"db_max_open_conns"`
	DBMaxIdleConns       int           `json:"db_max_idle_conns"`
	DBConnMaxLifetime    time.Duration `json:"-"`
	DBConnMaxLifetimeStr string        `json:"db_conn_max_lifetime"`
	DBConnMaxIdleTime    time.Duration `json:"-"`
	DBConnMaxIdleTimeStr string        `json:"db_conn_max_idle_time"`

	HTTPShutdownTimeout    time.Duration `json:"-"`
	HTTPShutdownTimeoutStr string        `json:"http_shutdown_timeout"`

	DispatchWorkers          int           `json:"dispatch_workers"`
	DispatchInvokeTimeout    time.Duration `json:"-"`
	DispatchInvokeTimeoutStr string        `json:"dispatch_invoke_timeout"`
	DispatchDrainTimeout     time.Duration `json:"-"`
	DispatchDrainTimeoutStr  string        `json:"dispatch_drain_timeout"`

	TaskBusBufferSize int `json:"taskbus_buffer_size"`

	MetricsEnabled bool   `json:"metrics_enabled"`
	MetricsPath    string `json:"metrics_path"`

	SweepEnabled     bool          `json:"sweep_enabled"`
	SweepInterval    time.Duration `json:"-"`
	SweepIntervalStr string        `json:"sweep_interval"`

	// SweepRunningThreshold must exceed the dispatcher's maximum retry window
	// (currently 8m30s including the safety margin).
	SweepRunningThreshold    time.Duration `json:"-"`
	SweepRunningThresholdStr string        `json:"sweep_running_threshold"`

	SweepPendingThreshold    time.Duration `json:"-"`
	SweepPendingThresholdStr string        `json:"sweep_pending_threshold"`

	SweepBatchSize int `json:"sweep_batch_size"`

	SuccessRetention    time.Duration `json:"-"`
	SuccessRetentionStr string        `json:"success_retention"`
	FailureRetention    time.Duration `json:"-"`
	FailureRetentionStr string        `json:"failure_retention"`

	// CircuitBreakerThreshold: 0 disables the circuit breaker.
	CircuitBreakerThreshold   int           `json:"circuit_breaker_threshold"`
	CircuitBreakerCooldown    time.Duration `json:"-"`
	CircuitBreakerCooldownStr string        `json:"circuit_breaker_cooldown"`

	TimerTickInterval    time.Duration `json:"-"`
	TimerTickIntervalStr string        `json:"timer_tick_interval"`

	PollInterval    time.Duration `json:"-"`
	PollIntervalStr string        `json:"poll_interval"`

	// TokenRefreshMargin: tokens expiring within this window are refreshed
	// before use instead of being handed out.
	TokenRefreshMargin    time.Duration `json:"-"`
	TokenRefreshMarginStr string        `json:"token_refresh_margin"`

	WatchRenewInterval    time.Duration `json:"-"`
	WatchRenewIntervalStr string        `json:"watch_renew_interval"`
	WatchRenewMargin      time.Duration `json:"-"`
	WatchRenewMarginStr   string        `json:"watch_renew_margin"`

	// AnalyticsWindow: "minute", "5min" or "hour" outcome buckets.
	AnalyticsWindow       string        `json:"analytics_window"`
	AnalyticsRetention    time.Duration `json:"-"`
	AnalyticsRetentionStr string        `json:"analytics_retention"`

	ReauthNotifyTTL    time.Duration `json:"-"`
	ReauthNotifyTTLStr string        `json:"reauth_notify_ttl"`

	// LeaderLockKey: all instances sharing the same database must use the same key.
	LeaderLockKey int64 `json:"leader_lock_key"`

	// LeaderRetryInterval determines the maximum failover gap.
	LeaderRetryInterval    time.Duration `json:"-"`
	LeaderRetryIntervalStr string        `json:"leader_retry_interval"`

	// LeaderHeartbeatInterval: pings the dedicated connection to detect local
	// connection death. Does NOT renew the advisory lock.
	LeaderHeartbeatInterval    time.Duration `json:"-"`
	LeaderHeartbeatIntervalStr string        `json:"leader_heartbeat_interval"`
}

// Load reads configuration from environment variables with defaults.
func Load() Config {
	cfg := Config{
		DatabaseURL:              os.Getenv("DATABASE_URL"),
		RedisAddr:                os.Getenv("REDIS_ADDR"),
		HTTPAddr:                 os.Getenv("HTTP_ADDR"),
		DBOpTimeoutStr:           os.Getenv("DB_OP_TIMEOUT"),
		DBConnMaxLifetimeStr:     os.Getenv("DB_CONN_MAX_LIFETIME"),
		DBConnMaxIdleTimeStr:     os.Getenv("DB_CONN_MAX_IDLE_TIME"),
		HTTPShutdownTimeoutStr:   os.Getenv("HTTP_SHUTDOWN_TIMEOUT"),
		DispatchInvokeTimeoutStr: os.Getenv("DISPATCH_INVOKE_TIMEOUT"),
		DispatchDrainTimeoutStr:  os.Getenv("DISPATCH_DRAIN_TIMEOUT"),
		MetricsEnabled:           os.Getenv("METRICS_ENABLED") == "true",
		MetricsPath:              os.Getenv("METRICS_PATH"),
		SweepEnabled:             os.Getenv("SWEEP_ENABLED") == "true",
		SweepIntervalStr:         os.Getenv("SWEEP_INTERVAL"),
		SweepRunningThresholdStr: os.Getenv("SWEEP_RUNNING_THRESHOLD"),
		SweepPendingThresholdStr: os.Getenv("SWEEP_PENDING_THRESHOLD"),
		SuccessRetentionStr:      os.Getenv("SUCCESS_RETENTION"),
		FailureRetentionStr:      os.Getenv("FAILURE_RETENTION"),
		TimerTickIntervalStr:     os.Getenv("TIMER_TICK_INTERVAL"),
		PollIntervalStr:          os.Getenv("POLL_INTERVAL"),
		TokenRefreshMarginStr:    os.Getenv("TOKEN_REFRESH_MARGIN"),
		WatchRenewIntervalStr:    os.Getenv("WATCH_RENEW_INTERVAL"),
		WatchRenewMarginStr:      os.Getenv("WATCH_RENEW_MARGIN"),
		AnalyticsWindow:          os.Getenv("ANALYTICS_WINDOW"),
		AnalyticsRetentionStr:    os.Getenv("ANALYTICS_RETENTION"),
		ReauthNotifyTTLStr:       os.Getenv("REAUTH_NOTIFY_TTL"),
	}

	if batchStr := os.Getenv("SWEEP_BATCH_SIZE"); batchStr != "" {
		if batch, err := parseInt(batchStr); err == nil && batch > 0 {
			cfg.SweepBatchSize = batch
		}
	}
	if cfg.SweepBatchSize == 0 {
		cfg.SweepBatchSize = 100
	}

	if bufStr := os.Getenv("TASKBUS_BUFFER_SIZE"); bufStr != "" {
		if n, err := parseInt(bufStr); err == nil && n > 0 {
			cfg.TaskBusBufferSize = n
		} else {
			log.Printf("config: invalid TASKBUS_BUFFER_SIZE %q (must be a positive integer), using default 100", bufStr)
		}
	}
	if cfg.TaskBusBufferSize == 0 {
		cfg.TaskBusBufferSize = 100
	}

	if cbThreshStr := os.Getenv("CIRCUIT_BREAKER_THRESHOLD"); cbThreshStr != "" {
		if n, err := parseInt(cbThreshStr); err == nil {
			cfg.CircuitBreakerThreshold = n
		} else {
			log.Printf("config: invalid CIRCUIT_BREAKER_THRESHOLD %q, using default 5", cbThreshStr)
		}
	}
	if cfg.CircuitBreakerThreshold == 0 && os.Getenv("CIRCUIT_BREAKER_THRESHOLD") == "" {
		cfg.CircuitBreakerThreshold = 5
	}

	cfg.CircuitBreakerCooldownStr = os.Getenv("CIRCUIT_BREAKER_COOLDOWN")
	cfg.LeaderRetryIntervalStr = os.Getenv("LEADER_RETRY_INTERVAL")
	cfg.LeaderHeartbeatIntervalStr = os.Getenv("LEADER_HEARTBEAT_INTERVAL")

	if lockKeyStr := os.Getenv("LEADER_LOCK_KEY"); lockKeyStr != "" {
		if n, err := parseInt(lockKeyStr); err == nil && n > 0 {
			cfg.LeaderLockKey = int64(n)
		} else {
			log.Printf("config: invalid LEADER_LOCK_KEY %q (must be a positive integer), using default 728379", lockKeyStr)
		}
	}
	if cfg.LeaderLockKey == 0 {
		cfg.LeaderLockKey = 728379
	}

	if workersStr := os.Getenv("DISPATCH_WORKERS"); workersStr != "" {
		if n, err := parseInt(workersStr); err == nil && n > 0 {
			cfg.DispatchWorkers = n
		} else {
			log.Printf("config: invalid DISPATCH_WORKERS %q (must be a positive integer), using default 4", workersStr)
		}
	}
	if cfg.DispatchWorkers == 0 {
		cfg.DispatchWorkers = 4
	}

	if maxOpenStr := os.Getenv("DB_MAX_OPEN_CONNS"); maxOpenStr != "" {
		if n, err := parseInt(maxOpenStr); err == nil && n > 0 {
			cfg.DBMaxOpenConns = n
		}
	}
	if cfg.DBMaxOpenConns == 0 {
		cfg.DBMaxOpenConns = 25
	}

	if maxIdleStr := os.Getenv("DB_MAX_IDLE_CONNS"); maxIdleStr != "" {
		if n, err := parseInt(maxIdleStr); err == nil && n > 0 {
			cfg.DBMaxIdleConns = n
		}
	}
	if cfg.DBMaxIdleConns == 0 {
		cfg.DBMaxIdleConns = 5
	}

	// Support Railway's PORT variable as fallback for HTTP_ADDR.
	if cfg.HTTPAddr == "" {
		if port := os.Getenv("PORT"); port != "" {
			cfg.HTTPAddr = ":" + port
		} else {
			cfg.HTTPAddr = ":8080"
		}
	}
	if cfg.DBOpTimeoutStr == "" {
		cfg.DBOpTimeoutStr = "5s"
	}
	if cfg.DBConnMaxLifetimeStr == "" {
		cfg.DBConnMaxLifetimeStr = "30m"
	}
	if cfg.DBConnMaxIdleTimeStr == "" {
		cfg.DBConnMaxIdleTimeStr = "5m"
	}
	if cfg.HTTPShutdownTimeoutStr == "" {
		cfg.HTTPShutdownTimeoutStr = "10s"
	}
	if cfg.DispatchInvokeTimeoutStr == "" {
		cfg.DispatchInvokeTimeoutStr = "30s"
	}
	if cfg.DispatchDrainTimeoutStr == "" {
		cfg.DispatchDrainTimeoutStr = "30s"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.SweepIntervalStr == "" {
		cfg.SweepIntervalStr = "5m"
	}
	if cfg.SweepRunningThresholdStr == "" {
		cfg.SweepRunningThresholdStr = "10m"
	}
	if cfg.SweepPendingThresholdStr == "" {
		cfg.SweepPendingThresholdStr = "10m"
	}
	if cfg.SuccessRetentionStr == "" {
		cfg.SuccessRetentionStr = "168h"
	}
	if cfg.FailureRetentionStr == "" {
		cfg.FailureRetentionStr = "720h"
	}
	if cfg.CircuitBreakerCooldownStr == "" {
		cfg.CircuitBreakerCooldownStr = "2m"
	}
	if cfg.TimerTickIntervalStr == "" {
		cfg.TimerTickIntervalStr = "30s"
	}
	if cfg.PollIntervalStr == "" {
		cfg.PollIntervalStr = "1m"
	}
	if cfg.TokenRefreshMarginStr == "" {
		cfg.TokenRefreshMarginStr = "5m"
	}
	if cfg.WatchRenewIntervalStr == "" {
		cfg.WatchRenewIntervalStr = "10m"
	}
	if cfg.WatchRenewMarginStr == "" {
		cfg.WatchRenewMarginStr = "1h"
	}
	if cfg.AnalyticsWindow == "" {
		cfg.AnalyticsWindow = "hour"
	}
	if cfg.AnalyticsRetentionStr == "" {
		cfg.AnalyticsRetentionStr = "720h"
	}
	if cfg.ReauthNotifyTTLStr == "" {
		cfg.ReauthNotifyTTLStr = "6h"
	}
	if cfg.LeaderRetryIntervalStr == "" {
		cfg.LeaderRetryIntervalStr = "5s"
	}
	if cfg.LeaderHeartbeatIntervalStr == "" {
		cfg.LeaderHeartbeatIntervalStr = "2s"
	}

	// Parse durations; validation is handled separately by Validate().
	if d, err := time.ParseDuration(cfg.DBOpTimeoutStr); err == nil {
		cfg.DBOpTimeout = d
	}
	if d, err := time.ParseDuration(cfg.DBConnMaxLifetimeStr); err == nil {
		cfg.DBConnMaxLifetime = d
	}
	if d, err := time.ParseDuration(cfg.DBConnMaxIdleTimeStr); err == nil {
		cfg.DBConnMaxIdleTime = d
	}
	if d, err := time.ParseDuration(cfg.HTTPShutdownTimeoutStr); err == nil {
		cfg.HTTPShutdownTimeout = d
	}
	if d, err := time.ParseDuration(cfg.DispatchInvokeTimeoutStr); err == nil {
		cfg.DispatchInvokeTimeout = d
	}
	if d, err := time.ParseDuration(cfg.DispatchDrainTimeoutStr); err == nil {
		cfg.DispatchDrainTimeout = d
	}
	if d, err := time.ParseDuration(cfg.SweepIntervalStr); err == nil {
		cfg.SweepInterval = d
	}
	if d, err := time.ParseDuration(cfg.SweepRunningThresholdStr); err == nil {
		cfg.SweepRunningThreshold = d
	}
	if d, err := time.ParseDuration(cfg.SweepPendingThresholdStr); err == nil {
		cfg.SweepPendingThreshold = d
	}
	if d, err := time.ParseDuration(cfg.SuccessRetentionStr); err == nil {
		cfg.SuccessRetention = d
	}
	if d, err := time.ParseDuration(cfg.FailureRetentionStr); err == nil {
		cfg.FailureRetention = d
	}
	if d, err := time.ParseDuration(cfg.CircuitBreakerCooldownStr); err == nil {
		cfg.CircuitBreakerCooldown = d
	}
	if d, err := time.ParseDuration(cfg.TimerTickIntervalStr); err == nil {
		cfg.TimerTickInterval = d
	}
	if d, err := time.ParseDuration(cfg.PollIntervalStr); err == nil {
		cfg.PollInterval = d
	}
	if d, err := time.ParseDuration(cfg.TokenRefreshMarginStr); err == nil {
		cfg.TokenRefreshMargin = d
	}
	if d, err := time.ParseDuration(cfg.WatchRenewIntervalStr); err == nil {
		cfg.WatchRenewInterval = d
	}
	if d, err := time.ParseDuration(cfg.WatchRenewMarginStr); err == nil {
		cfg.WatchRenewMargin = d
	}
	if d, err := time.ParseDuration(cfg.AnalyticsRetentionStr); err == nil {
		cfg.AnalyticsRetention = d
	}
	if d, err := time.ParseDuration(cfg.ReauthNotifyTTLStr); err == nil {
		cfg.ReauthNotifyTTL = d
	}
	if d, err := time.ParseDuration(cfg.LeaderRetryIntervalStr); err == nil {
		cfg.LeaderRetryInterval = d
	}
	if d, err := time.ParseDuration(cfg.LeaderHeartbeatIntervalStr); err == nil {
		cfg.LeaderHeartbeatInterval = d
	}

	return cfg
}

// parseInt parses a string as an integer.
func parseInt(s string) (int, error) {
	var n int
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, os.ErrInvalid
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}

// MaskedJSON returns the configuration as JSON with secrets masked.
func (c Config) MaskedJSON() ([]byte, error) {
	masked := struct {
		DatabaseURL             string `json:"database_url"`
		RedisAddr               string `json:"redis_addr,omitempty"`
		HTTPAddr                string `json:"http_addr"`
		DBOpTimeout             string `json:"db_op_timeout"`
		DBMaxOpenConns          int    `json:"db_max_open_conns"`
		DBMaxIdleConns          int    `json:"db_max_idle_conns"`
		DBConnMaxLifetime       string `json:"db_conn_max_lifetime"`
		DBConnMaxIdleTime       string `json:"db_conn_max_idle_time"`
		HTTPShutdownTimeout     string `json:"http_shutdown_timeout"`
		DispatchWorkers         int    `json:"dispatch_workers"`
		DispatchInvokeTimeout   string `json:"dispatch_invoke_timeout"`
		DispatchDrainTimeout    string `json:"dispatch_drain_timeout"`
		TaskBusBufferSize       int    `json:"taskbus_buffer_size"`
		MetricsEnabled          bool   `json:"metrics_enabled"`
		MetricsPath             string `json:"metrics_path"`
		SweepEnabled            bool   `json:"sweep_enabled"`
		SweepInterval           string `json:"sweep_interval"`
		SweepRunningThreshold   string `json:"sweep_running_threshold"`
		SweepPendingThreshold   string `json:"sweep_pending_threshold"`
		SweepBatchSize          int    `json:"sweep_batch_size"`
		SuccessRetention        string `json:"success_retention"`
		FailureRetention        string `json:"failure_retention"`
		CircuitBreakerThreshold int    `json:"circuit_breaker_threshold"`
		CircuitBreakerCooldown  string `json:"circuit_breaker_cooldown"`
		TimerTickInterval       string `json:"timer_tick_interval"`
		PollInterval            string `json:"poll_interval"`
		TokenRefreshMargin      string `json:"token_refresh_margin"`
		WatchRenewInterval      string `json:"watch_renew_interval"`
		WatchRenewMargin        string `json:"watch_renew_margin"`
		AnalyticsWindow         string `json:"analytics_window"`
		AnalyticsRetention      string `json:"analytics_retention"`
		ReauthNotifyTTL         string `json:"reauth_notify_ttl"`
		LeaderLockKey           int64  `json:"leader_lock_key"`
		LeaderRetryInterval     string `json:"leader_retry_interval"`
		LeaderHeartbeatInterval string `json:"leader_heartbeat_interval"`
	}{
		DatabaseURL:             maskSecret(c.DatabaseURL),
		RedisAddr:               c.RedisAddr,
		HTTPAddr:                c.HTTPAddr,
		DBOpTimeout:             c.DBOpTimeoutStr,
		DBMaxOpenConns:          c.DBMaxOpenConns,
		DBMaxIdleConns:          c.DBMaxIdleConns,
		DBConnMaxLifetime:       c.DBConnMaxLifetimeStr,
		DBConnMaxIdleTime:       c.DBConnMaxIdleTimeStr,
		HTTPShutdownTimeout:     c.HTTPShutdownTimeoutStr,
		DispatchWorkers:         c.DispatchWorkers,
		DispatchInvokeTimeout:   c.DispatchInvokeTimeoutStr,
		DispatchDrainTimeout:    c.DispatchDrainTimeoutStr,
		TaskBusBufferSize:       c.TaskBusBufferSize,
		MetricsEnabled:          c.MetricsEnabled,
		MetricsPath:             c.MetricsPath,
		SweepEnabled:            c.SweepEnabled,
		SweepInterval:           c.SweepIntervalStr,
		SweepRunningThreshold:   c.SweepRunningThresholdStr,
		SweepPendingThreshold:   c.SweepPendingThresholdStr,
		SweepBatchSize:          c.SweepBatchSize,
		SuccessRetention:        c.SuccessRetentionStr,
		FailureRetention:        c.FailureRetentionStr,
		CircuitBreakerThreshold: c.CircuitBreakerThreshold,
		CircuitBreakerCooldown:  c.CircuitBreakerCooldownStr,
		TimerTickInterval:       c.TimerTickIntervalStr,
		PollInterval:            c.PollIntervalStr,
		TokenRefreshMargin:      c.TokenRefreshMarginStr,
		WatchRenewInterval:      c.WatchRenewIntervalStr,
		WatchRenewMargin:        c.WatchRenewMarginStr,
		AnalyticsWindow:         c.AnalyticsWindow,
		AnalyticsRetention:      c.AnalyticsRetentionStr,
		ReauthNotifyTTL:         c.ReauthNotifyTTLStr,
		LeaderLockKey:           c.LeaderLockKey,
		LeaderRetryInterval:     c.LeaderRetryIntervalStr,
		LeaderHeartbeatInterval: c.LeaderHeartbeatIntervalStr,
	}
	return json.MarshalIndent(masked, "", "  ")
}

// maskSecret masks a secret value, preserving only the URI scheme if present.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	for _, scheme := range []string{"postgres://", "postgresql://"} {
		if len(s) >= len(scheme) && s[:len(scheme)] == scheme {
			return scheme + "***"
		}
	}
	return "***"
}
