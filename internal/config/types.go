package config

type Config struct {
	Logging LoggingConfig `json:"logging"`
	Store   StoreConfig   `json:"store"`
	Drivers DriversConfig `json:"drivers"`

	// Engine controls slot lifecycle timings shared by all tenants.
	Engine EngineConfig `json:"engine"`

	// Cadence sets scheduler-level pacing; per-tenant policy lives in the
	// store and is set at runtime.
	Cadence CadenceConfig `json:"cadence"`

	Maintenance MaintenanceConfig `json:"maintenance,omitempty"`
	Metrics     MetricsConfig     `json:"metrics,omitempty"`

	Tenants []TenantConfig `json:"tenants"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StoreConfig selects the persistence backend.
//
// Example:
//
//	"store": { "driver": "sqlite", "path": "./slotcast.db" }
type StoreConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// DriversConfig declares which messaging drivers exist and the default
// fallback order. A tenant may override the order in its own block.
type DriversConfig struct {
	DefaultOrder []string `json:"default_order"`

	Telegram *TelegramDriverConfig `json:"telegram,omitempty"`
	Gateway  *GatewayDriverConfig  `json:"gateway,omitempty"`
	// Memory enables the in-process driver (dev and test configs only).
	Memory bool `json:"memory,omitempty"`
}

type TelegramDriverConfig struct {
	Enabled bool `json:"enabled"`
}

// GatewayDriverConfig points at an external HTTP messaging gateway.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type GatewayDriverConfig struct {
	Enabled      bool   `json:"enabled"`
	BaseURL      string `json:"base_url"`
	APIKey       string `json:"api_key,omitempty"` // do not log
	PollInterval string `json:"poll_interval,omitempty"`
	Timeout      string `json:"timeout,omitempty"`
}

// EngineConfig controls slot lifecycle behavior.
//
// Defaults (when fields are omitted/zero):
//   - slots_per_tenant: 3
//   - connect_timeout: "45s"
//   - backoff_base: "2s"
//   - backoff_max: "2m"
//   - degraded_after: 3
//   - degraded_window: "30s"
type EngineConfig struct {
	SlotsPerTenant int    `json:"slots_per_tenant,omitempty"`
	ConnectTimeout string `json:"connect_timeout,omitempty"`
	BackoffBase    string `json:"backoff_base,omitempty"`
	BackoffMax     string `json:"backoff_max,omitempty"`
	DegradedAfter  int    `json:"degraded_after,omitempty"`
	DegradedWindow string `json:"degraded_window,omitempty"`
}

// CadenceConfig sets scheduler pacing and the fallback per-tenant policy.
type CadenceConfig struct {
	TickInterval   string `json:"tick_interval,omitempty"`
	RetryBackoff   string `json:"retry_backoff,omitempty"`
	ImmediateDelay string `json:"immediate_delay,omitempty"`
	AdaptiveWindow string `json:"adaptive_window,omitempty"`

	// Defaults applied when a tenant has no stored policy.
	BaseDelay  string `json:"base_delay,omitempty"`
	BatchSize  int    `json:"batch_size,omitempty"`
	MaxRetries int    `json:"max_retries,omitempty"`
}

// MaintenanceConfig controls background pruning. Spec is a cron
// expression; empty disables the job.
type MaintenanceConfig struct {
	Spec           string `json:"spec,omitempty"`
	Retention      string `json:"retention,omitempty"`
	AssociationTTL string `json:"association_ttl,omitempty"`
}

// MetricsConfig controls the Prometheus endpoint.
//
// Prefer binding to localhost unless the network is trusted.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:9464"
}

type TenantConfig struct {
	ID    string `json:"id"`
	Slots int    `json:"slots,omitempty"`
	// Drivers overrides the default fallback order for this tenant.
	Drivers []string `json:"drivers,omitempty"`
	// BotTokens seeds Telegram auth blobs per slot number.
	BotTokens map[string]string `json:"bot_tokens,omitempty"` // do not log
}
