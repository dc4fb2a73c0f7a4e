package config

import (
	"time"

	"slotcast/internal/cadence"
	"slotcast/internal/engine"
	"slotcast/internal/slot"
	"slotcast/internal/store"
	logx "slotcast/pkg/logx"
)

// BuildLogging maps the logging section onto the logger config.
func (c *Config) BuildLogging() logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File:    logx.FileConfig{Enabled: c.Logging.File.Enabled, Path: c.Logging.File.Path},
	}
}

// BuildStore parses the store section. An empty driver defaults to memory.
func (c *Config) BuildStore() (store.Config, error) {
	busy, err := ParseDurationField("store.busy_timeout", c.Store.BusyTimeout)
	if err != nil {
		return store.Config{}, err
	}
	driver := c.Store.Driver
	if driver == "" {
		driver = "memory"
	}
	return store.Config{Driver: driver, Path: c.Store.Path, BusyTimeout: busy}, nil
}

// BuildEngine parses all duration fields and assembles the engine config.
func (c *Config) BuildEngine() (engine.Config, error) {
	var (
		out engine.Config
		err error
	)

	out.SlotsPerTenant = c.Engine.SlotsPerTenant

	sc := slot.Config{DegradedAfter: c.Engine.DegradedAfter}
	if sc.ConnectTimeout, err = ParseDurationField("engine.connect_timeout", c.Engine.ConnectTimeout); err != nil {
		return out, err
	}
	if sc.BackoffBase, err = ParseDurationField("engine.backoff_base", c.Engine.BackoffBase); err != nil {
		return out, err
	}
	if sc.BackoffMax, err = ParseDurationField("engine.backoff_max", c.Engine.BackoffMax); err != nil {
		return out, err
	}
	if sc.DegradedWindow, err = ParseDurationField("engine.degraded_window", c.Engine.DegradedWindow); err != nil {
		return out, err
	}
	out.Slot = sc

	cc := cadence.Config{}
	if cc.TickInterval, err = ParseDurationField("cadence.tick_interval", c.Cadence.TickInterval); err != nil {
		return out, err
	}
	if cc.RetryBackoff, err = ParseDurationField("cadence.retry_backoff", c.Cadence.RetryBackoff); err != nil {
		return out, err
	}
	if cc.ImmediateDelay, err = ParseDurationField("cadence.immediate_delay", c.Cadence.ImmediateDelay); err != nil {
		return out, err
	}
	if cc.AdaptiveWindow, err = ParseDurationField("cadence.adaptive_window", c.Cadence.AdaptiveWindow); err != nil {
		return out, err
	}
	out.Cadence = cc

	mc := engine.MaintenanceConfig{Spec: c.Maintenance.Spec}
	if mc.Retention, err = ParseDurationField("maintenance.retention", c.Maintenance.Retention); err != nil {
		return out, err
	}
	if mc.AssociationTTL, err = ParseDurationField("maintenance.association_ttl", c.Maintenance.AssociationTTL); err != nil {
		return out, err
	}
	out.Maintenance = mc

	for _, t := range c.Tenants {
		out.Tenants = append(out.Tenants, engine.TenantConfig{
			ID:      t.ID,
			Slots:   t.Slots,
			Drivers: t.Drivers,
		})
	}
	return out, nil
}

// DefaultCadencePolicy parses the config-level fallback pacing policy.
// Zero fields let the store defaults stand.
func (c *Config) DefaultCadencePolicy() (store.CadenceConfig, error) {
	base, err := ParseDurationOrDefault("cadence.base_delay", c.Cadence.BaseDelay, time.Second)
	if err != nil {
		return store.CadenceConfig{}, err
	}
	return store.CadenceConfig{
		BaseDelay:  base,
		BatchSize:  c.Cadence.BatchSize,
		MaxRetries: c.Cadence.MaxRetries,
	}.Normalized(), nil
}
