package config

import (
	"reflect"
	"sort"
	"strings"

	logx "slotcast/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections plus
// safe structured attrs for logging (never includes tokens or API keys).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Store, newCfg.Store) {
		changed = append(changed, "store")
		attrs = append(attrs,
			logx.String("store.driver", strings.TrimSpace(newCfg.Store.Driver)),
			logx.Bool("store.path_set", strings.TrimSpace(newCfg.Store.Path) != ""),
		)
	}

	// Drivers (never log the gateway API key or bot tokens).
	if !reflect.DeepEqual(oldCfg.Drivers, newCfg.Drivers) {
		changed = append(changed, "drivers")
		gwEnabled := newCfg.Drivers.Gateway != nil && newCfg.Drivers.Gateway.Enabled
		tgEnabled := newCfg.Drivers.Telegram != nil && newCfg.Drivers.Telegram.Enabled
		attrs = append(attrs,
			logx.Any("drivers.default_order", newCfg.Drivers.DefaultOrder),
			logx.Bool("drivers.telegram", tgEnabled),
			logx.Bool("drivers.gateway", gwEnabled),
			logx.Bool("drivers.memory", newCfg.Drivers.Memory),
		)
	}

	if !reflect.DeepEqual(oldCfg.Engine, newCfg.Engine) {
		changed = append(changed, "engine")
		attrs = append(attrs,
			logx.Int("engine.slots_per_tenant", newCfg.Engine.SlotsPerTenant),
			logx.String("engine.connect_timeout", strings.TrimSpace(newCfg.Engine.ConnectTimeout)),
			logx.Int("engine.degraded_after", newCfg.Engine.DegradedAfter),
		)
	}

	if !reflect.DeepEqual(oldCfg.Cadence, newCfg.Cadence) {
		changed = append(changed, "cadence")
		attrs = append(attrs,
			logx.String("cadence.tick_interval", strings.TrimSpace(newCfg.Cadence.TickInterval)),
			logx.String("cadence.base_delay", strings.TrimSpace(newCfg.Cadence.BaseDelay)),
			logx.Int("cadence.batch_size", newCfg.Cadence.BatchSize),
		)
	}

	if !reflect.DeepEqual(oldCfg.Maintenance, newCfg.Maintenance) {
		changed = append(changed, "maintenance")
		attrs = append(attrs,
			logx.String("maintenance.spec", strings.TrimSpace(newCfg.Maintenance.Spec)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Metrics, newCfg.Metrics) {
		changed = append(changed, "metrics")
		attrs = append(attrs,
			logx.Bool("metrics.enabled", newCfg.Metrics.Enabled),
			logx.String("metrics.addr", strings.TrimSpace(newCfg.Metrics.Addr)),
		)
	}

	if tenantsChanged(oldCfg.Tenants, newCfg.Tenants) {
		changed = append(changed, "tenants")
		attrs = append(attrs, logx.Int("tenants.count", len(newCfg.Tenants)))
	}

	sort.Strings(changed)
	return changed, attrs
}

func tenantsChanged(oldT, newT []TenantConfig) bool {
	if len(oldT) != len(newT) {
		return true
	}
	for i := range oldT {
		if oldT[i].ID != newT[i].ID || oldT[i].Slots != newT[i].Slots ||
			!reflect.DeepEqual(oldT[i].Drivers, newT[i].Drivers) {
			return true
		}
		// Token values never reach the summary, but a rotated token behind
		// an unchanged key set must still register as a change.
		if !reflect.DeepEqual(oldT[i].BotTokens, newT[i].BotTokens) {
			return true
		}
	}
	return false
}
