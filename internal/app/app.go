// Package app wires configuration, storage, drivers and the engine into a
// runnable daemon.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"golang.org/x/sync/errgroup"

	"slotcast/internal/config"
	"slotcast/internal/driver"
	"slotcast/internal/driver/gateway"
	memdriver "slotcast/internal/driver/memory"
	"slotcast/internal/driver/telegram"
	"slotcast/internal/engine"
	"slotcast/internal/eventbus"
	"slotcast/internal/store"
	logx "slotcast/pkg/logx"
)

type App struct {
	cfgPath string
	cfgm    *config.Manager

	log      logx.Logger
	logClose func() error

	st  store.Store
	bus eventbus.Bus
	eng *engine.Engine

	metricsAddr string
	metricsSrv  *http.Server

	cancel context.CancelFunc
	group  *errgroup.Group
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	log, logClose, err := logx.New(cfg.BuildLogging())
	if err != nil {
		return nil, err
	}
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	cfgm.SetValidator(validateConfig)

	stCfg, err := cfg.BuildStore()
	if err != nil {
		_ = logClose()
		return nil, err
	}
	st, err := store.Open(stCfg, log.With(logx.String("comp", "store")))
	if err != nil {
		_ = logClose()
		return nil, err
	}

	reg, err := buildRegistry(cfg, log)
	if err != nil {
		_ = st.Close()
		_ = logClose()
		return nil, err
	}

	engCfg, err := cfg.BuildEngine()
	if err != nil {
		_ = st.Close()
		_ = logClose()
		return nil, err
	}

	bus := eventbus.New()
	eng, err := engine.New(engCfg, st, reg, bus, log)
	if err != nil {
		_ = st.Close()
		_ = logClose()
		return nil, err
	}

	a := &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logClose: logClose,
		st:       st,
		bus:      bus,
		eng:      eng,
	}
	if cfg.Metrics.Enabled {
		a.metricsAddr = cfg.Metrics.Addr
		if a.metricsAddr == "" {
			a.metricsAddr = "127.0.0.1:9464"
		}
	}
	return a, nil
}

func (a *App) Engine() *engine.Engine { return a.eng }

func buildRegistry(cfg *config.Config, log logx.Logger) (*driver.Registry, error) {
	reg := driver.NewRegistry()

	if cfg.Drivers.Telegram != nil && cfg.Drivers.Telegram.Enabled {
		if err := reg.Register(telegram.New(log.With(logx.String("comp", "driver.telegram")))); err != nil {
			return nil, err
		}
	}
	if gw := cfg.Drivers.Gateway; gw != nil && gw.Enabled {
		poll, err := config.ParseDurationField("drivers.gateway.poll_interval", gw.PollInterval)
		if err != nil {
			return nil, err
		}
		timeout, err := config.ParseDurationField("drivers.gateway.timeout", gw.Timeout)
		if err != nil {
			return nil, err
		}
		d, err := gateway.New(gateway.Config{
			BaseURL:      gw.BaseURL,
			APIKey:       gw.APIKey,
			PollInterval: poll,
			Timeout:      timeout,
		}, log.With(logx.String("comp", "driver.gateway")))
		if err != nil {
			return nil, err
		}
		if err := reg.Register(d); err != nil {
			return nil, err
		}
	}
	if cfg.Drivers.Memory {
		if err := reg.Register(memdriver.New("memory")); err != nil {
			return nil, err
		}
	}

	if len(reg.Names()) == 0 {
		return nil, errors.New("no drivers enabled")
	}
	order := cfg.Drivers.DefaultOrder
	if len(order) == 0 {
		order = reg.Names()
	}
	if err := reg.SetDefaultOrder(order); err != nil {
		return nil, err
	}
	return reg, nil
}

func validateConfig(ctx context.Context, cfg *config.Config) error {
	if _, err := cfg.BuildStore(); err != nil {
		return err
	}
	if _, err := cfg.BuildEngine(); err != nil {
		return err
	}
	if _, err := cfg.DefaultCadencePolicy(); err != nil {
		return err
	}
	for _, t := range cfg.Tenants {
		if strings.TrimSpace(t.ID) == "" {
			return errors.New("tenants: id must not be empty")
		}
		if t.Slots < 0 {
			return fmt.Errorf("tenant %s: slots must be >= 0", t.ID)
		}
	}
	return nil
}

// Start provisions tenants and launches background loops. It returns once
// startup is complete; fatal errors afterwards surface through Wait.
func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.group, runCtx = errgroup.WithContext(runCtx)

	cfg := a.cfgm.Get()

	policy, err := cfg.DefaultCadencePolicy()
	if err != nil {
		return err
	}
	for _, t := range cfg.Tenants {
		if err := a.seedTenant(ctx, t, policy); err != nil {
			return fmt.Errorf("tenant %s: %w", t.ID, err)
		}
		if err := a.eng.InitSlots(ctx, t.ID); err != nil {
			return fmt.Errorf("tenant %s: init slots: %w", t.ID, err)
		}
	}

	a.group.Go(func() error {
		return a.cfgm.Watch(runCtx)
	})
	a.watchReloads(runCtx)

	if a.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.eng.Tracker().Handler())
		a.metricsSrv = &http.Server{
			Addr:              a.metricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		ln, err := net.Listen("tcp", a.metricsAddr)
		if err != nil {
			return fmt.Errorf("metrics listen: %w", err)
		}
		a.log.Info("metrics listening", logx.String("addr", a.metricsAddr))
		a.group.Go(func() error {
			if err := a.metricsSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	// Tell systemd we are up; no-op outside a unit.
	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify failed", logx.Err(err))
	} else if sent {
		a.log.Debug("sd_notify ready sent")
	}

	a.log.Info("started", logx.Int("tenants", len(cfg.Tenants)))
	return nil
}

// seedTenant stores the tenant's pacing policy (if none exists yet) and any
// configured bot tokens as auth blobs.
func (a *App) seedTenant(ctx context.Context, t config.TenantConfig, policy store.CadenceConfig) error {
	_, exists, err := a.st.CadenceConfig(ctx, t.ID)
	if err != nil {
		return err
	}
	if !exists {
		if err := a.st.PutCadenceConfig(ctx, t.ID, policy); err != nil {
			return err
		}
	}

	for slotStr, token := range t.BotTokens {
		n, err := strconv.Atoi(slotStr)
		if err != nil || n <= 0 {
			return fmt.Errorf("bot_tokens: invalid slot number %q", slotStr)
		}
		if err := a.st.PutAuthBlob(ctx, t.ID, n, telegram.Name, []byte(token)); err != nil {
			return err
		}
	}
	return nil
}

// watchReloads applies hot config changes. Only logging-safe sections are
// applied live; structural changes (drivers, store) need a restart.
func (a *App) watchReloads(ctx context.Context) {
	sub := a.cfgm.Subscribe(2)
	old := a.cfgm.Get()
	a.group.Go(func() error {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return nil
			case cfg, ok := <-sub:
				if !ok {
					return nil
				}
				changed, attrs := config.SummarizeConfigChange(old, cfg)
				old = cfg
				if len(changed) == 0 {
					continue
				}
				a.log.Info("config reloaded", append(attrs, logx.Any("sections", changed))...)
				if policy, err := cfg.DefaultCadencePolicy(); err == nil {
					for _, t := range cfg.Tenants {
						if err := a.eng.ConfigureCadence(ctx, t.ID, policy); err != nil {
							a.log.Warn("cadence policy update failed",
								logx.String("tenant", t.ID), logx.Err(err))
						}
					}
				}
			}
		}
	})
}

// Wait blocks until a background loop fails or the context given to Start
// is cancelled.
func (a *App) Wait() error {
	if a.group == nil {
		return nil
	}
	return a.group.Wait()
}

func (a *App) Stop(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	if a.metricsSrv != nil {
		sctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		_ = a.metricsSrv.Shutdown(sctx)
		cancel()
	}
	if a.cancel != nil {
		a.cancel()
	}
	if a.group != nil {
		_ = a.group.Wait()
	}

	a.eng.Close()
	err := a.st.Close()
	a.log.Info("stopped")
	if a.logClose != nil {
		_ = a.logClose()
	}
	return err
}
