package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/emiago/sipgo"

	"github.com/coralpbx/coralpbx/internal/api"
	"github.com/coralpbx/coralpbx/internal/call"
	"github.com/coralpbx/coralpbx/internal/config"
	"github.com/coralpbx/coralpbx/internal/control"
	"github.com/coralpbx/coralpbx/internal/database"
	"github.com/coralpbx/coralpbx/internal/dialplan"
	"github.com/coralpbx/coralpbx/internal/media"
	"github.com/coralpbx/coralpbx/internal/metrics"
	"github.com/coralpbx/coralpbx/internal/registry"
	sipserver "github.com/coralpbx/coralpbx/internal/sip"
	"github.com/coralpbx/coralpbx/internal/timer"
	"github.com/coralpbx/coralpbx/internal/trunk"
	"github.com/coralpbx/coralpbx/internal/voicemail"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	logger.Info("starting coralpbx",
		"sip_addr", fmt.Sprintf("%s:%d", cfg.Server.SIPHost, cfg.Server.SIPPort),
		"api_addr", cfg.API.ListenAddr,
		"extensions", len(cfg.Extensions),
		"trunks", len(cfg.Trunks),
	)

	started := time.Now()

	store, err := database.Open(cfg.Database, logger)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	if store != nil {
		defer store.Close()
	}

	timers := timer.New(logger)
	defer timers.Stop()

	pool, err := media.NewPortPool(cfg.Server.RTPPortRangeStart, cfg.Server.RTPPortRangeEnd)
	if err != nil {
		logger.Error("invalid rtp port range", "error", err)
		os.Exit(1)
	}

	// The relay event sink references the call manager and the voicemail
	// service, both constructed below; the closure resolves them at
	// delivery time. DTMF for call IDs the manager does not know belongs
	// to synthetic voicemail legs.
	var (
		callMgr *call.Manager
		vm      *voicemail.Service
	)
	relays := media.NewRelays(pool, uint8(cfg.Features.DTMF.PayloadType), func(ev media.Event) {
		if ev.Kind == media.EventDTMF {
			if _, err := callMgr.Get(ev.CallID); err != nil {
				vm.ReceiveDTMF(ev.CallID, ev.Digit, time.Duration(ev.Duration)*time.Second/8000)
				return
			}
		}
		callMgr.HandleMediaEvent(ev)
	}, logger)
	defer relays.Close()

	callMgr = call.NewManager(relays, timers, call.ManagerConfig{
		NoAnswerTimeout:     time.Duration(cfg.Voicemail.NoAnswerTimeout) * time.Second,
		VoicemailAnswerMode: cfg.Voicemail.AnswerMode == "answer",
	}, logger)

	extensions := make([]registry.Extension, len(cfg.Extensions))
	for i, e := range cfg.Extensions {
		extensions[i] = registry.Extension{
			Number:        e.Number,
			Name:          e.Name,
			Secret:        e.Password,
			VoicemailPIN:  e.VoicemailPIN,
			Email:         e.Email,
			AllowExternal: e.AllowExternal,
			IsAdmin:       e.IsAdmin,
		}
	}
	reg := registry.New(extensions, logger)
	defer reg.Close()
	if store != nil {
		go syncPhoneBook(reg, store, logger)
	}

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent("CoralPBX"),
		sipgo.WithUserAgentHostname(cfg.Server.SIPHost),
	)
	if err != nil {
		logger.Error("failed to create sip user agent", "error", err)
		os.Exit(1)
	}

	var trunkMgr *trunk.Manager
	if len(cfg.Trunks) > 0 {
		resolver := trunk.NewResolver(
			cfg.Features.DNSSRVFailover.MaxFailures,
			time.Duration(cfg.Features.DNSSRVFailover.CheckInterval)*time.Second,
			logger,
		)
		trunkMgr, err = trunk.NewManager(ua, cfg.Trunks, resolver, logger)
		if err != nil {
			logger.Error("failed to create trunk manager", "error", err)
			os.Exit(1)
		}
	}

	var rates *trunk.RateEngine
	var costRouter dialplan.CostRouter
	if cfg.LCR.Enabled {
		rates, err = trunk.NewRateEngine(cfg.LCR, logger)
		if err != nil {
			logger.Error("failed to build lcr rate table", "error", err)
			os.Exit(1)
		}
		costRouter = rates
	}

	var trunkNames []string
	if trunkMgr != nil {
		trunkNames = trunkMgr.Names()
	}
	router, err := dialplan.New(cfg.DialPlan, trunkNames, costRouter, registryPermissions{reg}, logger)
	if err != nil {
		logger.Error("failed to compile dial plan", "error", err)
		os.Exit(1)
	}

	sipSrv, err := sipserver.NewServer(ua, cfg, reg, router, callMgr, trunkMgr, logger)
	if err != nil {
		logger.Error("failed to create sip server", "error", err)
		os.Exit(1)
	}
	callMgr.SetSignaler(sipSrv)
	if store != nil {
		callMgr.SetCDRSink(store)
	}

	vm, err = voicemail.New(cfg.Voicemail, relays, reg, callMgr, store, logger)
	if err != nil {
		logger.Error("failed to create voicemail service", "error", err)
		os.Exit(1)
	}
	callMgr.SetVoicemailHandler(vm)
	sipSrv.RegisterEndpoint(dialplan.ActionVoicemail, vm)

	callMgr.SetEndObserver(func(info call.Info) {
		sipSrv.OnCallEnded(info)
		vm.OnCallEnded(info)
		if info.Trunk != "" {
			answered := !info.ConnectedAt.IsZero()
			if rates != nil {
				rates.ReportOutcome(info.Trunk, answered)
			}
		}
	})

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	if err := sipSrv.Start(appCtx); err != nil {
		logger.Error("failed to start sip server", "error", err)
		os.Exit(1)
	}
	if trunkMgr != nil {
		trunkMgr.Start()
	}

	var apiSrv *api.Server
	errCh := make(chan error, 1)
	if cfg.API.Enabled {
		var trunkStates metrics.TrunkStates
		if trunkMgr != nil {
			trunkStates = trunkMgr
		}
		var storeCounters metrics.StoreCounters
		if store != nil {
			storeCounters = store
		}
		collector := metrics.NewCollector(callMgr, reg, trunkStates, relays,
			timers, storeCounters, started, logger)
		scrape, err := metrics.Handler(collector)
		if err != nil {
			logger.Error("failed to register metrics collector", "error", err)
			os.Exit(1)
		}

		core := control.NewCore(callMgr, reg, relays, trunkMgr, timers, store)
		apiSrv = api.NewServer(cfg, core, scrape, logger)
		go func() {
			if err := apiSrv.Start(); err != nil {
				errCh <- err
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		logger.Error("admin api server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Info("shutting down")
	if apiSrv != nil {
		if err := apiSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("admin api shutdown error", "error", err)
		}
	}
	if trunkMgr != nil {
		trunkMgr.Stop()
	}
	if err := callMgr.Shutdown(shutdownCtx); err != nil {
		logger.Error("call manager shutdown error", "error", err)
	}
	sipSrv.Stop()

	logger.Info("coralpbx stopped")
}

// syncPhoneBook keeps the persisted directory current: every
// registration event upserts the extension's phone book row. The loop
// exits when the registry closes its subscriber channels.
func syncPhoneBook(reg *registry.Registry, store database.Store, logger *slog.Logger) {
	for ev := range reg.Subscribe() {
		if ev.Type != registry.EventRegistered {
			continue
		}
		ext, err := reg.Extension(ev.Extension)
		if err != nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = store.UpsertPhoneBookEntry(ctx, database.PhoneBookEntry{
			Number: ext.Number,
			Name:   ext.Name,
			Email:  ext.Email,
		})
		cancel()
		if err != nil {
			logger.Warn("phone book sync failed", "extension", ev.Extension, "error", err)
		}
	}
}

// registryPermissions adapts the extension registry to the dial plan's
// permission lookup.
type registryPermissions struct {
	reg *registry.Registry
}

func (p registryPermissions) Extension(number string) (bool, error) {
	ext, err := p.reg.Extension(number)
	if err != nil {
		return false, err
	}
	return ext.AllowExternal, nil
}
