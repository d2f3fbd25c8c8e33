// Command schedulerd is the print scheduler daemon: it loads spooled
// state, constructs the scheduler core, and drives it from a single
// event loop goroutine until a shutdown signal arrives. The HTTP
// transport that decodes wire-format IPP requests into ipp.Request
// values lives outside this module (spec §6); this binary owns only
// the core's lifecycle and the read-only admin websocket.
//
// Generalized from PrintMaster's server/main.go flag-parsing and
// service-command dispatch (-config, -generate-config, -version,
// -service) down to what this daemon actually needs.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/kardianos/service"

	"github.com/printcore/schedulerd/internal/adminws"
	"github.com/printcore/schedulerd/internal/config"
	"github.com/printcore/schedulerd/internal/discovery"
	"github.com/printcore/schedulerd/internal/eventloop"
	"github.com/printcore/schedulerd/internal/histstore"
	"github.com/printcore/schedulerd/internal/logger"
	"github.com/printcore/schedulerd/internal/mimedb"
	"github.com/printcore/schedulerd/internal/persist"
	"github.com/printcore/schedulerd/internal/policy"
	"github.com/printcore/schedulerd/internal/printer"
	"github.com/printcore/schedulerd/internal/scheduler"
)

// Version is set at build time via -ldflags, matching the teacher's
// version-stamping convention.
var Version = "dev"

func main() {
	configPath := flag.String("config", "/etc/schedulerd/schedulerd.conf", "Configuration file path")
	policyPath := flag.String("policy", "", "Policy configuration file path (defaults to <config-dir>/policy.conf)")
	generateConfig := flag.Bool("generate-config", false, "Write a default configuration file and exit")
	showVersion := flag.Bool("version", false, "Show version information and exit")
	svcCommand := flag.String("service", "", "Service command: install, uninstall, start, stop, restart, run")
	flag.Parse()

	if *showVersion {
		fmt.Printf("schedulerd %s\n", Version)
		fmt.Printf("Go version: %s\n", runtime.Version())
		fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		return
	}

	if *generateConfig {
		if err := config.Save(*configPath, config.Default()); err != nil {
			fmt.Fprintf(os.Stderr, "failed to generate config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("wrote default configuration to %s\n", *configPath)
		return
	}

	if *svcCommand != "" {
		handleServiceCommand(*svcCommand, *configPath, *policyPath)
		return
	}

	if !service.Interactive() {
		prg := &program{configPath: *configPath, policyPath: *policyPath}
		s, err := service.New(prg, serviceConfig())
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to create service: %v\n", err)
			os.Exit(1)
		}
		if err := s.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "service run failed: %v\n", err)
			os.Exit(1)
		}
		return
	}

	run(context.Background(), *configPath, *policyPath)
}

// run loads configuration, wires every scheduler subsystem, and blocks
// inside the event loop until ctx is canceled or a terminating signal
// arrives. It is shared between interactive and service execution,
// matching the teacher's runServer(ctx, configFlag) split.
func run(ctx context.Context, configFlag, policyFlag string) {
	resolved := config.ResolveConfigPath(configFlag)
	cfg, err := config.Load(resolved)
	if err != nil {
		cfg = config.Default()
		fmt.Fprintf(os.Stderr, "schedulerd: %v, using defaults\n", err)
	}

	log := logger.New(logger.LevelFromString(cfg.Logging.Level), cfg.Logging.Dir)
	log.Info("schedulerd starting", "version", Version, "config", resolved)

	store, err := persist.New(cfg.Server.StateDir)
	if err != nil {
		log.Error("failed to open spool state directory", "error", err)
		os.Exit(1)
	}

	var hist *histstore.Store
	if h, err := histstore.Open(ctx, cfg.Database); err != nil {
		log.Warn("history store disabled", "error", err)
	} else {
		hist = h
		defer hist.Close()
	}

	policyPath := policyFlag
	if policyPath == "" {
		policyPath = filepath.Join(filepath.Dir(resolved), "policy.conf")
	}
	policies, err := policy.LoadFile(policyPath)
	if err != nil {
		log.Info("no policy.conf found, using built-in default policy", "path", policyPath)
		policies = policy.DefaultPolicies(cfg.Policy.SystemGroup)
	}

	groupLookup := func(principal, group string) bool {
		return group == cfg.Policy.SystemGroup && principal == "root"
	}

	backendDir := func(scheme string) (string, bool) {
		path := "/usr/lib/schedulerd/backend/" + scheme
		if _, err := os.Stat(path); err != nil {
			return "", false
		}
		return path, true
	}
	notifierDir := func(scheme string) (string, bool) {
		path := "/usr/lib/schedulerd/notifier/" + scheme
		if _, err := os.Stat(path); err != nil {
			return "", false
		}
		return path, true
	}

	sched := scheduler.New(cfg, log, store, hist, mimedb.New(nil), policies, groupLookup, backendDir, notifierDir)
	if err := sched.LoadState(store); err != nil {
		log.Error("failed to load persisted state", "error", err)
	}

	var browser *discovery.Browser
	if cfg.Discovery.Enabled {
		browser = discovery.NewBrowser(time.Duration(cfg.Discovery.DebounceSecs)*time.Second, func(discovered []printer.DiscoveredPrinter) {
			sched.HandleDiscovery(discovered)
		})
		if err := browser.Start(ctx); err != nil {
			log.Warn("printer discovery disabled", "error", err)
			browser = nil
		} else {
			defer browser.Stop()
		}
	}

	var adminServer *http.Server
	if cfg.Admin.Enabled {
		hub := adminws.NewHub(log)
		sched.Bus.OnPublish = hub.Broadcast

		mux := http.NewServeMux()
		mux.HandleFunc("/events", hub.ServeHTTP(sched.Bus.GlobalRing))
		adminServer = &http.Server{Addr: cfg.Admin.Listen, Handler: mux}
		go func() {
			log.Info("admin websocket listening", "addr", cfg.Admin.Listen)
			if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("admin websocket server failed", "error", err)
			}
		}()
	}

	loop := eventloop.New(sched, log, time.Duration(cfg.Server.ShutdownGraceSecs)*time.Second)
	loop.Reload = func() {
		if reloaded, err := policy.LoadFile(policyPath); err != nil {
			log.Warn("policy reload failed, keeping current policies", "error", err)
		} else {
			sched.SetPolicies(reloaded)
			log.Info("policy reloaded", "path", policyPath)
		}
	}

	loop.Run(ctx)

	if adminServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("admin websocket server shutdown error", "error", err)
		}
	}
	log.Info("schedulerd stopped")
}
