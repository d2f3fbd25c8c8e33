package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/kardianos/service"
)

// program implements service.Interface, generalized from PrintMaster's
// server/service.go program type: Start launches run() on its own
// goroutine and returns immediately (required by kardianos/service),
// Stop cancels the context and waits, bounded, for run() to finish.
type program struct {
	configPath string
	policyPath string

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	svcLogger service.Logger
}

func (p *program) Start(s service.Service) error {
	p.svcLogger, _ = s.Logger(nil)
	if p.svcLogger != nil {
		p.svcLogger.Info("schedulerd service starting")
	}

	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.done = make(chan struct{})

	go p.run()
	return nil
}

func (p *program) run() {
	defer close(p.done)
	run(p.ctx, p.configPath, p.policyPath)
}

func (p *program) Stop(s service.Service) error {
	if p.svcLogger != nil {
		p.svcLogger.Info("schedulerd service stop requested")
	}
	if p.cancel != nil {
		p.cancel()
	}

	select {
	case <-p.done:
		if p.svcLogger != nil {
			p.svcLogger.Info("schedulerd service stopped gracefully")
		}
	case <-time.After(30 * time.Second):
		if p.svcLogger != nil {
			p.svcLogger.Warning("schedulerd service stop timed out")
		}
	}
	return nil
}

// serviceConfig returns the OS service registration for the current
// platform, matching the per-OS working-directory and restart-policy
// conventions server/service.go uses for PrintMaster's own daemon.
func serviceConfig() *service.Config {
	var workingDir string
	switch runtime.GOOS {
	case "windows":
		workingDir = filepath.Join(os.Getenv("ProgramData"), "schedulerd")
	case "darwin":
		workingDir = "/Library/Application Support/schedulerd"
	default:
		workingDir = "/var/lib/schedulerd"
	}

	return &service.Config{
		Name:             "schedulerd",
		DisplayName:      "Print Scheduler Daemon",
		Description:      "Job lifecycle, printer/class registry and filter pipeline scheduler for IPP print requests.",
		WorkingDirectory: workingDir,
		Arguments:        []string{"--service", "run"},
		Option: service.KeyValue{
			"Restart":           "on-failure",
			"RestartSec":        5,
			"SuccessExitStatus": "0 SIGTERM",
			"KillMode":          "mixed",
			"KillSignal":        "SIGTERM",

			"RunAtLoad": true,
			"KeepAlive": true,

			"StartType":  "automatic",
			"OnFailure":  "restart",
		},
	}
}

// handleServiceCommand drives install/uninstall/start/stop/restart/run
// through kardianos/service, matching server/main.go's svcCommand switch.
func handleServiceCommand(cmd, configPath, policyPath string) {
	prg := &program{configPath: configPath, policyPath: policyPath}
	s, err := service.New(prg, serviceConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create service: %v\n", err)
		os.Exit(1)
	}

	switch cmd {
	case "install":
		if err := s.Install(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to install service: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("service installed")
	case "uninstall":
		if err := s.Uninstall(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to uninstall service: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("service uninstalled")
	case "start":
		if err := s.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to start service: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("service started")
	case "stop":
		if err := s.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to stop service: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("service stopped")
	case "restart":
		if err := s.Restart(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to restart service: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("service restarted")
	case "status":
		status, err := s.Status()
		if err != nil {
			fmt.Fprintf(os.Stderr, "status check failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("service status: %v\n", status)
	case "run":
		if err := s.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "service run failed: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown service command %q\n", cmd)
		os.Exit(1)
	}
}
