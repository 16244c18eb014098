// Package svc provides cross-platform system service support for tunnelgrid.
package svc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/kardianos/service"
	"github.com/rs/zerolog/log"
)

// RunFunc runs a coordinator or agent process until ctx is cancelled.
type RunFunc func(ctx context.Context, configPath string) error

// Program implements service.Interface for the kardianos/service library.
type Program struct {
	Mode       string  // "coordinator" or "agent"
	ConfigPath string  // Path to configuration file
	Run        RunFunc // Function to run the selected mode

	ctx    context.Context
	cancel context.CancelFunc
	done   chan error
}

// Start is called when the service starts. It must not block, so the actual
// work runs in a goroutine.
func (p *Program) Start(_ service.Service) error {
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.done = make(chan error, 1)

	go func() {
		if p.Run == nil {
			p.done <- fmt.Errorf("run function not configured for mode %q", p.Mode)
			return
		}
		p.done <- p.Run(p.ctx, p.ConfigPath)
	}()

	return nil
}

// Stop signals the running goroutine to stop and waits for it.
func (p *Program) Stop(_ service.Service) error {
	if p.cancel != nil {
		p.cancel()
	}
	if p.done != nil {
		err := <-p.done
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	return nil
}

// Config holds configuration for service installation.
type Config struct {
	Name        string // Service name (e.g., "tunnelgrid-agent")
	DisplayName string // Display name shown in the service manager
	Description string // Service description
	Mode        string // "coordinator" or "agent"
	ConfigPath  string // Path to configuration file
	UserName    string // User to run the service as (Linux/macOS only)
}

// DefaultServiceName returns the default service name for a mode.
func DefaultServiceName(mode string) string {
	if mode == "coordinator" {
		return "tunnelgrid-coordinator"
	}
	return "tunnelgrid-agent"
}

// DefaultDisplayName returns a human-readable display name for a mode.
func DefaultDisplayName(mode string) string {
	if mode == "coordinator" {
		return "Tunnelgrid Coordinator"
	}
	return "Tunnelgrid Agent"
}

// DefaultConfigPath returns the default config file path for a mode.
func DefaultConfigPath(mode string) string {
	var configDir string
	switch runtime.GOOS {
	case "windows":
		configDir = filepath.Join(os.Getenv("ProgramData"), "Tunnelgrid")
	default: // linux, darwin
		configDir = "/etc/tunnelgrid"
	}

	if mode == "coordinator" {
		return filepath.Join(configDir, "coordinator.yaml")
	}
	return filepath.Join(configDir, "agent.yaml")
}

// newServiceConfig builds a kardianos service.Config for ours.
func newServiceConfig(cfg *Config) *service.Config {
	args := []string{
		"--service-run",
		cfg.Mode,
		"--config", cfg.ConfigPath,
	}

	svcCfg := &service.Config{
		Name:        cfg.Name,
		DisplayName: cfg.DisplayName,
		Description: cfg.Description,
		Arguments:   args,
	}

	switch runtime.GOOS {
	case "linux":
		svcCfg.Dependencies = []string{"After=network-online.target", "Wants=network-online.target"}
		svcCfg.Option = service.KeyValue{
			"Restart":    "on-failure",
			"RestartSec": "5",
		}
		if cfg.UserName != "" {
			svcCfg.UserName = cfg.UserName
		}
	case "darwin":
		svcCfg.Option = service.KeyValue{
			"KeepAlive":     true,
			"RunAtLoad":     true,
			"SessionCreate": true,
		}
		if cfg.UserName != "" {
			svcCfg.UserName = cfg.UserName
		}
	case "windows":
		svcCfg.Option = service.KeyValue{
			"OnFailure":      "restart",
			"OnFailureDelay": "5s",
		}
	}

	return svcCfg
}

// CreateService creates a new service instance.
func CreateService(prg *Program, cfg *Config) (service.Service, error) {
	return service.New(prg, newServiceConfig(cfg))
}

// Install installs the service.
func Install(cfg *Config, force bool) error {
	prg := &Program{Mode: cfg.Mode, ConfigPath: cfg.ConfigPath}
	svc, err := CreateService(prg, cfg)
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}

	status, err := svc.Status()
	if err == nil {
		switch status {
		case service.StatusRunning:
			if !force {
				return fmt.Errorf("service %q is running; stop it first or use --force", cfg.Name)
			}
			if err := svc.Stop(); err != nil {
				log.Warn().Err(err).Msg("failed to stop service")
			}
			if err := svc.Uninstall(); err != nil {
				log.Warn().Err(err).Msg("failed to uninstall service")
			}
		case service.StatusStopped:
			if !force {
				return fmt.Errorf("service %q already installed; use --force to reinstall", cfg.Name)
			}
			if err := svc.Uninstall(); err != nil {
				log.Warn().Err(err).Msg("failed to uninstall service")
			}
		}
	}

	if err := svc.Install(); err != nil {
		return fmt.Errorf("install service: %w", err)
	}
	return nil
}

// Uninstall removes the service, stopping it first if running.
func Uninstall(cfg *Config) error {
	prg := &Program{Mode: cfg.Mode, ConfigPath: cfg.ConfigPath}
	svc, err := CreateService(prg, cfg)
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}

	status, _ := svc.Status()
	if status == service.StatusRunning {
		if err := svc.Stop(); err != nil {
			log.Warn().Err(err).Msg("failed to stop service")
		}
	}

	if err := svc.Uninstall(); err != nil {
		return fmt.Errorf("uninstall service: %w", err)
	}
	return nil
}

// Start starts the installed service.
func Start(cfg *Config) error {
	prg := &Program{Mode: cfg.Mode, ConfigPath: cfg.ConfigPath}
	svc, err := CreateService(prg, cfg)
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}
	if err := svc.Start(); err != nil {
		return fmt.Errorf("start service: %w", err)
	}
	return nil
}

// Stop stops the installed service.
func Stop(cfg *Config) error {
	prg := &Program{Mode: cfg.Mode, ConfigPath: cfg.ConfigPath}
	svc, err := CreateService(prg, cfg)
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}
	if err := svc.Stop(); err != nil {
		return fmt.Errorf("stop service: %w", err)
	}
	return nil
}

// Status returns the service status.
func Status(cfg *Config) (service.Status, error) {
	prg := &Program{Mode: cfg.Mode, ConfigPath: cfg.ConfigPath}
	svc, err := CreateService(prg, cfg)
	if err != nil {
		return service.StatusUnknown, fmt.Errorf("create service: %w", err)
	}
	return svc.Status()
}

// StatusString returns a human-readable status string.
func StatusString(status service.Status) string {
	switch status {
	case service.StatusRunning:
		return "running"
	case service.StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Run runs the service; called when started by the service manager.
func Run(prg *Program, cfg *Config) error {
	svc, err := CreateService(prg, cfg)
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}
	return svc.Run()
}

// CheckPrivileges verifies the current user may manage system services.
func CheckPrivileges() error {
	switch runtime.GOOS {
	case "windows":
		// Install fails with a clearer error if the user is not admin.
		return nil
	default:
		if os.Geteuid() != 0 {
			return fmt.Errorf("root privileges required (use sudo)")
		}
		return nil
	}
}

// IsServiceMode reports whether the process was started by the service
// manager (--service-run flag present).
func IsServiceMode(args []string) bool {
	for _, arg := range args {
		if arg == "--service-run" {
			return true
		}
	}
	return false
}
