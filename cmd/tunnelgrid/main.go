// tunnelgrid is the control-plane connection layer for the tunnelgrid
// tunneling service: a coordinator that admits and monitors agent
// connections, and an agent that maintains a reconnecting connection to it.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tunnelgrid/tunnelgrid/internal/agent"
	"github.com/tunnelgrid/tunnelgrid/internal/config"
	"github.com/tunnelgrid/tunnelgrid/internal/coord"
	"github.com/tunnelgrid/tunnelgrid/internal/svc"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var logLevel string

func main() {
	// When started by the service manager, hand control to the service
	// runtime instead of the normal CLI flow.
	if svc.IsServiceMode(os.Args[1:]) {
		runAsService()
		return
	}

	rootCmd := &cobra.Command{
		Use:   "tunnelgrid",
		Short: "tunnelgrid control-plane connection layer",
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			setupLogging(logLevel)
		},
	}
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")

	rootCmd.AddCommand(coordinatorCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(serviceCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupLogging(logLevel string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

func coordinatorCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "coordinator",
		Short: "Run the coordinator",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runCoordinator(ctx, configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", svc.DefaultConfigPath("coordinator"), "path to coordinator config")
	return cmd
}

func runCoordinator(ctx context.Context, configPath string) error {
	cfg, err := config.LoadCoordinatorConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var verifier coord.CredentialVerifier
	if len(cfg.Auth.Users) > 0 {
		verifier = coord.StaticVerifier(cfg.Auth.Users)
	}

	srv := coord.NewServer(cfg, verifier)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return srv.Shutdown()
	}
}

func agentCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run an agent",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runAgent(ctx, configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", svc.DefaultConfigPath("agent"), "path to agent config")
	return cmd
}

func runAgent(ctx context.Context, configPath string) error {
	cfg, err := config.LoadAgentConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	creds := agent.NewFileCredentialStore(cfg.CredentialsFile)
	conn := agent.NewConn(cfg, creds, terminalPrompt(cfg.Username))

	conn.Connect()
	<-ctx.Done()
	return conn.Close()
}

// terminalPrompt reads login credentials from stdin. The configured username
// is offered as a default.
func terminalPrompt(defaultUsername string) agent.LoginPrompt {
	return func() (string, string, error) {
		reader := bufio.NewReader(os.Stdin)

		username := defaultUsername
		if username == "" {
			fmt.Fprint(os.Stderr, "Username: ")
			line, err := reader.ReadString('\n')
			if err != nil {
				return "", "", fmt.Errorf("read username: %w", err)
			}
			username = strings.TrimSpace(line)
		}

		fmt.Fprintf(os.Stderr, "Password for %s: ", username)
		line, err := reader.ReadString('\n')
		if err != nil {
			return "", "", fmt.Errorf("read password: %w", err)
		}
		return username, strings.TrimRight(line, "\r\n"), nil
	}
}

func serviceCmd() *cobra.Command {
	var (
		mode       string
		configPath string
		name       string
		userName   string
		force      bool
	)

	cmd := &cobra.Command{
		Use:   "service",
		Short: "Manage tunnelgrid as a system service",
	}
	cmd.PersistentFlags().StringVar(&mode, "mode", "agent", "service mode (coordinator or agent)")
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")
	cmd.PersistentFlags().StringVar(&name, "name", "", "service name override")
	cmd.PersistentFlags().StringVar(&userName, "user", "", "user to run the service as")

	svcConfig := func() (*svc.Config, error) {
		if mode != "coordinator" && mode != "agent" {
			return nil, fmt.Errorf("invalid mode %q", mode)
		}
		cfg := &svc.Config{
			Name:        name,
			DisplayName: svc.DefaultDisplayName(mode),
			Description: "Tunnelgrid control-plane connection layer",
			Mode:        mode,
			ConfigPath:  configPath,
			UserName:    userName,
		}
		if cfg.Name == "" {
			cfg.Name = svc.DefaultServiceName(mode)
		}
		if cfg.ConfigPath == "" {
			cfg.ConfigPath = svc.DefaultConfigPath(mode)
		}
		return cfg, nil
	}

	installCmd := &cobra.Command{
		Use:   "install",
		Short: "Install the system service",
		RunE: func(_ *cobra.Command, _ []string) error {
			if err := svc.CheckPrivileges(); err != nil {
				return err
			}
			cfg, err := svcConfig()
			if err != nil {
				return err
			}
			if err := svc.Install(cfg, force); err != nil {
				return err
			}
			fmt.Printf("service %q installed\n", cfg.Name)
			return nil
		},
	}
	installCmd.Flags().BoolVar(&force, "force", false, "reinstall if already installed")

	uninstallCmd := &cobra.Command{
		Use:   "uninstall",
		Short: "Uninstall the system service",
		RunE: func(_ *cobra.Command, _ []string) error {
			if err := svc.CheckPrivileges(); err != nil {
				return err
			}
			cfg, err := svcConfig()
			if err != nil {
				return err
			}
			if err := svc.Uninstall(cfg); err != nil {
				return err
			}
			fmt.Printf("service %q uninstalled\n", cfg.Name)
			return nil
		},
	}

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the system service",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := svcConfig()
			if err != nil {
				return err
			}
			return svc.Start(cfg)
		},
	}

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the system service",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := svcConfig()
			if err != nil {
				return err
			}
			return svc.Stop(cfg)
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the system service status",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := svcConfig()
			if err != nil {
				return err
			}
			status, err := svc.Status(cfg)
			if err != nil {
				return err
			}
			fmt.Printf("%s: %s\n", cfg.Name, svc.StatusString(status))
			return nil
		},
	}

	cmd.AddCommand(installCmd, uninstallCmd, startCmd, stopCmd, statusCmd)
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("tunnelgrid %s (commit %s, built %s)\n", Version, Commit, BuildTime)
		},
	}
}

// runAsService executes under the service manager. Arguments mirror the
// ones svc installs: --service-run <mode> --config <path>.
func runAsService() {
	setupLogging("info")

	mode := "agent"
	configPath := ""
	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "coordinator", "agent":
			mode = args[i]
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		}
	}
	if configPath == "" {
		configPath = svc.DefaultConfigPath(mode)
	}

	run := runAgent
	if mode == "coordinator" {
		run = runCoordinator
	}

	prg := &svc.Program{Mode: mode, ConfigPath: configPath, Run: run}
	cfg := &svc.Config{
		Name:        svc.DefaultServiceName(mode),
		DisplayName: svc.DefaultDisplayName(mode),
		Mode:        mode,
		ConfigPath:  configPath,
	}
	if err := svc.Run(prg, cfg); err != nil {
		log.Fatal().Err(err).Msg("service run failed")
	}
}
