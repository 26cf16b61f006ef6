// Package main provides the CLI entry point for fileferry.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/postalsys/fileferry/internal/agent"
	"github.com/postalsys/fileferry/internal/config"
	"github.com/postalsys/fileferry/internal/session"
	"github.com/postalsys/fileferry/internal/wizard"
)

var (
	// Version is set at build time
	Version = "dev"

	configPath string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fileferry",
		Short: "fileferry - remote file transfer through relays",
		Long: `fileferry serves local directories to remote clients and moves
files between them, directly or through a chain of relays.

Servers can hide behind a relay and register there by name; clients
reach them with routes such as "relay:7001 -> files@relay:7001".`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "./fileferry.yaml", "Path to configuration file")

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(proxyCmd())
	rootCmd.AddCommand(lsCmd())
	rootCmd.AddCommand(getCmd())
	rootCmd.AddCommand(putCmd())
	rootCmd.AddCommand(resumeCmd())
	rootCmd.AddCommand(tasksCmd())
	rootCmd.AddCommand(releaseCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(hashPasswordCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration file. Client commands may run without
// one and fall back to defaults.
func loadConfig(optional bool) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err == nil {
		return cfg, nil
	}
	if optional && errors.Is(err, fs.ErrNotExist) {
		return config.Default(), nil
	}
	return nil, err
}

func initCmd() *cobra.Command {
	var interactive, force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a new configuration file",
		Long: `Write a configuration file for a server sharing ./files on port 7000.
With --interactive a setup wizard asks for roles, roots and accounts.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if interactive {
				res, err := wizard.New().Run()
				if err != nil {
					return err
				}
				configPath = res.ConfigPath
				return nil
			}

			if _, err := os.Stat(configPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", configPath)
			}
			cfg, err := wizard.BuildConfig(wizard.DefaultAnswers())
			if err != nil {
				return err
			}
			if err := wizard.WriteConfig(cfg, configPath); err != nil {
				return err
			}
			fmt.Printf("Configuration written to %s\n", configPath)
			fmt.Printf("Start the server with: fileferry serve -c %s\n", configPath)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "Run the setup wizard")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")

	return cmd
}

func serveCmd() *cobra.Command {
	var listen string
	var roots []string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a file server",
		Long: `Run the node described by the configuration: the file server and,
when enabled, the relay, the reverse registration and the health endpoint.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(len(roots) > 0)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			cfg.Server.Enabled = true
			if listen != "" {
				cfg.Server.Listen = listen
			}
			if len(roots) > 0 {
				parsed, err := wizard.ParseRoots(strings.Join(roots, ","))
				if err != nil {
					return err
				}
				cfg.Server.Roots = parsed
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runAgent(cfg)
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", "", "Override server.listen")
	cmd.Flags().StringArrayVarP(&roots, "root", "r", nil, "Share a directory as name=path (repeatable, replaces server.roots)")

	return cmd
}

func proxyCmd() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "proxy",
		Short: "Run a relay",
		Long:  "Run a relay that forwards client routes and accepts reverse registrations.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(true)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			cfg.Proxy.Enabled = true
			if listen != "" {
				cfg.Proxy.Listen = listen
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runAgent(cfg)
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", "", "Override proxy.listen")

	return cmd
}

func runAgent(cfg *config.Config) error {
	a, err := agent.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}

	fmt.Printf("Starting fileferry %s...\n", Version)

	if err := a.Start(); err != nil {
		return fmt.Errorf("failed to start agent: %w", err)
	}

	if addr := a.ServerAddress(); addr != nil {
		fmt.Printf("Server:  %s://%s\n", cfg.Server.Transport, addr)
		for _, r := range cfg.Server.Roots {
			fmt.Printf("  %-10s %s\n", r.Name, r.Path)
		}
	}
	if addr := a.ProxyAddress(); addr != nil {
		fmt.Printf("Proxy:   %s://%s\n", cfg.Proxy.Transport, addr)
	}
	if cfg.Reverse.Enabled {
		fmt.Printf("Reverse: %s@%s\n", cfg.Reverse.Name, cfg.Reverse.Proxy)
	}
	if addr := a.HealthServerAddress(); addr != nil {
		fmt.Printf("Health:  http://%s/health\n", addr)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	fmt.Printf("\nReceived %s, shutting down...\n", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.StopWithContext(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	fmt.Println("Stopped")
	return nil
}

func configCmd() *cobra.Command {
	var showSecrets bool

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long: `Print the configuration after defaults and environment expansion.
Password hashes, the client password and TLS key paths are masked unless
--show-secrets is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(true)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			fmt.Print(renderConfig(cfg, showSecrets))
			return nil
		},
	}

	cmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "Print secrets unmasked")

	return cmd
}

// renderConfig returns cfg as YAML, masked unless showSecrets is set.
func renderConfig(cfg *config.Config, showSecrets bool) string {
	if showSecrets {
		return cfg.StringUnsafe()
	}
	out := cfg.String()
	if cfg.HasSensitiveData() {
		out = "# secrets masked, use --show-secrets to print them\n" + out
	}
	return out
}

func hashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password",
		Short: "Hash a password for auth.users",
		Long:  "Read a password and print its bcrypt hash for the password_hash field.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var password string
			fd := int(os.Stdin.Fd())
			if term.IsTerminal(fd) {
				first, err := readPassword("Password: ")
				if err != nil {
					return err
				}
				second, err := readPassword("Repeat password: ")
				if err != nil {
					return err
				}
				if first != second {
					return errors.New("passwords do not match")
				}
				password = first
			} else {
				line, err := bufio.NewReader(os.Stdin).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("read password: %w", err)
				}
				password = strings.TrimRight(line, "\r\n")
			}

			hash, err := session.HashPassword(password)
			if err != nil {
				return err
			}
			fmt.Println(hash)
			return nil
		},
	}
}

// readPassword prompts on stderr and reads without echo.
func readPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(b), nil
}
