package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/postalsys/fileferry/internal/agent"
	"github.com/postalsys/fileferry/internal/client"
	"github.com/postalsys/fileferry/internal/config"
	"github.com/postalsys/fileferry/internal/logging"
	"github.com/postalsys/fileferry/internal/metrics"
	"github.com/postalsys/fileferry/internal/protocol"
	"github.com/postalsys/fileferry/internal/transfer"
)

// clientFlags override the client section for one invocation.
type clientFlags struct {
	route       string
	user        string
	encrypt     bool
	connections int
}

func (f *clientFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.route, "route", "R", "", `Route to the server, e.g. "relay:7001 -> files@relay:7001"`)
	cmd.Flags().StringVarP(&f.user, "user", "u", "", "User name (prompts for the password)")
	cmd.Flags().BoolVarP(&f.encrypt, "encrypt", "e", false, "Encrypt the session")
	cmd.Flags().IntVarP(&f.connections, "connections", "n", 0, "Connections sharing the session")
}

func (f *clientFlags) apply(cfg *config.Config) {
	if f.user != "" {
		cfg.Client.Username = f.user
		cfg.Client.Password = ""
	}
	if f.encrypt {
		cfg.Auth.Encryption.Enabled = true
	}
	if f.connections > 0 {
		cfg.Client.Connections = f.connections
	}
}

// connect loads the configuration, applies flags and logs in.
func (f *clientFlags) connect(ctx context.Context) (*client.Pool, *config.Config, error) {
	cfg, err := loadConfig(true)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	f.apply(cfg)

	if cfg.Client.Username != "" && cfg.Client.Password == "" && term.IsTerminal(int(os.Stdin.Fd())) {
		cfg.Client.Password, err = readPassword(fmt.Sprintf("Password for %s: ", cfg.Client.Username))
		if err != nil {
			return nil, nil, err
		}
	}

	logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)
	opts, err := agent.ClientOptions(cfg, f.route, logger, metrics.Default())
	if err != nil {
		return nil, nil, err
	}
	pool, err := client.NewPool(opts, cfg.Client.Connections)
	if err != nil {
		return nil, nil, err
	}
	if err := pool.Connect(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return pool, cfg, nil
}

// interruptContext is cancelled by the first SIGINT or SIGTERM.
func interruptContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

var (
	dirStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
)

func lsCmd() *cobra.Command {
	var flags clientFlags

	cmd := &cobra.Command{
		Use:   "ls [path]",
		Short: "List a remote directory",
		Long:  "List a remote directory. Without a path the server's roots are listed.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := interruptContext()
			defer cancel()

			pool, _, err := flags.connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			var path string
			if len(args) > 0 {
				path = args[0]
			}
			entries, err := pool.List(ctx, path)
			if err != nil {
				return err
			}
			fmt.Print(formatListing(entries, time.Now()))
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

// formatListing renders entries as a table, directories first.
func formatListing(entries []protocol.DirEntry, now time.Time) string {
	var b strings.Builder
	b.WriteString(headerStyle.Render(fmt.Sprintf("%-10s  %-14s  %s", "SIZE", "MODIFIED", "NAME")))
	b.WriteString("\n")
	for _, e := range entries {
		size := humanize.IBytes(uint64(max(e.Length, 0)))
		name := e.Name
		if e.IsDirectory {
			size = "-"
			name = dirStyle.Render(e.Name + "/")
		}
		modified := "-"
		if !e.Modified.IsZero() {
			modified = humanize.RelTime(e.Modified, now, "ago", "from now")
		}
		fmt.Fprintf(&b, "%-10s  %-14s  %s\n", size, dimStyle.Render(modified), name)
	}
	fmt.Fprintf(&b, "%d entries\n", len(entries))
	return b.String()
}

func getCmd() *cobra.Command {
	var flags clientFlags

	cmd := &cobra.Command{
		Use:   "get <remote-path> [local-dir]",
		Short: "Download a file or directory",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := interruptContext()
			defer cancel()

			pool, cfg, err := flags.connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			local := "."
			if len(args) > 1 {
				local = args[1]
			}
			task, err := transfer.QueryRemote(ctx, pool, args[0], local)
			if err != nil {
				return err
			}
			return runTask(ctx, cfg, pool, task)
		},
	}
	flags.register(cmd)
	return cmd
}

func putCmd() *cobra.Command {
	var flags clientFlags

	cmd := &cobra.Command{
		Use:   "put <local-path> <remote-dir>",
		Short: "Upload a file or directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := interruptContext()
			defer cancel()

			task, err := transfer.QueryLocal(args[0], args[1])
			if err != nil {
				return err
			}
			pool, cfg, err := flags.connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()
			return runTask(ctx, cfg, pool, task)
		},
	}
	flags.register(cmd)
	return cmd
}

func resumeCmd() *cobra.Command {
	var flags clientFlags

	cmd := &cobra.Command{
		Use:   "resume <task-id>",
		Short: "Continue a paused or failed transfer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := interruptContext()
			defer cancel()

			pool, cfg, err := flags.connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			store, err := transfer.NewStore(cfg.Client.StateDir)
			if err != nil {
				return err
			}
			task, err := store.Load(args[0])
			if err != nil {
				return err
			}
			return runTask(ctx, cfg, pool, task)
		},
	}
	flags.register(cmd)
	return cmd
}

// runTask persists the task, runs it with a progress line and removes the
// saved state once every file finished.
func runTask(ctx context.Context, cfg *config.Config, r transfer.Remote, task *transfer.Task) error {
	store, err := transfer.NewStore(cfg.Client.StateDir)
	if err != nil {
		return err
	}
	if err := store.Save(task); err != nil {
		return err
	}

	opts := agent.TransferOptions(cfg, store, logging.NewLogger(cfg.Log.Level, cfg.Log.Format), metrics.Default())
	opts.OnProgress = func(p transfer.Progress) {
		fmt.Fprintf(os.Stderr, "\r\033[K%s", p)
		if p.Final {
			fmt.Fprintln(os.Stderr)
		}
	}

	err = transfer.NewEngine(r, opts).Run(ctx, task)
	switch {
	case errors.Is(err, context.Canceled):
		fmt.Fprintf(os.Stderr, "\nPaused. Continue with: fileferry resume %s\n", task.ID)
		return nil
	case err != nil:
		fmt.Fprintf(os.Stderr, "Some files failed. Retry with: fileferry resume %s\n", task.ID)
		return err
	}
	if task.Complete() {
		return store.Remove(task.ID)
	}
	return nil
}

func tasksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tasks",
		Short: "List saved transfers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(true)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			store, err := transfer.NewStore(cfg.Client.StateDir)
			if err != nil {
				return err
			}
			ids, err := store.List()
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				fmt.Println("No saved transfers")
				return nil
			}
			for _, id := range ids {
				t, err := store.Load(id)
				if err != nil {
					fmt.Printf("%s  %s\n", id, dimStyle.Render(err.Error()))
					continue
				}
				s := t.Summary()
				fmt.Printf("%s  %-8s %d/%d files  %s / %s  %s -> %s\n",
					t.ID, t.Direction, s.FilesDone, s.Files,
					humanize.IBytes(uint64(s.BytesDone)), humanize.IBytes(uint64(s.Bytes)),
					t.LocalBase, t.RemoteBase)
			}
			return nil
		},
	}
}

func releaseCmd() *cobra.Command {
	var flags clientFlags
	var write bool

	cmd := &cobra.Command{
		Use:   "release <remote-path>",
		Short: "Close a remote file held open by this session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := interruptContext()
			defer cancel()

			pool, _, err := flags.connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := pool.Release(ctx, args[0], write); err != nil {
				return err
			}
			fmt.Printf("Released %s\n", args[0])
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVarP(&write, "write", "w", false, "Release write access")
	return cmd
}
