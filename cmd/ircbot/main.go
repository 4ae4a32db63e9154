package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/matt0x6f/ircbot/internal/config"
	"github.com/matt0x6f/ircbot/internal/daemon"
	"github.com/matt0x6f/ircbot/internal/logger"
	"github.com/matt0x6f/ircbot/internal/security"
	"github.com/matt0x6f/ircbot/internal/storage"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "ircbot",
		Short: "Run an IRC bot",
		Long:  `An IRC bot connecting to the networks listed in a YAML or TOML configuration file.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBot(configPath)
		},
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "ircbot.yaml", "configuration file")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Run the bot (default)",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runBot(configPath)
			},
		},
		&cobra.Command{
			Use:   "check",
			Short: "Validate the configuration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := config.Load(configPath)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%s: ok\n", cfg.Source)
				for _, s := range cfg.Servers {
					fmt.Fprintf(out, "  %s %s:%d nick=%s channels=%s\n",
						s.ID, s.Host, s.Port, s.Nick, strings.Join(s.Channels, ","))
				}
				return nil
			},
		},
		newPasswordCmd(),
		newHistoryCmd(&configPath),
		newPruneCmd(&configPath),
	)
	return rootCmd
}

func runBot(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logger.Setup(cfg.Log.Options()); err != nil {
		return err
	}
	defer logger.Close()

	if cfg.Service.Daemonize && !daemon.Detached() {
		pid, err := daemon.Detach()
		if err != nil {
			return err
		}
		fmt.Printf("ircbot started in background, pid %d\n", pid)
		return nil
	}
	if cfg.Service.PIDFile != "" {
		if err := daemon.WritePIDFile(cfg.Service.PIDFile); err != nil {
			return err
		}
		defer daemon.RemovePIDFile(cfg.Service.PIDFile)
	}

	app, err := NewApp(cfg)
	if err != nil {
		return err
	}
	if rc := app.Run(context.Background()); rc != 0 {
		return fmt.Errorf("bot exited with code %d", rc)
	}
	return nil
}

func newPasswordCmd() *cobra.Command {
	passwordCmd := &cobra.Command{
		Use:   "password",
		Short: "Manage server passwords in the OS keychain",
	}
	passwordCmd.AddCommand(
		&cobra.Command{
			Use:   "set <server-id>",
			Short: "Store a server password read from stdin",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("failed to read password: %w", err)
				}
				return security.NewKeychain().StorePassword(args[0], strings.TrimRight(line, "\r\n"))
			},
		},
		&cobra.Command{
			Use:   "delete <server-id>",
			Short: "Remove a stored server password",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return security.NewKeychain().DeletePassword(args[0])
			},
		},
		&cobra.Command{
			Use:   "status <server-id>",
			Short: "Tell whether a server password is stored",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				has, err := security.NewKeychain().HasPassword(args[0])
				if err != nil {
					return err
				}
				state := "not stored"
				if has {
					state = "stored"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], state)
				return nil
			},
		},
	)
	return passwordCmd
}

func loadStorage(configPath string) (*storage.Storage, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if cfg.Storage.Path == "" {
		return nil, fmt.Errorf("no storage path configured in %s", cfg.Source)
	}
	return openStorage(cfg.Storage)
}

func newHistoryCmd(configPath *string) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <server-id> [channel]",
		Short: "Print archived messages of a channel, or private messages",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := loadStorage(*configPath)
			if err != nil {
				return err
			}
			defer st.Close()

			channel := ""
			if len(args) == 2 {
				channel = args[1]
			}
			msgs, err := st.GetMessages(args[0], channel, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, m := range msgs {
				fmt.Fprintln(out, formatHistory(m))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "number of messages")
	return cmd
}

func formatHistory(m storage.Message) string {
	ts := m.Timestamp.Local().Format(time.DateTime)
	switch m.MessageType {
	case storage.TypeAction:
		return fmt.Sprintf("%s * %s %s", ts, m.User, m.Message)
	case storage.TypeJoin:
		return fmt.Sprintf("%s --> %s joined", ts, m.User)
	case storage.TypePart:
		return fmt.Sprintf("%s <-- %s left", ts, m.User)
	}
	return fmt.Sprintf("%s <%s> %s", ts, m.User, m.Message)
}

func newPruneCmd(configPath *string) *cobra.Command {
	var age time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete archived messages older than --older-than",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := loadStorage(*configPath)
			if err != nil {
				return err
			}
			defer st.Close()

			n, err := st.PruneBefore(time.Now().Add(-age))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d messages\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&age, "older-than", 30*24*time.Hour, "minimum age of pruned messages")
	return cmd
}
