package cli

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"filmarchive/internal/auth"
	"filmarchive/internal/config"
)

func newHashPasswordCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password USERNAME",
		Short: "Print an auth.users entry for USERNAME; the password is read from stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			username := strings.TrimSpace(args[0])
			if username == "" {
				return errors.New("username is empty")
			}
			scanner := bufio.NewScanner(root.in)
			if !scanner.Scan() {
				if err := scanner.Err(); err != nil {
					return err
				}
				return errors.New("no password on stdin")
			}
			password := strings.TrimRight(scanner.Text(), "\r")
			if password == "" {
				return errors.New("password is empty")
			}
			salt, err := auth.NewSalt()
			if err != nil {
				return err
			}
			entry := config.User{Username: username, Salt: salt, Hash: auth.HashPassword(password, salt)}
			data, err := json.MarshalIndent(entry, "", "  ")
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(root.out, string(data))
			return err
		},
	}
}

func newToolsCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "Show external tool and transcoder availability",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			statuses := root.newTools(root.log).Probe()
			names := make([]string, 0, len(statuses))
			for name := range statuses {
				names = append(names, name)
			}
			sort.Strings(names)

			fmt.Fprintln(root.out, "External tools:")
			for _, name := range names {
				st := statuses[name]
				if st.Available {
					fmt.Fprintf(root.out, "  %-10s available    %-12s %s\n", name, st.Version, st.Path)
				} else {
					fmt.Fprintf(root.out, "  %-10s unavailable\n", name)
				}
			}

			producer, _ := root.newEngine(root.cfg, root.log)
			fmt.Fprintln(root.out, "Transcoders:")
			if lister, ok := producer.(interface{ Available() []string }); ok {
				available := lister.Available()
				if len(available) == 0 {
					fmt.Fprintln(root.out, "  none available; sync needs ImageMagick or a pure-Go fallback")
				} else {
					fmt.Fprintf(root.out, "  available: %s\n", strings.Join(available, ", "))
				}
			}
			if t, err := producer.Best(); err == nil && t != nil {
				fmt.Fprintf(root.out, "  selected:  %s\n", t.Name())
			} else if err != nil {
				fmt.Fprintf(root.out, "  selected:  none (%v)\n", err)
			}
			return nil
		},
	}
}

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or validate configuration",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			source := root.cfg.Path()
			if source == "" {
				source = "(defaults and environment)"
			}
			fmt.Fprintf(root.out, "Config file: %s\n\n", source)

			shown := *root.cfg
			shown.Auth.Users = make([]config.User, len(root.cfg.Auth.Users))
			for i, u := range root.cfg.Auth.Users {
				shown.Auth.Users[i] = config.User{Username: u.Username, Salt: "***", Hash: "***"}
			}
			data, err := json.MarshalIndent(shown, "", "  ")
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(root.out, string(data))
			return err
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.cfg.Validate(); err != nil {
				root.log.Error("configuration validation", "status", "invalid", "error", err)
				return fmt.Errorf("invalid configuration: %w", err)
			}
			root.log.Info("configuration validation", "status", "valid")
			fmt.Fprintln(root.out, "Configuration is valid")
			return nil
		},
	}

	cmd.AddCommand(showCmd, validateCmd)
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(root.out, "filmarchive %s (%s)\n", Version, runtime.Version())
		},
	}
}
