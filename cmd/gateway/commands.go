package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/gliderlab/overlaygate/pkg/config"
	"github.com/gliderlab/overlaygate/proxy"
	"github.com/gliderlab/overlaygate/storage"
)

func newAgentsCmd(configDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List the agents exposed as models",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configDir)
			if err != nil {
				return err
			}
			agents, err := proxy.NewDirectory(newLettaClient(cfg), 0).Agents(cmd.Context())
			if err != nil {
				return fmt.Errorf("list agents: %w", err)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "MODEL\tAGENT ID\tDESCRIPTION")
			for _, a := range agents {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", a.Name, a.ID, a.Description)
			}
			return tw.Flush()
		},
	}
}

func newToolsCmd(configDir *string) *cobra.Command {
	toolsCmd := &cobra.Command{
		Use:   "tools",
		Short: "Manage the ephemeral tool cache",
	}
	toolsCmd.AddCommand(&cobra.Command{
		Use:   "purge-cache",
		Short: "Forget cached remote tool ids",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configDir)
			if err != nil {
				return err
			}
			cache, err := openToolCache(cfg.Tools.CacheDir)
			if err != nil {
				return err
			}
			defer cache.Close()
			n, err := cache.PurgeToolIDs()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "purged %d cached tool ids\n", n)
			return err
		},
	})
	return toolsCmd
}

func newConfigCmd(configDir *string) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Edit env.config in the config directory",
	}
	configCmd.AddCommand(&cobra.Command{
		Use:   "set KEY=VALUE...",
		Short: "Set keys in env.config (an empty value removes the key)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			updates := make(map[string]string, len(args))
			for _, arg := range args {
				k, v, ok := strings.Cut(arg, "=")
				if !ok {
					return fmt.Errorf("expected KEY=VALUE, got %q", arg)
				}
				updates[k] = v
			}
			path := config.EnvConfigPath(*configDir)
			if err := config.MergeEnvConfig(path, updates); err != nil {
				return fmt.Errorf("update %s: %w", path, err)
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "[OK] updated %d keys in %s\n", len(updates), path)
			return err
		},
	})
	configCmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print the env.config path",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), config.EnvConfigPath(*configDir))
			return err
		},
	})
	return configCmd
}

func openStore(configDir string) (*storage.Storage, error) {
	cfg, err := loadConfig(configDir)
	if err != nil {
		return nil, err
	}
	return storage.NewWithConfig(*cfg.Storage)
}

func newEventsCmd(configDir *string) *cobra.Command {
	var (
		sessionID string
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent session audit events",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStore(*configDir)
			if err != nil {
				return err
			}
			defer store.Close()
			events, err := store.ListEvents(sessionID, limit)
			if err != nil {
				return fmt.Errorf("list events: %w", err)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tSESSION\tAGENT\tKIND\tDETAIL")
			for _, e := range events {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					e.CreatedAt.Format("2006-01-02 15:04:05"), e.SessionID, e.AgentID, e.Kind, e.Detail)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "only events for this session id")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of events")
	return cmd
}

func newRateLimitCmd(configDir *string) *cobra.Command {
	rlCmd := &cobra.Command{
		Use:   "ratelimit",
		Short: "Inspect or reset rate limit counters",
	}
	rlCmd.AddCommand(&cobra.Command{
		Use:   "show ENDPOINT KEY",
		Short: "Show the counter for an endpoint and client key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(*configDir)
			if err != nil {
				return err
			}
			defer store.Close()
			r, err := store.GetRateLimit(args[0], args[1])
			if err != nil {
				return err
			}
			if r == nil {
				_, err = fmt.Fprintln(cmd.OutOrStdout(), "no counter")
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s %s used=%d limit=%d window_start=%s\n",
				r.Endpoint, r.Key, r.Requests, r.MaxRequests, r.WindowStart.Format("2006-01-02 15:04:05"))
			return err
		},
	})
	rlCmd.AddCommand(&cobra.Command{
		Use:   "reset ENDPOINT KEY",
		Short: "Reset the counter for an endpoint and client key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(*configDir)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.DeleteRateLimit(args[0], args[1]); err != nil {
				return fmt.Errorf("reset rate limit: %w", err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "[OK] rate limit reset: %s %s\n", args[0], args[1])
			return err
		},
	})
	return rlCmd
}
