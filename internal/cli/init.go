package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/bizsync/internal/config"
	"github.com/roach88/bizsync/internal/store"
)

// InitOptions holds flags for the init command.
type InitOptions struct {
	*RootOptions
	NodeID   string
	Database string
	Force    bool
}

// InitResult is the init command's output.
type InitResult struct {
	NodeID   string `json:"node_id"`
	Database string `json:"database"`
	Config   string `json:"config"`
}

// NewInitCommand creates the init command.
func NewInitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a database and bind it to a node id",
		Long: `Create the SQLite database, bind it to this device's node id, and write
the configuration file.

The node id defaults to a fresh UUIDv7. A database stays bound to the id it
was created with; opening it under another id fails.

Examples:
  bizsync init
  bizsync init --node-id laptop --db ./books.db`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.NodeID, "node-id", "", "node id (default: configured id or a new UUIDv7)")
	cmd.Flags().StringVar(&opts.Database, "db", "", "database path (default: storage.path)")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "overwrite an existing config file")

	return cmd
}

func runInit(opts *InitOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	cfg := *opts.Config
	if opts.NodeID != "" {
		cfg.Node.ID = opts.NodeID
	}
	if opts.Database != "" {
		cfg.Storage.Path = opts.Database
	}
	if _, err := cfg.EnsureNodeID(); err != nil {
		return f.Fail(ExitCommandError, CodeConfig, "failed to assign node id", err)
	}

	if _, err := os.Stat(opts.ConfigPath); err == nil && !opts.Force {
		return f.Fail(ExitCommandError, CodeConfig,
			fmt.Sprintf("config file %s already exists (use --force to overwrite)", opts.ConfigPath), nil)
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return f.Fail(ExitCommandError, CodeConfig, "failed to stat config file", err)
	}

	opts.Config = &cfg
	st, err := opts.openStore()
	if err != nil {
		return f.Fail(ExitCommandError, CodeStore, "failed to create database", err)
	}
	defer st.Close()

	if err := store.BindNode(cmd.Context(), st, cfg.Node.ID); err != nil {
		return f.Fail(ExitFailure, CodeStore, "failed to bind node", err)
	}
	if err := config.Save(opts.ConfigPath, &cfg); err != nil {
		return f.Fail(ExitCommandError, CodeConfig, "failed to write config", err)
	}

	res := InitResult{NodeID: cfg.Node.ID, Database: cfg.Storage.Path, Config: opts.ConfigPath}
	return f.Success(res, func(w io.Writer) {
		fmt.Fprintf(w, "Initialized node %s\n", res.NodeID)
		fmt.Fprintf(w, "  database: %s\n", res.Database)
		fmt.Fprintf(w, "  config:   %s\n", res.Config)
	})
}
