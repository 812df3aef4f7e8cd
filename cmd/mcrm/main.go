package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/daviddao/mailcrm/internal/config"
	"github.com/daviddao/mailcrm/internal/db"
	"github.com/daviddao/mailcrm/internal/logging"
)

// Version is set via ldflags at build time.
var Version = "dev"

var (
	dbPath     string
	configPath string
	userFlag   string
	jsonOutput bool
	quietFlag  bool
	verbose    bool

	cfg    *config.Config
	logger *log.Logger
	store  *db.DB
)

var rootCmd = &cobra.Command{
	Use:          "mcrm",
	Short:        "mcrm - Turn your Gmail history into a contact CRM",
	Long:         "Mailcrm: sync a Gmail mailbox, infer companies and contacts, and log every exchange as an interaction.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if userFlag != "" {
			cfg.UserID = userFlag
		}
		level := cfg.Log.Level
		if verbose {
			level = "debug"
		}
		logger, err = logging.New(level, cfg.Log.Format, os.Stderr)
		if err != nil {
			return err
		}

		// Skip DB for commands that don't need it
		switch cmd.Name() {
		case "init", "help", "version", "mcrm":
			return nil
		}

		path := dbPath
		if path == "" {
			path = cfg.DBPath
		}
		if path == "" {
			path = db.DiscoverDB()
		}
		if path == "" {
			return fmt.Errorf("no mailcrm database found, run 'mcrm init' first")
		}

		store, err = db.Open(path)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		logger.Debug("opened database", "path", path)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if store != nil {
			store.Close()
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "mcrm version %s\n", Version)
	},
}

var initConfig bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize .mailcrm/ in the project root",
	Long: `Create the local CRM database.

The database goes in .mailcrm/crm.db under the enclosing git repository, or
the current directory outside one. With --config-file a starter config file is
also written to the user config directory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		root := db.FindProjectRoot()
		if root == "" {
			wd, err := os.Getwd()
			if err != nil {
				return err
			}
			root = wd
		}

		path := filepath.Join(root, ".mailcrm", "crm.db")
		s, err := db.Open(path)
		if err != nil {
			return err
		}
		s.Close()

		ensureGitignore(root)

		if !quietFlag {
			fmt.Fprintf(cmd.OutOrStdout(), "Initialized mailcrm at %s\n", path)
		}

		if initConfig {
			p := configPath
			if p == "" {
				if p, err = config.Path(); err != nil {
					return err
				}
			}
			if _, err := os.Stat(p); err == nil {
				if !quietFlag {
					fmt.Fprintf(cmd.OutOrStdout(), "Config already exists at %s\n", p)
				}
				return nil
			}
			if err := cfg.Save(p); err != nil {
				return err
			}
			if !quietFlag {
				fmt.Fprintf(cmd.OutOrStdout(), "Wrote config to %s\n", p)
			}
		}
		return nil
	},
}

// ensureGitignore adds .mailcrm/ to .gitignore if not already present.
func ensureGitignore(root string) {
	gitignorePath := filepath.Join(root, ".gitignore")
	entry := ".mailcrm/"

	data, err := os.ReadFile(gitignorePath)
	if err == nil {
		sc := bufio.NewScanner(strings.NewReader(string(data)))
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == entry || line == ".mailcrm" {
				return
			}
		}
	}

	f, err := os.OpenFile(gitignorePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return // silently skip if can't write
	}
	defer f.Close()

	if len(data) > 0 && data[len(data)-1] != '\n' {
		f.WriteString("\n")
	}
	fmt.Fprintf(f, "\n# Mailcrm database (tokens and contacts)\n%s\n", entry)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Database path (default: config db_path, then auto-discover .mailcrm/crm.db)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: $MAILCRM_CONFIG or ~/.config/mailcrm/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&userFlag, "user", "", "CRM user ID (default: config user_id)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&quietFlag, "quiet", "q", false, "Suppress non-essential output")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")

	initCmd.Flags().BoolVar(&initConfig, "config-file", false, "Also write a starter config file")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initCmd)
}

func main() {
	// Interrupt cancels a running sync, which records the run as failed.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
