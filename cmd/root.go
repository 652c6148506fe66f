package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/stylizer/internal/config"
	"github.com/andresmejia3/stylizer/internal/logger"
	"github.com/andresmejia3/stylizer/internal/store"
	"github.com/spf13/cobra"
)

var (
	// DB is the conversion history shared by subcommands. It is nil when no database is configured.
	DB *store.Store
	// Cfg is the loaded configuration after flag overrides.
	Cfg *config.Config
	// Log is the process-wide structured logger.
	Log logger.Logger

	cfgFile string
	dbURL   string
)

// errNoDatabase is returned by commands that only make sense with a history database.
var errNoDatabase = errors.New("no database configured: pass --db, set postgres.url or POSTGRES_HOST")

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "stylizer",
	Short:   "Anime-style video conversion on a local inference engine",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		v, err := config.LoadConfig(cfgFile)
		if err != nil {
			return err
		}
		Cfg, err = config.ParseConfig(v)
		if err != nil {
			return err
		}

		l := logger.NewApiLogger(Cfg)
		l.InitLogger()
		Log = l

		url := resolveDBURL(dbURL, Cfg.Postgres.URL)
		if url == "" {
			Log.Debugf("no database configured, conversion history disabled")
			return nil
		}

		// Use the command's context (which will be cancellable) for the connection
		DB, err = store.New(cmd.Context(), url)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			// Use Background here because the main context might be cancelled already (due to Ctrl+C)
			// and we still need to send the "Close" command to the DB.
			DB.Close(context.Background())
		}
		if Log != nil {
			Log.Sync()
		}
	},
}

// resolveDBURL picks the connection string: flag, then config, then the POSTGRES_* environment.
// An empty result means history is disabled.
func resolveDBURL(flag, configured string) string {
	if flag != "" {
		return flag
	}
	if configured != "" {
		return configured
	}
	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		return ""
	}
	user := os.Getenv("POSTGRES_USER")
	pass := os.Getenv("POSTGRES_PASSWORD")
	name := os.Getenv("POSTGRES_DB")
	port := os.Getenv("POSTGRES_PORT")
	if port == "" {
		port = "5432"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string for conversion history (optional)")
}
