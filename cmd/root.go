package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/facewatch/internal/config"
	"github.com/andresmejia3/facewatch/internal/logger"
	"github.com/andresmejia3/facewatch/internal/store"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// DB is the gallery shared by subcommands
	DB store.Gallery
	// Cfg is the loaded configuration
	Cfg *config.Config

	v          = viper.New()
	configPath string
	logCloser  io.Closer
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "facewatch",
	Short:   "Real-time face recognition for live camera feeds",
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		Cfg, err = config.Load(v, configPath)
		if err != nil {
			return err
		}

		logCloser, err = logger.Init(Cfg.Log)
		if err != nil {
			return err
		}

		DB, err = openGallery(cmd.Context(), Cfg.DatabaseURL())
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			// The command context may already be cancelled by Ctrl+C.
			DB.Close(context.Background())
		}
		if logCloser != nil {
			logCloser.Close()
		}
	},
}

// openGallery picks the in-process gallery for the "memory" URL and
// PostgreSQL otherwise.
func openGallery(ctx context.Context, url string) (store.Gallery, error) {
	if url == store.MemoryURL {
		log.Warn("Using the in-memory gallery, enrollments are lost on exit")
		return store.NewMemory(), nil
	}
	s, err := store.New(ctx, url)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")
	flags.String("db", "", `Gallery connection string, or "memory" (default: postgres://localhost:5432/facewatch)`)
	flags.String("log-level", "", "Log level (debug, info, warn, error)")

	v.BindPFlag("db.url", flags.Lookup("db"))
	v.BindPFlag("log.level", flags.Lookup("log-level"))
}
