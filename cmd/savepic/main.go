package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/yan-zero/savepic/ai"
	"github.com/yan-zero/savepic/blob"
	"github.com/yan-zero/savepic/internal/profile"
	"github.com/yan-zero/savepic/internal/version"
	"github.com/yan-zero/savepic/plugin/savepic"
	"github.com/yan-zero/savepic/plugin/savepic/channels/telegram"
	"github.com/yan-zero/savepic/plugin/savepic/metrics"
	"github.com/yan-zero/savepic/store"
	"github.com/yan-zero/savepic/store/db"
)

var rootCmd = &cobra.Command{
	Use:   "savepic",
	Short: `A chatbot picture store: save named pictures per group or globally, retrieve them by name, keyword, regex or similarity.`,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		// Try to load .env from the current directory; service deployments
		// pass environment variables directly.
		_ = godotenv.Load()
		return nil
	},
	RunE: func(_ *cobra.Command, _ []string) error {
		instanceProfile, err := loadProfile()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		storeInstance, blobs, err := openStores(ctx, instanceProfile)
		if err != nil {
			return err
		}
		defer storeInstance.Close()

		embedding := ai.NewEmbeddingService(instanceProfile)
		caption := ai.NewCaptionService(instanceProfile)
		if embedding == nil {
			slog.Warn("embedding backend not configured; similarity search disabled")
		}

		m := metrics.New()
		handler := savepic.NewHandler(instanceProfile, storeInstance, blobs, embedding, caption, m)

		var backfiller *ai.Backfiller
		if embedding != nil {
			backfiller = ai.NewBackfiller(storeInstance, blobs, embedding, caption)
		}

		if instanceProfile.TelegramToken == "" {
			return fmt.Errorf("no telegram token configured, set SAVEPIC_TELEGRAM_TOKEN")
		}
		bot, err := telegram.New(instanceProfile, handler, backfiller, m)
		if err != nil {
			return err
		}

		if instanceProfile.MetricsAddr != "" {
			go serveMetrics(instanceProfile.MetricsAddr, m)
		}

		c := make(chan os.Signal, 1)
		// Trigger graceful shutdown on SIGINT or SIGTERM. The default signal
		// sent by the `kill` command is SIGTERM, which is taken as the
		// graceful shutdown signal by most process managers.
		signal.Notify(c, terminationSignals...)
		go func() {
			<-c
			cancel()
		}()

		printGreetings(instanceProfile)

		if err := bot.Start(ctx); err != nil && err != context.Canceled {
			return err
		}
		return nil
	},
}

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Compute embeddings for pictures that are missing one, then exit.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		instanceProfile, err := loadProfile()
		if err != nil {
			return err
		}

		storeInstance, blobs, err := openStores(cmd.Context(), instanceProfile)
		if err != nil {
			return err
		}
		defer storeInstance.Close()

		embedding := ai.NewEmbeddingService(instanceProfile)
		if embedding == nil {
			return fmt.Errorf("embedding backend not configured, set SAVEPIC_EMBEDDING_API_KEY")
		}
		caption := ai.NewCaptionService(instanceProfile)

		count, err := ai.NewBackfiller(storeInstance, blobs, embedding, caption).Run(cmd.Context())
		fmt.Printf("backfilled %d embeddings\n", count)
		return err
	},
}

func loadProfile() (*profile.Profile, error) {
	instanceProfile := &profile.Profile{
		Mode:        viper.GetString("mode"),
		Data:        viper.GetString("data"),
		Driver:      viper.GetString("driver"),
		DSN:         viper.GetString("dsn"),
		MetricsAddr: viper.GetString("metrics-addr"),
		Version:     version.GetCurrentVersion(viper.GetString("mode")),
	}
	instanceProfile.FromEnv()
	if err := instanceProfile.Validate(); err != nil {
		return nil, err
	}

	level := slog.LevelInfo
	if instanceProfile.IsDev() {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	return instanceProfile, nil
}

func openStores(ctx context.Context, instanceProfile *profile.Profile) (*store.Store, *blob.Store, error) {
	dbDriver, err := db.NewDBDriver(instanceProfile)
	if err != nil {
		return nil, nil, err
	}

	storeInstance := store.New(dbDriver, instanceProfile)
	if err := storeInstance.Migrate(ctx); err != nil {
		storeInstance.Close()
		return nil, nil, err
	}

	blobs, err := blob.New(instanceProfile.Data)
	if err != nil {
		storeInstance.Close()
		return nil, nil, err
	}
	return storeInstance, blobs, nil
}

func serveMetrics(addr string, m *metrics.Metrics) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("metrics endpoint started", "addr", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("metrics endpoint failed", "err", err)
	}
}

func printGreetings(p *profile.Profile) {
	fmt.Printf("savepic %s started\n", p.Version)
	fmt.Printf("Data directory: %s\n", p.Data)
	fmt.Printf("Database driver: %s\n", p.Driver)
	fmt.Printf("Mode: %s\n", p.Mode)
	if p.IsDev() && p.DSN != "" {
		fmt.Fprintf(os.Stderr, "Database: %s\n", p.DSN)
	}
}

func init() {
	viper.SetDefault("mode", "dev")
	viper.SetDefault("driver", "postgres")

	rootCmd.PersistentFlags().String("mode", "dev", `mode of the bot, can be "prod" or "dev" or "demo"`)
	rootCmd.PersistentFlags().String("data", "", "data directory for managed picture files")
	rootCmd.PersistentFlags().String("driver", "postgres", "database driver (postgres, sqlite)")
	rootCmd.PersistentFlags().String("dsn", "", "database source name (aka. DSN)")
	rootCmd.PersistentFlags().String("metrics-addr", "", `prometheus metrics listen address, e.g. ":9090"`)

	for _, flag := range []string{"mode", "data", "driver", "dsn", "metrics-addr"} {
		if err := viper.BindPFlag(flag, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("savepic")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	rootCmd.AddCommand(backfillCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
