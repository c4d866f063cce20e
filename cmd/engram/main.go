package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hrygo/engram/async"
	"github.com/hrygo/engram/episode"
	"github.com/hrygo/engram/graph"
	"github.com/hrygo/engram/internal/profile"
	"github.com/hrygo/engram/internal/version"
	"github.com/hrygo/engram/queue"
	"github.com/hrygo/engram/server"
	"github.com/hrygo/engram/store"
	"github.com/hrygo/engram/store/db"
)

var rootCmd = &cobra.Command{
	Use:   "engram",
	Short: `Asynchronous episode processing for the memory cloud: durable task queue, per-group ordering, progress streaming.`,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		// Systemd deployments inject environment via the unit file.
		if !isRunningAsSystemdService() {
			_ = godotenv.Load()
		}
		return nil
	},
	Run: func(_ *cobra.Command, _ []string) {
		instanceProfile := &profile.Profile{
			Mode:        viper.GetString("mode"),
			Addr:        viper.GetString("addr"),
			Port:        viper.GetInt("port"),
			Data:        viper.GetString("data"),
			Driver:      viper.GetString("driver"),
			DSN:         viper.GetString("dsn"),
			InstanceURL: viper.GetString("instance-url"),
			Version:     version.GetCurrentVersion(viper.GetString("mode")),
		}
		instanceProfile.FromEnv()
		if workerCount := viper.GetInt("worker-count"); viper.IsSet("worker-count") {
			instanceProfile.WorkerCount = workerCount
		}
		if err := instanceProfile.Validate(); err != nil {
			panic(err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		dbDriver, err := db.NewDBDriver(instanceProfile)
		if err != nil {
			cancel()
			slog.Error("failed to create db driver", "error", err)
			return
		}

		storeInstance := store.New(dbDriver, instanceProfile)
		if err := storeInstance.Migrate(ctx); err != nil {
			cancel()
			slog.Error("failed to migrate", "error", err)
			return
		}

		taskQueue, err := newQueue(ctx, instanceProfile)
		if err != nil {
			cancel()
			slog.Error("failed to create task queue", "error", err)
			return
		}

		registry := prometheus.NewRegistry()
		metrics := async.NewMetrics(registry)
		schemas := graph.NewSchemaRegistry(storeInstance)
		syncer := graph.NewSchemaSyncer(storeInstance, schemas)
		taskService := async.NewService(storeInstance, taskQueue, async.NewRegistry(), metrics, syncer, async.ConfigFromProfile(instanceProfile))

		if instanceProfile.IsLLMEnabled() {
			extractor := graph.NewLLMExtractor(graph.LLMExtractorConfig{
				APIKey:  instanceProfile.LLMAPIKey,
				BaseURL: instanceProfile.LLMBaseURL,
				Model:   instanceProfile.LLMModel,
				Timeout: time.Duration(instanceProfile.LLMTimeout) * time.Second,
			})
			handler := episode.NewHandler(storeInstance, extractor, schemas)
			if err := handler.Register(taskService.Registry()); err != nil {
				cancel()
				slog.Error("failed to register episode handlers", "error", err)
				return
			}
			slog.Info("episode handlers registered", "model", instanceProfile.LLMModel)
		} else {
			slog.Info("LLM disabled, episode handlers not registered")
		}

		if err := taskService.Start(ctx); err != nil {
			cancel()
			slog.Error("failed to start task service", "error", err)
			return
		}

		s, err := server.NewServer(ctx, instanceProfile, storeInstance, taskService, registry)
		if err != nil {
			cancel()
			slog.Error("failed to create server", "error", err)
			return
		}

		c := make(chan os.Signal, 1)
		signal.Notify(c, terminationSignals...)

		if err := s.Start(ctx); err != nil {
			slog.Error("failed to start server", "error", err)
			cancel()
		}

		printGreetings(instanceProfile)

		go func() {
			<-c
			s.Shutdown(ctx)
			taskService.Shutdown()
			if err := storeInstance.Close(); err != nil {
				slog.Error("failed to close store", "error", err)
			}
			cancel()
		}()

		<-ctx.Done()
	},
}

func newQueue(ctx context.Context, p *profile.Profile) (queue.Queue, error) {
	if p.RedisAddr == "" {
		slog.Info("using in-memory task queue")
		return queue.NewMemoryQueue(), nil
	}
	slog.Info("using redis task queue", "addr", p.RedisAddr, "db", p.RedisDB)
	return queue.NewRedisQueue(ctx, p.RedisAddr, p.RedisPassword, p.RedisDB)
}

func init() {
	viper.SetDefault("mode", "dev")
	viper.SetDefault("driver", "postgres")
	viper.SetDefault("port", 28091)

	rootCmd.PersistentFlags().String("mode", "dev", `mode of server, can be "prod" or "dev" or "demo"`)
	rootCmd.PersistentFlags().String("addr", "", "address of server")
	rootCmd.PersistentFlags().Int("port", 28091, "port of server")
	rootCmd.PersistentFlags().String("data", "", "data directory")
	rootCmd.PersistentFlags().String("driver", "postgres", "database driver (postgres, sqlite)")
	rootCmd.PersistentFlags().String("dsn", "", "database source name(aka. DSN)")
	rootCmd.PersistentFlags().String("instance-url", "", "the url of this engram instance")
	rootCmd.PersistentFlags().Int("worker-count", 20, "task worker pool size, 0 for producer-only mode")

	for _, flag := range []string{"mode", "addr", "port", "data", "driver", "dsn", "instance-url", "worker-count"} {
		if err := viper.BindPFlag(flag, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("engram")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
}

func printGreetings(profile *profile.Profile) {
	fmt.Printf("Engram %s started successfully!\n", profile.Version)

	if profile.IsDev() {
		fmt.Fprint(os.Stderr, "Development mode is enabled\n")
		if profile.DSN != "" {
			fmt.Fprintf(os.Stderr, "Database: %s\n", profile.DSN)
		}
	}

	fmt.Printf("Database driver: %s\n", profile.Driver)
	fmt.Printf("Mode: %s\n", profile.Mode)
	fmt.Printf("Workers: %d\n", profile.WorkerCount)
	if len(profile.Addr) == 0 {
		fmt.Printf("Server running on port %d\n", profile.Port)
	} else {
		fmt.Printf("Server running on %s:%d\n", profile.Addr, profile.Port)
	}
}

// isRunningAsSystemdService detects if the process is running under systemd.
func isRunningAsSystemdService() bool {
	return os.Getenv("INVOCATION_ID") != "" || os.Getenv("WATCHDOG_USEC") != ""
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		panic(err)
	}
}
