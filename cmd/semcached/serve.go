package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/semcache/manager"
	"github.com/kalambet/semcache/scalar"
	"github.com/kalambet/semcache/vector"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the cache server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd)
	},
}

func init() {
	f := serveCmd.Flags()
	f.String("addr", "127.0.0.1:8480", "listen address")
	f.String("data-dir", defaultDataDir(), "directory for embedded storage")
	f.Int("dim", 768, "embedding dimension")
	f.String("metric", string(vector.Cosine), "distance metric: cosine, l2, or ip")
	f.Int64("max-size", 0, "live entry bound; 0 disables in-process eviction")
	f.String("policy", string(manager.LRU), "eviction policy: lru or fifo")
	f.String("log-level", "info", "log level: debug or info")

	f.String("redis", "", "redis url for the scalar store (default: embedded sqlite)")
	f.String("redis-namespace", "", "key namespace on the redis backend")
	f.Int64("redis-maxmemory", 0, "redis maxmemory in bytes; 0 leaves the server config alone")
	f.String("redis-eviction", string(scalar.EvictionNone), "redis native eviction: none, lru, or random")
	f.Int("redis-samples", 0, "redis maxmemory-samples; 0 leaves the server config alone")
	f.Duration("ttl", 0, "per-entry ttl on the redis backend; 0 disables expiry")

	f.String("milvus", "", "milvus address for the vector store (default: embedded)")
	f.String("milvus-collection", "", "milvus collection name")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".semcache"
	}
	return home + "/.semcache"
}

// openStores builds the scalar and vector backends from the serve flags.
// The embedded vector store shares the SQLite handle with the embedded
// scalar store, so a remote scalar backend requires a remote vector one.
func openStores(ctx context.Context, cmd *cobra.Command) (scalar.Store, vector.Store, error) {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	dim, _ := cmd.Flags().GetInt("dim")
	metric, _ := cmd.Flags().GetString("metric")
	redisURL, _ := cmd.Flags().GetString("redis")
	milvusAddr, _ := cmd.Flags().GetString("milvus")

	if redisURL != "" && milvusAddr == "" {
		return nil, nil, fmt.Errorf("--redis requires --milvus: the embedded vector store needs the embedded scalar store's database")
	}

	var (
		scalarStore scalar.Store
		sqliteStore *scalar.SQLiteStore
		err         error
	)
	if redisURL != "" {
		policy, _ := cmd.Flags().GetString("redis-eviction")
		maxMem, _ := cmd.Flags().GetInt64("redis-maxmemory")
		samples, _ := cmd.Flags().GetInt("redis-samples")
		ns, _ := cmd.Flags().GetString("redis-namespace")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		scalarStore, err = scalar.OpenRedis(ctx, scalar.Config{
			URL:            redisURL,
			Namespace:      ns,
			MaxMemoryBytes: maxMem,
			EvictionPolicy: scalar.EvictionPolicy(policy),
			SampleSize:     samples,
			TTL:            ttl,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("opening redis scalar store: %w", err)
		}
	} else {
		sqliteStore, err = scalar.OpenSQLite(dataDir, scalar.Config{})
		if err != nil {
			return nil, nil, fmt.Errorf("opening sqlite scalar store: %w", err)
		}
		scalarStore = sqliteStore
	}

	var vectorStore vector.Store
	if milvusAddr != "" {
		collection, _ := cmd.Flags().GetString("milvus-collection")
		vectorStore, err = vector.OpenMilvus(ctx, vector.MilvusConfig{
			Address:    milvusAddr,
			Collection: collection,
			Dim:        dim,
			Metric:     vector.Metric(metric),
		})
		if err != nil {
			scalarStore.Close()
			return nil, nil, fmt.Errorf("opening milvus vector store: %w", err)
		}
	} else {
		vectorStore, err = vector.NewSQLite(sqliteStore.DB(), dim, vector.Metric(metric))
		if err != nil {
			scalarStore.Close()
			return nil, nil, fmt.Errorf("opening embedded vector store: %w", err)
		}
	}
	return scalarStore, vectorStore, nil
}

func runServer(cmd *cobra.Command) error {
	fmt.Fprintf(os.Stderr, "semcached version %s\n", version)

	logLevel := slog.LevelInfo
	if lvl, _ := cmd.Flags().GetString("log-level"); strings.EqualFold(lvl, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	scalarStore, vectorStore, err := openStores(ctx, cmd)
	if err != nil {
		return err
	}

	maxSize, _ := cmd.Flags().GetInt64("max-size")
	policy, _ := cmd.Flags().GetString("policy")
	mgr, err := manager.New(ctx, scalarStore, vectorStore, manager.Options{
		MaxSize: maxSize,
		Policy:  manager.Policy(policy),
	})
	if err != nil {
		scalarStore.Close()
		vectorStore.Close()
		return fmt.Errorf("building data manager: %w", err)
	}
	defer func() {
		if err := mgr.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing stores: %v\n", err)
		}
	}()

	addr, _ := cmd.Flags().GetString("addr")
	srv := &http.Server{
		Addr:    addr,
		Handler: newCacheHandler(mgr),
	}

	// Start server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "semcached listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return mgr.Flush(context.Background())
}
