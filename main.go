package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/stevemurr/docmodel/config"
	"github.com/stevemurr/docmodel/handler"
	"github.com/stevemurr/docmodel/instrument"
	"github.com/stevemurr/docmodel/logger"
	"github.com/stevemurr/docmodel/schema"
	"github.com/stevemurr/docmodel/store"
)

// corsMiddleware wraps an http.Handler with CORS headers.
func corsMiddleware(next http.Handler, allowedOrigins []string) http.Handler {
	// Fast path: wildcard allows everything.
	allowAll := len(allowedOrigins) == 1 && allowedOrigins[0] == "*"

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if allowAll {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		} else if origin != "" {
			for _, o := range allowedOrigins {
				if strings.TrimSpace(o) == origin {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Vary", "Origin")
					break
				}
			}
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Credentials", "true")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// app carries what every command needs once the configuration is loaded.
type app struct {
	cfg     *config.Config
	log     *zap.Logger
	backend store.Backend
}

func setup(ctx context.Context, v *viper.Viper, file string, sink instrument.Sink) (*app, error) {
	cfg, err := config.Load(v, file)
	if err != nil {
		return nil, err
	}
	log := logger.New(cfg.Log.Level, cfg.Log.Format)

	opts := cfg.StoreOptions()
	opts.Logger = log.Named(logger.ComponentStore)
	opts.Sink = instrument.Multi(instrument.NewLogSink(log.Named(logger.ComponentTimer)), sink)
	b, err := store.Open(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("open store (backend=%s): %w", cfg.Store.Backend, err)
	}
	return &app{cfg: cfg, log: log, backend: b}, nil
}

// ensureIndexes creates the declared indexes of every configured collection
// and returns the created index names per collection.
func (a *app) ensureIndexes(ctx context.Context) (map[string][]string, error) {
	names := make([]string, 0, len(a.cfg.Collections))
	for name := range a.cfg.Collections {
		names = append(names, name)
	}
	sort.Strings(names)

	out := map[string][]string{}
	for _, name := range names {
		specs := a.cfg.Indexes(name)
		if len(specs) == 0 {
			continue
		}
		c, err := a.backend.Collection(ctx, name, store.WithIndexes(specs...))
		if err != nil {
			return nil, fmt.Errorf("collection %s: %w", name, err)
		}
		created, err := c.EnsureIndexes(ctx)
		if err != nil {
			return nil, fmt.Errorf("collection %s: %w", name, err)
		}
		for _, s := range created {
			out[name] = append(out[name], s.Options.Name)
		}
	}
	return out, nil
}

func newRootCmd() *cobra.Command {
	v := config.New()
	var configFile string

	root := &cobra.Command{
		Use:           "docmodel",
		Short:         "Document collections over memory, JSON files, SQLite or PostgreSQL",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "configuration file (default docmodel.yaml)")
	root.PersistentFlags().String("backend", "", "store backend: memory, file, sqlite or postgres")
	root.PersistentFlags().String("data-dir", "", "data directory of the file and sqlite backends")
	root.PersistentFlags().String("dsn", "", "postgres connection string")
	root.PersistentFlags().String("log-level", "", "log level")
	root.PersistentFlags().String("log-format", "", "log format: json or console")
	bind(v, root, map[string]string{
		"store.backend": "backend",
		"store.dataDir": "data-dir",
		"store.dsn":     "dsn",
		"log.level":     "log-level",
		"log.format":    "log-format",
	})

	root.AddCommand(newServeCmd(v, &configFile), newEnsureIndexesCmd(v, &configFile))
	return root
}

func bind(v *viper.Viper, cmd *cobra.Command, keys map[string]string) {
	for key, flag := range keys {
		if f := cmd.PersistentFlags().Lookup(flag); f != nil {
			_ = v.BindPFlag(key, f)
		} else {
			_ = v.BindPFlag(key, cmd.Flags().Lookup(flag))
		}
	}
}

func newServeCmd(v *viper.Viper, configFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve collections over HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

			a, err := setup(ctx, v, *configFile, instrument.NewMetricsSink(reg))
			if err != nil {
				return err
			}
			defer a.backend.Close()
			defer a.log.Sync() //nolint:errcheck
			log := a.log.Named(logger.ComponentServer)

			created, err := a.ensureIndexes(ctx)
			if err != nil {
				return err
			}
			for coll, names := range created {
				log.Info("indexes created", zap.String("collection", coll), zap.Strings("indexes", names))
			}

			schemas, err := schema.NewRegistry(ctx, a.backend)
			if err != nil {
				return err
			}
			h := handler.New(a.backend, schemas,
				handler.WithLogger(a.log.Named(logger.ComponentHandler)),
				handler.WithReadOnly(a.cfg.ReadOnly()...),
				handler.WithIndexes(indexMap(a.cfg)),
			)

			mux := http.NewServeMux()
			mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			mux.Handle("/", corsMiddleware(h, a.cfg.Server.AllowedOrigins))

			srv := &http.Server{
				Addr:              a.cfg.Server.Addr(),
				Handler:           mux,
				ReadHeaderTimeout: 10 * time.Second,
			}
			errc := make(chan error, 1)
			go func() { errc <- srv.ListenAndServe() }()
			log.Info("docmodel starting",
				zap.String("addr", srv.Addr),
				zap.String("store", a.backend.Name()),
				zap.String("data", a.cfg.Store.DataDir))

			select {
			case err := <-errc:
				if !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("server error: %w", err)
				}
				return nil
			case <-ctx.Done():
			}
			log.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().String("host", "", "listen host")
	cmd.Flags().Int("port", 0, "listen port")
	cmd.Flags().StringSlice("allowed-origins", nil, "CORS origins, * allows all")
	bind(v, cmd, map[string]string{
		"server.host":           "host",
		"server.port":           "port",
		"server.allowedOrigins": "allowed-origins",
	})
	return cmd
}

func newEnsureIndexesCmd(v *viper.Viper, configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "ensure-indexes",
		Short: "Create the indexes declared in the configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := setup(ctx, v, *configFile, nil)
			if err != nil {
				return err
			}
			defer a.backend.Close()

			created, err := a.ensureIndexes(ctx)
			if err != nil {
				return err
			}
			colls := make([]string, 0, len(created))
			for c := range created {
				colls = append(colls, c)
			}
			sort.Strings(colls)
			out := cmd.OutOrStdout()
			if len(colls) == 0 {
				fmt.Fprintln(out, "no indexes created")
			}
			for _, c := range colls {
				fmt.Fprintf(out, "%s: %s\n", c, strings.Join(created[c], ", "))
			}
			return nil
		},
	}
}

func indexMap(cfg *config.Config) map[string][]store.IndexSpec {
	out := make(map[string][]store.IndexSpec, len(cfg.Collections))
	for name := range cfg.Collections {
		out[name] = cfg.Indexes(name)
	}
	return out
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "docmodel:", err)
		os.Exit(1)
	}
}
