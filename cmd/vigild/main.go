// Command vigild is the host daemon: it accepts observer connections,
// collects activity from whatever the user is focused on, and serves the
// timeline over HTTP.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/vigil-dev/vigil/pkg/activity"
	"github.com/vigil-dev/vigil/pkg/bus"
	"github.com/vigil-dev/vigil/pkg/collector"
	"github.com/vigil-dev/vigil/pkg/config"
	"github.com/vigil-dev/vigil/pkg/logging"
	"github.com/vigil-dev/vigil/pkg/telemetry"
	"github.com/vigil-dev/vigil/pkg/timeline"
	"github.com/vigil-dev/vigil/pkg/transport"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: standard locations)")
	trace := flag.Bool("trace", false, "export spans to stderr")
	flag.Parse()

	if err := run(*configPath, *trace); err != nil {
		fmt.Fprintln(os.Stderr, "vigild:", err)
		os.Exit(1)
	}
}

func run(configPath string, trace bool) error {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFromPath(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}

	runID := ulid.Make().String()
	logger := logging.NewNopLogger()
	if cfg.Logging.Dir != "" {
		logger, err = logging.NewLogger(cfg.Logging.Dir, runID)
		if err != nil {
			return err
		}
		defer logger.Close()
	}
	if cfg.Logging.Level != "" {
		logger.SetMinLevel(logging.Level(cfg.Logging.Level))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if configPath != "" {
		watcher, err := config.NewWatcher(configPath, logger, func(next *config.Config) {
			if next.Logging.Level != "" {
				logger.SetMinLevel(logging.Level(next.Logging.Level))
			}
		})
		if err != nil {
			return err
		}
		defer watcher.Close()
	}

	telemetryCfg := telemetry.Config{ServiceName: "vigild"}
	if trace {
		telemetryCfg.Writer = os.Stderr
	}
	shutdownTracing, err := telemetry.Init(ctx, telemetryCfg)
	if err != nil {
		return err
	}
	defer shutdownTracing(context.Background())

	eventBus, err := newBus(cfg.Bus)
	if err != nil {
		return err
	}
	defer eventBus.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	transportMetrics := transport.NewMetrics()
	if err := transportMetrics.Register(registry); err != nil {
		return err
	}
	collectorMetrics := collector.NewMetrics()
	if err := collectorMetrics.Register(registry); err != nil {
		return err
	}

	server := transport.NewServer(eventBus, logger, transportMetrics, &transport.ServerConfig{
		RequestTimeout: cfg.Transport.RequestTimeout,
	})
	defer server.Close()

	resolve := func(observerID string) (activity.Requester, bool) {
		b, ok := server.Bridge(observerID)
		if !ok {
			return nil, false
		}
		return b, true
	}

	manager := timeline.NewManager(timeline.ManagerConfig{
		Storage: timeline.StorageConfig{
			MaxActivities: cfg.Timeline.MaxActivities,
			MaxAge:        cfg.Timeline.MaxAge,
		},
		Collector: collector.Config{PollInterval: cfg.Collector.PollInterval},
	}, resolve, logger, collectorMetrics)
	if err := manager.Start(ctx, eventBus); err != nil {
		return err
	}
	defer manager.Stop()

	g, ctx := errgroup.WithContext(ctx)

	if cfg.Server.ListenAddr != "" {
		ln, err := net.Listen("tcp", cfg.Server.ListenAddr)
		if err != nil {
			return err
		}
		logger.Info(logging.CategoryTransport, "stream_listening", "", map[string]any{
			"addr": ln.Addr().String(),
		})
		g.Go(func() error {
			err := server.ServeListener(ctx, ln)
			if ctx.Err() != nil {
				return nil
			}
			return err
		})
	}

	if cfg.Server.HTTPAddr != "" {
		httpServer := &http.Server{
			Addr:    cfg.Server.HTTPAddr,
			Handler: routes(server, manager, registry),
		}
		logger.Info(logging.CategoryTransport, "http_listening", "", map[string]any{
			"addr": cfg.Server.HTTPAddr,
		})
		g.Go(func() error {
			err := httpServer.ListenAndServe()
			if err == http.ErrServerClosed {
				return nil
			}
			return err
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

func newBus(cfg config.BusConfig) (bus.MessageBus, error) {
	switch cfg.Backend {
	case "nats":
		return bus.NewNATSBus(bus.Config{URL: cfg.URL, Name: "vigild"})
	default:
		return bus.NewMemoryBus(), nil
	}
}

// routes assembles the daemon's HTTP surface: observer transports, the
// timeline query API, and metrics.
func routes(server *transport.Server, manager *timeline.Manager, registry *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/v1", func(r chi.Router) {
		r.Mount("/observers", server.Routes())
		r.Get("/ws", server.WebSocketHandler())

		r.Route("/timeline", func(r chi.Router) {
			r.Get("/current", func(w http.ResponseWriter, req *http.Request) {
				cur, ok := manager.Current()
				if !ok {
					http.Error(w, "no open activity", http.StatusNotFound)
					return
				}
				writeJSON(w, cur)
			})
			r.Get("/recent", func(w http.ResponseWriter, req *http.Request) {
				n, _ := strconv.Atoi(req.URL.Query().Get("n"))
				writeJSON(w, manager.Recent(n))
			})
			r.Get("/since", func(w http.ResponseWriter, req *http.Request) {
				t, err := time.Parse(time.RFC3339, req.URL.Query().Get("t"))
				if err != nil {
					http.Error(w, "t must be RFC 3339", http.StatusBadRequest)
					return
				}
				writeJSON(w, manager.Since(t))
			})
			r.Get("/summary", func(w http.ResponseWriter, req *http.Request) {
				writeJSON(w, manager.Summary())
			})
			r.Get("/messages", func(w http.ResponseWriter, req *http.Request) {
				writeJSON(w, manager.ConstructMessages())
			})
		})
	})

	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	return r
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
