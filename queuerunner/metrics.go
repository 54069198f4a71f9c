package queuerunner

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics are the queue runner's prometheus collectors.
type Metrics struct {
	Registry *prometheus.Registry

	QueueChecksStarted    prometheus.Counter
	QueueBuildLoads       prometheus.Counter
	QueueStepsCreated     prometheus.Counter
	QueueChecksEarlyExits prometheus.Counter
	QueueChecksFinished   prometheus.Counter
	StepsStarted          prometheus.Counter
	StepsDone             prometheus.Counter
	StepsRetried          prometheus.Counter
	BuildsFinished        prometheus.Counter
	DispatcherWakeups     prometheus.Counter
	MemoryTokensInUse     prometheus.GaugeFunc
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		Registry: registry,
		QueueChecksStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hydrogen_queue_checks_started_total",
			Help: "Number of times State::getQueuedBuilds() was started",
		}),
		QueueBuildLoads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hydrogen_queue_build_loads_total",
			Help: "Number of builds loaded",
		}),
		QueueStepsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hydrogen_queue_steps_created_total",
			Help: "Number of build steps created",
		}),
		QueueChecksEarlyExits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hydrogen_queue_checks_early_exits_total",
			Help: "Number of times a queue check exited early to allow priority bumps",
		}),
		QueueChecksFinished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hydrogen_queue_checks_finished_total",
			Help: "Number of queue checks that processed the whole backlog",
		}),
		StepsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hydrogen_steps_started_total",
			Help: "Number of build steps started",
		}),
		StepsDone: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hydrogen_steps_done_total",
			Help: "Number of build steps finished",
		}),
		StepsRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hydrogen_steps_retried_total",
			Help: "Number of build step retries",
		}),
		BuildsFinished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hydrogen_builds_finished_total",
			Help: "Number of builds finished",
		}),
		DispatcherWakeups: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hydrogen_dispatcher_wakeups_total",
			Help: "Number of dispatcher wakeups",
		}),
	}
	registry.MustRegister(
		m.QueueChecksStarted,
		m.QueueBuildLoads,
		m.QueueStepsCreated,
		m.QueueChecksEarlyExits,
		m.QueueChecksFinished,
		m.StepsStarted,
		m.StepsDone,
		m.StepsRetried,
		m.BuildsFinished,
		m.DispatcherWakeups,
	)
	return m
}

// serveMetrics exposes /metrics and /status on addr until ctx is cancelled.
func (s *State) serveMetrics(ctx context.Context, addr string) {
	log := s.logFactory("MetricsServer")

	s.metrics.MemoryTokensInUse = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "hydrogen_memory_tokens_in_use",
		Help: "Memory tokens currently held by importing workers",
	}, func() float64 {
		return float64(s.memoryTokens.InUse())
	})
	s.metrics.Registry.MustRegister(s.metrics.MemoryTokensInUse)

	router := chi.NewRouter()
	router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	router.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(s.statusJSON()))
	})

	server := &http.Server{Addr: addr, Handler: router}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Infof("serving metrics on %s/metrics", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Errorf("metrics server: %s", err)
	}
}
