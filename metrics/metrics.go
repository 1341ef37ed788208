// Package metrics exposes Prometheus collectors fed from the orchestrator
// event stream.
package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/foremanworks/foreman/events"
)

// Collector subscribes to the event stream and maintains counters.
type Collector struct {
	executionsStarted  prometheus.Counter
	executionsFinished *prometheus.CounterVec
	tasksFinished      *prometheus.CounterVec
	agentsSpawned      prometheus.Counter
	escalations        prometheus.Counter
	executionDuration  prometheus.Histogram

	sub    *events.Subscription
	logger *slog.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCollector registers the collectors on the given registry (nil uses the
// default registry) and subscribes to the emitter.
func NewCollector(emitter *events.Emitter, reg prometheus.Registerer, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	c := &Collector{
		executionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "foreman_executions_started_total",
			Help: "Execution runs started.",
		}),
		executionsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "foreman_executions_finished_total",
			Help: "Execution runs finished, by outcome.",
		}, []string{"outcome"}),
		tasksFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "foreman_tasks_finished_total",
			Help: "Task attempts finished, by outcome.",
		}, []string{"outcome"}),
		agentsSpawned: factory.NewCounter(prometheus.CounterOpts{
			Name: "foreman_agents_spawned_total",
			Help: "Agent instances spawned.",
		}),
		escalations: factory.NewCounter(prometheus.CounterOpts{
			Name: "foreman_escalations_total",
			Help: "Tasks escalated to the analysis worker.",
		}),
		executionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "foreman_execution_duration_seconds",
			Help:    "Wall time of finished execution runs.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		}),
		sub: emitter.Subscribe(0,
			events.ExecutionStarted,
			events.AgentSpawned,
			events.TaskCompleted,
			events.TaskFailed,
			events.BuildStuck,
			events.ExecutionCompleted,
			events.ExecutionFailed,
		),
		logger: logger,
	}
	return c
}

// Start consumes events until Stop.
func (c *Collector) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-runCtx.Done():
				return
			case ev, ok := <-c.sub.C:
				if !ok {
					return
				}
				c.observe(ev)
			}
		}
	}()
}

// Stop detaches from the emitter.
func (c *Collector) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.sub.Close()
	c.wg.Wait()
}

func (c *Collector) observe(ev events.Event) {
	switch ev.Name {
	case events.ExecutionStarted:
		c.executionsStarted.Inc()
	case events.AgentSpawned:
		c.agentsSpawned.Inc()
	case events.TaskCompleted:
		c.tasksFinished.WithLabelValues("completed").Inc()
	case events.TaskFailed:
		c.tasksFinished.WithLabelValues("failed").Inc()
	case events.BuildStuck:
		c.escalations.Inc()
	case events.ExecutionCompleted, events.ExecutionFailed:
		outcome := "completed"
		if ev.Name == events.ExecutionFailed {
			outcome = "failed"
		}
		c.executionsFinished.WithLabelValues(outcome).Inc()
		if p, ok := ev.Payload.(events.ExecutionFinishedPayload); ok {
			c.executionDuration.Observe(p.Duration.Seconds())
		}
	}
}

// Handler returns the scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
