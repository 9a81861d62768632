package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "rebalance_bot"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type Prometheus struct {
	Metrics *Metrics

	registry *prometheus.Registry
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      name,
			Help:      help,
		})
	}
	cyclesRun := counter("cycles_run_total", "Total number of rebalancing cycles run.")
	cyclesNoAction := counter("cycles_no_action_total", "Total number of cycles ending in no action.")
	tradesPlanned := counter("trades_planned_total", "Total number of trade instructions planned.")
	tradesDropped := counter("trades_dropped_total", "Total number of planned trades dropped before submission.")
	ordersFilled := counter("orders_filled_total", "Total number of orders fully filled.")
	ordersPartial := counter("orders_partially_filled_total", "Total number of orders partially filled.")
	ordersRejected := counter("orders_rejected_total", "Total number of orders rejected by the exchange.")
	ordersFailed := counter("orders_failed_total", "Total number of orders failed after retry exhaustion.")

	registry.MustRegister(cyclesRun, cyclesNoAction, tradesPlanned, tradesDropped,
		ordersFilled, ordersPartial, ordersRejected, ordersFailed)

	return &Prometheus{
		Metrics: &Metrics{
			CyclesRun:      promCounter{cyclesRun},
			CyclesNoAction: promCounter{cyclesNoAction},
			TradesPlanned:  promCounter{tradesPlanned},
			TradesDropped:  promCounter{tradesDropped},
			OrdersFilled:   promCounter{ordersFilled},
			OrdersPartial:  promCounter{ordersPartial},
			OrdersRejected: promCounter{ordersRejected},
			OrdersFailed:   promCounter{ordersFailed},
		},
		registry: registry,
	}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
