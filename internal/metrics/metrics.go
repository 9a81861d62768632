package metrics

type Counter interface {
	Inc()
}

type Metrics struct {
	CyclesRun      Counter
	CyclesNoAction Counter
	TradesPlanned  Counter
	TradesDropped  Counter
	OrdersFilled   Counter
	OrdersPartial  Counter
	OrdersRejected Counter
	OrdersFailed   Counter
}

type noopCounter struct{}

func (noopCounter) Inc() {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		CyclesRun:      n,
		CyclesNoAction: n,
		TradesPlanned:  n,
		TradesDropped:  n,
		OrdersFilled:   n,
		OrdersPartial:  n,
		OrdersRejected: n,
		OrdersFailed:   n,
	}
}
