package metrics

// Sink records counters, gauges and histograms with labels. Components
// receive a Sink by construction; nothing in this package owns state
// beyond the registered collectors.
type Sink interface {
	IncCounter(name string, labels map[string]string)
	AddCounter(name string, value float64, labels map[string]string)
	SetGauge(name string, value float64, labels map[string]string)
	Observe(name string, value float64, labels map[string]string)
}

// Metric names used across the orchestrator.
const (
	MetricJobsTotal        = "jobs_total"
	MetricQueueDepth       = "queue_depth"
	MetricQueueWaitSeconds = "queue_wait_seconds"
	MetricStepSeconds      = "step_duration_seconds"
	MetricStepsTotal       = "steps_total"
	MetricVMBootSeconds    = "vm_boot_seconds"
	MetricPoolIdle         = "pool_idle"
	MetricPoolInUse        = "pool_in_use"
	MetricPoolExhausted    = "pool_exhausted_total"
	MetricVMCreateFailures = "vm_create_failures_total"
	MetricRequestsTotal    = "http_requests_total"
	MetricRequestSeconds   = "http_request_duration_seconds"
	MetricRateLimitHits    = "rate_limit_hits_total"
	MetricWebhooksTotal    = "webhooks_total"
)

// Nop is a Sink that discards everything. Used by the CLI and tests.
type Nop struct{}

func (Nop) IncCounter(string, map[string]string)          {}
func (Nop) AddCounter(string, float64, map[string]string) {}
func (Nop) SetGauge(string, float64, map[string]string)   {}
func (Nop) Observe(string, float64, map[string]string)    {}
