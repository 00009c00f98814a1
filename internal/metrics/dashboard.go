package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Snapshot is a flat scalar view over the service metrics, the input to both
// dashboard generation and alert evaluation.
type Snapshot struct {
	JobsQueued     float64
	JobsProcessing float64
	JobsCompleted  float64
	JobsFailed     float64
	JobsTimedOut   float64
	JobsCancelled  float64

	DecompilationsTotal      float64
	DecompilationSuccessRate float64 // percent, 100 when no samples
	DecompileAvgSeconds      float64

	LLMRequests   float64
	LLMAvgSeconds float64
	LLMTokens     float64
	LLMCostUSD    float64
	OpenCircuits  []string

	CacheHits    float64
	CacheMisses  float64
	CacheHitRate float64 // percent, 0 when no lookups

	RateLimitAllowed float64
	RateLimitDenied  float64
}

// Gather reads the current metric families from a Prometheus gatherer into a
// Snapshot. Pass prometheus.DefaultGatherer in production.
func Gather(g prometheus.Gatherer) (Snapshot, error) {
	families, err := g.Gather()
	if err != nil {
		return Snapshot{}, err
	}
	var s Snapshot
	var decompSuccess, llmSum, llmCount, decompSum, decompCount float64

	for _, mf := range families {
		switch mf.GetName() {
		case "binsight_job_queue_depth":
			s.JobsQueued = gaugeValue(mf)
		case "binsight_jobs_processing":
			s.JobsProcessing = gaugeValue(mf)
		case "binsight_jobs_completed_total":
			for _, m := range mf.GetMetric() {
				v := m.GetCounter().GetValue()
				switch labelValue(m, "status") {
				case "completed":
					s.JobsCompleted += v
				case "failed":
					s.JobsFailed += v
				case "timeout":
					s.JobsTimedOut += v
				case "cancelled":
					s.JobsCancelled += v
				}
			}
		case "binsight_decompilations_total":
			for _, m := range mf.GetMetric() {
				v := m.GetCounter().GetValue()
				s.DecompilationsTotal += v
				if labelValue(m, "status") == "success" {
					decompSuccess += v
				}
			}
		case "binsight_decompilation_duration_seconds":
			for _, m := range mf.GetMetric() {
				decompSum += m.GetHistogram().GetSampleSum()
				decompCount += float64(m.GetHistogram().GetSampleCount())
			}
		case "binsight_llm_request_duration_seconds":
			for _, m := range mf.GetMetric() {
				llmSum += m.GetHistogram().GetSampleSum()
				llmCount += float64(m.GetHistogram().GetSampleCount())
			}
		case "binsight_llm_requests_total":
			for _, m := range mf.GetMetric() {
				s.LLMRequests += m.GetCounter().GetValue()
			}
		case "binsight_llm_tokens_total":
			for _, m := range mf.GetMetric() {
				s.LLMTokens += m.GetCounter().GetValue()
			}
		case "binsight_llm_cost_usd_total":
			for _, m := range mf.GetMetric() {
				s.LLMCostUSD += m.GetCounter().GetValue()
			}
		case "binsight_llm_circuit_open":
			for _, m := range mf.GetMetric() {
				if m.GetGauge().GetValue() >= 1 {
					s.OpenCircuits = append(s.OpenCircuits, labelValue(m, "provider"))
				}
			}
		case "binsight_cache_operations_total":
			for _, m := range mf.GetMetric() {
				v := m.GetCounter().GetValue()
				switch labelValue(m, "op") {
				case "hit":
					s.CacheHits += v
				case "miss":
					s.CacheMisses += v
				}
			}
		case "binsight_ratelimit_checks_total":
			for _, m := range mf.GetMetric() {
				v := m.GetCounter().GetValue()
				switch labelValue(m, "outcome") {
				case "allowed":
					s.RateLimitAllowed += v
				case "denied":
					s.RateLimitDenied += v
				}
			}
		}
	}

	s.DecompilationSuccessRate = 100
	if s.DecompilationsTotal > 0 {
		s.DecompilationSuccessRate = decompSuccess / s.DecompilationsTotal * 100
	}
	if decompCount > 0 {
		s.DecompileAvgSeconds = decompSum / decompCount
	}
	if llmCount > 0 {
		s.LLMAvgSeconds = llmSum / llmCount
	}
	if lookups := s.CacheHits + s.CacheMisses; lookups > 0 {
		s.CacheHitRate = s.CacheHits / lookups * 100
	}
	return s, nil
}

func gaugeValue(mf *dto.MetricFamily) float64 {
	if len(mf.GetMetric()) == 0 {
		return 0
	}
	return mf.GetMetric()[0].GetGauge().GetValue()
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

// MetricStatus is the health classification of one dashboard metric.
type MetricStatus string

const (
	StatusOK       MetricStatus = "ok"
	StatusWarning  MetricStatus = "warning"
	StatusCritical MetricStatus = "critical"
)

// Thresholds are the warn/critical bounds used to classify a metric value.
type Thresholds struct {
	Warn     float64 `json:"warn"`
	Critical float64 `json:"critical"`
}

// DashboardMetric is one value in a panel.
type DashboardMetric struct {
	Name       string       `json:"name"`
	Value      float64      `json:"value"`
	Unit       string       `json:"unit"`
	Status     MetricStatus `json:"status"`
	Thresholds *Thresholds  `json:"thresholds,omitempty"`
}

// Panel groups related dashboard metrics.
type Panel struct {
	Title   string            `json:"title"`
	Metrics []DashboardMetric `json:"metrics"`
}

// Dashboard is the full generated tree.
type Dashboard struct {
	GeneratedAt time.Time `json:"generated_at"`
	Panels      []Panel   `json:"panels"`
}

// statusAbove flags values where bigger is worse.
func statusAbove(v float64, t Thresholds) MetricStatus {
	switch {
	case v >= t.Critical:
		return StatusCritical
	case v >= t.Warn:
		return StatusWarning
	default:
		return StatusOK
	}
}

// statusBelow flags values where smaller is worse.
func statusBelow(v float64, t Thresholds) MetricStatus {
	switch {
	case v <= t.Critical:
		return StatusCritical
	case v <= t.Warn:
		return StatusWarning
	default:
		return StatusOK
	}
}

// BuildDashboard renders the panel tree for one snapshot. It is a pure
// function of its inputs.
func BuildDashboard(s Snapshot, now time.Time) Dashboard {
	decompAvg := Thresholds{Warn: 20, Critical: 30}
	successRate := Thresholds{Warn: 95, Critical: 90}
	llmAvg := Thresholds{Warn: 10, Critical: 15}
	queueDepth := Thresholds{Warn: 50, Critical: 200}

	jobs := Panel{Title: "Jobs", Metrics: []DashboardMetric{
		{Name: "queue_depth", Value: s.JobsQueued, Unit: "jobs",
			Status: statusAbove(s.JobsQueued, queueDepth), Thresholds: &queueDepth},
		{Name: "processing", Value: s.JobsProcessing, Unit: "jobs", Status: StatusOK},
		{Name: "completed", Value: s.JobsCompleted, Unit: "jobs", Status: StatusOK},
		{Name: "failed", Value: s.JobsFailed, Unit: "jobs", Status: StatusOK},
		{Name: "timed_out", Value: s.JobsTimedOut, Unit: "jobs", Status: StatusOK},
		{Name: "cancelled", Value: s.JobsCancelled, Unit: "jobs", Status: StatusOK},
	}}

	decompilation := Panel{Title: "Decompilation", Metrics: []DashboardMetric{
		{Name: "avg_duration", Value: s.DecompileAvgSeconds, Unit: "seconds",
			Status: statusAbove(s.DecompileAvgSeconds, decompAvg), Thresholds: &decompAvg},
		{Name: "success_rate", Value: s.DecompilationSuccessRate, Unit: "percent",
			Status: statusBelow(s.DecompilationSuccessRate, successRate), Thresholds: &successRate},
		{Name: "total_runs", Value: s.DecompilationsTotal, Unit: "runs", Status: StatusOK},
	}}

	circuitStatus := StatusOK
	if len(s.OpenCircuits) > 0 {
		circuitStatus = StatusCritical
	}
	llm := Panel{Title: "LLM Providers", Metrics: []DashboardMetric{
		{Name: "avg_response", Value: s.LLMAvgSeconds, Unit: "seconds",
			Status: statusAbove(s.LLMAvgSeconds, llmAvg), Thresholds: &llmAvg},
		{Name: "requests", Value: s.LLMRequests, Unit: "requests", Status: StatusOK},
		{Name: "tokens", Value: s.LLMTokens, Unit: "tokens", Status: StatusOK},
		{Name: "cost", Value: s.LLMCostUSD, Unit: "usd", Status: StatusOK},
		{Name: "open_circuits", Value: float64(len(s.OpenCircuits)), Unit: "providers",
			Status: circuitStatus},
	}}

	caching := Panel{Title: "Cache & Rate Limiting", Metrics: []DashboardMetric{
		{Name: "cache_hit_rate", Value: s.CacheHitRate, Unit: "percent", Status: StatusOK},
		{Name: "rate_limit_allowed", Value: s.RateLimitAllowed, Unit: "requests", Status: StatusOK},
		{Name: "rate_limit_denied", Value: s.RateLimitDenied, Unit: "requests", Status: StatusOK},
	}}

	return Dashboard{
		GeneratedAt: now.UTC(),
		Panels:      []Panel{jobs, decompilation, llm, caching},
	}
}
