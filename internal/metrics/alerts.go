package metrics

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/binsight/binsight-ai/internal/models"
)

// AlertRule evaluates one condition over a snapshot. Severity is fixed per
// rule; the context map carries the observed values.
type AlertRule struct {
	Name     string
	Severity models.AlertSeverity
	Check    func(Snapshot) (triggered bool, context map[string]string)
}

// DefaultRules returns the built-in alert rules.
func DefaultRules() []AlertRule {
	return []AlertRule{
		{
			Name:     "slow_decompilation",
			Severity: models.SeverityHigh,
			Check: func(s Snapshot) (bool, map[string]string) {
				if s.DecompileAvgSeconds <= 30 {
					return false, nil
				}
				return true, map[string]string{
					"avg_seconds": formatFloat(s.DecompileAvgSeconds),
					"threshold":   "30",
				}
			},
		},
		{
			Name:     "decompilation_success_rate",
			Severity: models.SeverityHigh,
			Check: func(s Snapshot) (bool, map[string]string) {
				if s.DecompilationsTotal == 0 || s.DecompilationSuccessRate >= 90 {
					return false, nil
				}
				return true, map[string]string{
					"success_rate": formatFloat(s.DecompilationSuccessRate),
					"threshold":    "90",
				}
			},
		},
		{
			Name:     "provider_circuit_open",
			Severity: models.SeverityCritical,
			Check: func(s Snapshot) (bool, map[string]string) {
				if len(s.OpenCircuits) == 0 {
					return false, nil
				}
				providers := append([]string(nil), s.OpenCircuits...)
				sort.Strings(providers)
				return true, map[string]string{
					"providers": strings.Join(providers, ","),
				}
			},
		},
		{
			Name:     "slow_llm_response",
			Severity: models.SeverityMedium,
			Check: func(s Snapshot) (bool, map[string]string) {
				if s.LLMAvgSeconds <= 15 {
					return false, nil
				}
				return true, map[string]string{
					"avg_seconds": formatFloat(s.LLMAvgSeconds),
					"threshold":   "15",
				}
			},
		},
	}
}

// AlertManager tracks active alerts across evaluations. A still-triggered rule
// updates the same deterministic id; a rule that ceases to trigger resolves
// its alert.
type AlertManager struct {
	rules []AlertRule
	log   *zap.Logger
	now   func() time.Time

	mu     sync.Mutex
	active map[string]*models.AlertRecord
}

// NewAlertManager builds a manager over the given rules.
func NewAlertManager(rules []AlertRule, log *zap.Logger) *AlertManager {
	return &AlertManager{
		rules:  rules,
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
		active: make(map[string]*models.AlertRecord),
	}
}

// Evaluate runs every rule against the snapshot and returns the alerts that
// are active afterwards plus any that resolved in this pass.
func (m *AlertManager) Evaluate(s Snapshot) []models.AlertRecord {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.AlertRecord
	for _, rule := range m.rules {
		id := models.AlertID(rule.Name)
		triggered, context := rule.Check(s)
		existing := m.active[id]

		switch {
		case triggered && existing == nil:
			rec := &models.AlertRecord{
				ID:          id,
				Name:        rule.Name,
				Severity:    rule.Severity,
				Status:      models.AlertActive,
				TriggeredAt: now,
				Context:     context,
			}
			m.active[id] = rec
			m.log.Warn("alert triggered",
				zap.String("alert", rule.Name),
				zap.String("severity", string(rule.Severity)))
			out = append(out, *rec)

		case triggered && existing != nil:
			// Same id, refreshed context; status and triggered_at persist
			// (acknowledgement survives re-evaluation).
			existing.Context = context
			out = append(out, *existing)

		case !triggered && existing != nil:
			resolved := *existing
			resolved.Status = models.AlertResolved
			resolved.ResolvedAt = &now
			delete(m.active, id)
			m.log.Info("alert resolved", zap.String("alert", rule.Name))
			out = append(out, resolved)
		}
	}
	return out
}

// Active returns the currently active alerts.
func (m *AlertManager) Active() []models.AlertRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.AlertRecord, 0, len(m.active))
	for _, rec := range m.active {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Acknowledge marks an active alert as acknowledged.
func (m *AlertManager) Acknowledge(id, by string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.active[id]
	if !ok {
		return models.ErrNotFound
	}
	rec.Status = models.AlertAcknowledged
	rec.AcknowledgedBy = by
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
