package alerts

import (
	"log"
	"strconv"
	"strings"
	"time"

	"citypulse/internal/schema"
)

// Alert is one fired threshold rule, broadcast as a priority message.
type Alert struct {
	Rule       string    `json:"rule"`
	EntityType string    `json:"entityType"`
	EntityID   string    `json:"entityId"`
	Field      string    `json:"field"`
	Value      float64   `json:"value"`
	Threshold  float64   `json:"threshold"`
	Severity   string    `json:"severity"`
	ObservedAt time.Time `json:"observedAt"`
}

// Evaluator checks changed entities against the declarative alert rules
// of their entity config.
type Evaluator struct {
	logger *log.Logger
	now    func() time.Time
}

// Option customizes an Evaluator.
type Option func(*Evaluator)

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(e *Evaluator) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEvaluator constructs an Evaluator.
func NewEvaluator(logger *log.Logger, opts ...Option) *Evaluator {
	if logger == nil {
		logger = log.Default()
	}
	e := &Evaluator{logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate returns one alert per entity per matching rule. Entities
// without a numeric value for a rule's field are skipped silently; rules
// are already validated at schema load.
func (e *Evaluator) Evaluate(cfg *schema.EntityConfig, entities []map[string]any) []Alert {
	if e == nil || cfg == nil || len(cfg.Alerts) == 0 {
		return nil
	}
	observedAt := e.now().UTC()
	var fired []Alert
	for _, entity := range entities {
		id := entityID(entity, cfg.IDField)
		for _, rule := range cfg.Alerts {
			value, ok := numeric(entity[rule.Field])
			if !ok {
				continue
			}
			if !exceeds(rule.Operator, value, rule.Threshold) {
				continue
			}
			fired = append(fired, Alert{
				Rule:       rule.Name,
				EntityType: cfg.EntityType,
				EntityID:   id,
				Field:      rule.Field,
				Value:      value,
				Threshold:  rule.Threshold,
				Severity:   rule.Severity,
				ObservedAt: observedAt,
			})
		}
	}
	return fired
}

func exceeds(op schema.AlertOperator, value, threshold float64) bool {
	switch op {
	case schema.AlertGreater:
		return value > threshold
	case schema.AlertGreaterOrEqual:
		return value >= threshold
	case schema.AlertLess:
		return value < threshold
	case schema.AlertLessOrEqual:
		return value <= threshold
	default:
		return false
	}
}

func entityID(entity map[string]any, idField string) string {
	switch v := entity[idField].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}

func numeric(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
