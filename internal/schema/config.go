package schema

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValueType enumerates the declared field value types.
type ValueType string

const (
	TypeString   ValueType = "string"
	TypeNumber   ValueType = "number"
	TypeBoolean  ValueType = "boolean"
	TypeDatetime ValueType = "datetime"
	TypeGeopoint ValueType = "geopoint"
	TypeArray    ValueType = "array"
	TypeObject   ValueType = "object"
	TypeComputed ValueType = "computed"
)

// Valid returns true when the value type is supported.
func (t ValueType) Valid() bool {
	switch t {
	case TypeString, TypeNumber, TypeBoolean, TypeDatetime, TypeGeopoint, TypeArray, TypeObject, TypeComputed:
		return true
	default:
		return false
	}
}

// Known transform identifiers.
const (
	TransformCoordinates = "coordinates"
	TransformTimeRange   = "timerange"
	TransformLatLng      = "latlng"
)

// Known filter operators.
const (
	OpEquals           = "equals"
	OpGTE              = "gte"
	OpLTE              = "lte"
	OpBBox             = "bbox"
	OpTimeWindow       = "timeWindow"
	OpTimeOfDayInRange = "timeOfDayInRange"
	OpLimit            = "limit"
)

// Computation kinds.
const (
	ComputeCategorical = "categorical"
	ComputeMapping     = "mapping"
	ComputeGeoJSON     = "geoJson"
)

// FieldConfig describes how one output field is derived from a raw record.
type FieldConfig struct {
	Path             string    `yaml:"path"`
	AlternativePaths []string  `yaml:"alternativePaths"`
	Type             ValueType `yaml:"type"`
	Required         bool      `yaml:"required"`
	Default          any       `yaml:"default"`
	Transform        string    `yaml:"transform"`
	Validate         string    `yaml:"validate"`
	Computation      string    `yaml:"computation"`
	DependsOn        []string  `yaml:"dependsOn"`
}

// CategoricalRule maps a threshold condition to a result, first match wins.
type CategoricalRule struct {
	When   string `yaml:"when"`
	Result any    `yaml:"result"`
}

// ComputationConfig describes a derived-field computation.
type ComputationConfig struct {
	Kind    string            `yaml:"kind"`
	Rules   []CategoricalRule `yaml:"rules"`
	Mapping map[string]any    `yaml:"mapping"`
}

// JoinConfig copies selected fields from a related entity of another type.
type JoinConfig struct {
	Target       string   `yaml:"target"`
	LocalField   string   `yaml:"localField"`
	ForeignField string   `yaml:"foreignField"`
	MergeFields  []string `yaml:"mergeFields"`
}

// FilterConfig binds a query parameter name to a field and operator.
type FilterConfig struct {
	Name     string `yaml:"name"`
	Field    string `yaml:"field"`
	Operator string `yaml:"operator"`
}

// SortConfig is the single (field, direction) sort applied after filtering.
type SortConfig struct {
	Field     string `yaml:"field"`
	Direction string `yaml:"direction"`
}

// AlertOperator compares a field value to a threshold.
type AlertOperator string

const (
	AlertGreater        AlertOperator = ">"
	AlertGreaterOrEqual AlertOperator = ">="
	AlertLess           AlertOperator = "<"
	AlertLessOrEqual    AlertOperator = "<="
)

// Valid returns true when the operator is supported.
func (o AlertOperator) Valid() bool {
	switch o {
	case AlertGreater, AlertGreaterOrEqual, AlertLess, AlertLessOrEqual:
		return true
	default:
		return false
	}
}

// AlertRule declares a threshold rule evaluated on changed entities.
type AlertRule struct {
	Name      string        `yaml:"name"`
	Field     string        `yaml:"field"`
	Operator  AlertOperator `yaml:"operator"`
	Threshold float64       `yaml:"threshold"`
	Severity  string        `yaml:"severity"`
}

// FieldMap preserves the document order of field declarations.
type FieldMap struct {
	names  []string
	byName map[string]FieldConfig
}

// UnmarshalYAML decodes a mapping node keeping key order.
func (m *FieldMap) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return errors.New("schema: fields must be a mapping")
	}
	m.byName = make(map[string]FieldConfig, len(value.Content)/2)
	for i := 0; i+1 < len(value.Content); i += 2 {
		name := value.Content[i].Value
		var fc FieldConfig
		if err := value.Content[i+1].Decode(&fc); err != nil {
			return fmt.Errorf("schema: field %q: %w", name, err)
		}
		if _, dup := m.byName[name]; dup {
			return fmt.Errorf("schema: duplicate field %q", name)
		}
		m.names = append(m.names, name)
		m.byName[name] = fc
	}
	return nil
}

// Names returns field names in declaration order.
func (m *FieldMap) Names() []string {
	return m.names
}

// Get returns the config for a field name.
func (m *FieldMap) Get(name string) (FieldConfig, bool) {
	fc, ok := m.byName[name]
	return fc, ok
}

// Len returns the number of declared fields.
func (m *FieldMap) Len() int {
	return len(m.names)
}

// EntityConfig is the full declarative description of one entity type.
type EntityConfig struct {
	EntityType   string                       `yaml:"entityType"`
	BrokerType   string                       `yaml:"brokerType"`
	IDField      string                       `yaml:"idField"`
	MarkerField  string                       `yaml:"markerField"`
	Fields       FieldMap                     `yaml:"fields"`
	Joins        []JoinConfig                 `yaml:"joins"`
	Filters      []FilterConfig               `yaml:"filters"`
	Sorting      *SortConfig                  `yaml:"sorting"`
	Computations map[string]ComputationConfig `yaml:"computations"`
	Alerts       []AlertRule                  `yaml:"alerts"`
}

func (c *EntityConfig) validate(declared map[string]struct{}) error {
	if c.EntityType == "" {
		return errors.New("schema: empty entityType")
	}
	if c.BrokerType == "" {
		return fmt.Errorf("schema: %s: empty brokerType", c.EntityType)
	}
	if c.Fields.Len() == 0 {
		return fmt.Errorf("schema: %s: no fields declared", c.EntityType)
	}
	for _, name := range c.Fields.Names() {
		fc, _ := c.Fields.Get(name)
		if err := c.validateField(name, fc); err != nil {
			return err
		}
	}
	for _, join := range c.Joins {
		if join.Target == "" || join.LocalField == "" || join.ForeignField == "" {
			return fmt.Errorf("schema: %s: incomplete join", c.EntityType)
		}
		if _, ok := declared[join.Target]; !ok {
			return fmt.Errorf("schema: %s: join references undeclared entity type %q", c.EntityType, join.Target)
		}
		if len(join.MergeFields) == 0 {
			return fmt.Errorf("schema: %s: join on %q has no mergeFields", c.EntityType, join.Target)
		}
	}
	for _, filter := range c.Filters {
		if filter.Name == "" {
			return fmt.Errorf("schema: %s: filter without name", c.EntityType)
		}
		switch filter.Operator {
		case OpEquals, OpGTE, OpLTE, OpBBox, OpTimeWindow, OpTimeOfDayInRange:
			if filter.Field == "" {
				return fmt.Errorf("schema: %s: filter %q without field", c.EntityType, filter.Name)
			}
		case OpLimit:
		default:
			return fmt.Errorf("schema: %s: filter %q has unknown operator %q", c.EntityType, filter.Name, filter.Operator)
		}
	}
	if c.Sorting != nil {
		if c.Sorting.Field == "" {
			return fmt.Errorf("schema: %s: sorting without field", c.EntityType)
		}
		switch c.Sorting.Direction {
		case "", "asc", "desc":
		default:
			return fmt.Errorf("schema: %s: sorting direction %q unknown", c.EntityType, c.Sorting.Direction)
		}
	}
	for name, comp := range c.Computations {
		if err := validateComputation(c.EntityType, name, comp); err != nil {
			return err
		}
	}
	for _, rule := range c.Alerts {
		if rule.Name == "" || rule.Field == "" {
			return fmt.Errorf("schema: %s: incomplete alert rule", c.EntityType)
		}
		if !rule.Operator.Valid() {
			return fmt.Errorf("schema: %s: alert %q has invalid operator %q", c.EntityType, rule.Name, rule.Operator)
		}
	}
	return nil
}

func (c *EntityConfig) validateField(name string, fc FieldConfig) error {
	if !fc.Type.Valid() {
		return fmt.Errorf("schema: %s.%s: unknown field type %q", c.EntityType, name, fc.Type)
	}
	if fc.Type == TypeComputed {
		if fc.Computation == "" {
			return fmt.Errorf("schema: %s.%s: computed field without computation", c.EntityType, name)
		}
		if _, ok := c.Computations[fc.Computation]; !ok {
			return fmt.Errorf("schema: %s.%s: unknown computation %q", c.EntityType, name, fc.Computation)
		}
		if len(fc.DependsOn) == 0 {
			return fmt.Errorf("schema: %s.%s: computed field without dependencies", c.EntityType, name)
		}
		for _, dep := range fc.DependsOn {
			depCfg, ok := c.Fields.Get(dep)
			if !ok {
				return fmt.Errorf("schema: %s.%s: depends on undeclared field %q", c.EntityType, name, dep)
			}
			if depCfg.Type == TypeComputed {
				return fmt.Errorf("schema: %s.%s: depends on computed field %q", c.EntityType, name, dep)
			}
		}
		return nil
	}
	if fc.Path == "" {
		return fmt.Errorf("schema: %s.%s: empty path", c.EntityType, name)
	}
	switch fc.Transform {
	case "", TransformCoordinates, TransformTimeRange, TransformLatLng:
	default:
		return fmt.Errorf("schema: %s.%s: unknown transform %q", c.EntityType, name, fc.Transform)
	}
	if fc.Validate != "" {
		if _, err := ParseValidation(fc.Validate); err != nil {
			return fmt.Errorf("schema: %s.%s: %w", c.EntityType, name, err)
		}
	}
	return nil
}

func validateComputation(entityType, name string, comp ComputationConfig) error {
	switch comp.Kind {
	case ComputeCategorical:
		if len(comp.Rules) == 0 {
			return fmt.Errorf("schema: %s: categorical computation %q has no rules", entityType, name)
		}
		for _, rule := range comp.Rules {
			if _, _, err := ParseCondition(rule.When); err != nil {
				return fmt.Errorf("schema: %s: computation %q: %w", entityType, name, err)
			}
		}
	case ComputeMapping:
		if len(comp.Mapping) == 0 {
			return fmt.Errorf("schema: %s: mapping computation %q has no entries", entityType, name)
		}
	case ComputeGeoJSON:
		// Deferred: placeholder kind, accepted but evaluates to nothing.
	default:
		return fmt.Errorf("schema: %s: computation %q has unknown kind %q", entityType, name, comp.Kind)
	}
	return nil
}

// ParseCondition parses a categorical condition of the form "<op><threshold>".
func ParseCondition(cond string) (string, float64, error) {
	cond = strings.TrimSpace(cond)
	for _, op := range []string{"<=", ">=", "<", ">", "=="} {
		if strings.HasPrefix(cond, op) {
			threshold, err := strconv.ParseFloat(strings.TrimSpace(cond[len(op):]), 64)
			if err != nil {
				return "", 0, fmt.Errorf("schema: condition %q: bad threshold", cond)
			}
			return op, threshold, nil
		}
	}
	return "", 0, fmt.Errorf("schema: condition %q: missing operator", cond)
}

// Validation is a parsed field validation rule.
type Validation struct {
	NonNegative bool
	HasRange    bool
	Min         float64
	Max         float64
}

// ParseValidation parses "nonNegative" or "range:<min>:<max>".
func ParseValidation(rule string) (Validation, error) {
	if rule == "nonNegative" {
		return Validation{NonNegative: true}, nil
	}
	if rest, ok := strings.CutPrefix(rule, "range:"); ok {
		parts := strings.SplitN(rest, ":", 2)
		if len(parts) != 2 {
			return Validation{}, fmt.Errorf("schema: validation %q: want range:<min>:<max>", rule)
		}
		min, err := strconv.ParseFloat(parts[0], 64)
		if err != nil {
			return Validation{}, fmt.Errorf("schema: validation %q: bad min", rule)
		}
		max, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			return Validation{}, fmt.Errorf("schema: validation %q: bad max", rule)
		}
		if max < min {
			return Validation{}, fmt.Errorf("schema: validation %q: max below min", rule)
		}
		return Validation{HasRange: true, Min: min, Max: max}, nil
	}
	return Validation{}, fmt.Errorf("schema: unknown validation rule %q", rule)
}

// Ok reports whether a numeric value passes the rule.
func (v Validation) Ok(value float64) bool {
	if v.NonNegative && value < 0 {
		return false
	}
	if v.HasRange && (value < v.Min || value > v.Max) {
		return false
	}
	return true
}
