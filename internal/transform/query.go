package transform

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"citypulse/internal/schema"
)

// BoundingBox is a lat/lng rectangle parsed from a query parameter.
type BoundingBox struct {
	MinLat, MinLng, MaxLat, MaxLng float64
}

// ParseBoundingBox parses "minLat,minLng,maxLat,maxLng".
func ParseBoundingBox(value string) (BoundingBox, error) {
	parts := strings.Split(value, ",")
	if len(parts) != 4 {
		return BoundingBox{}, fmt.Errorf("transform: bbox %q: want minLat,minLng,maxLat,maxLng", value)
	}
	nums := make([]float64, 4)
	for i, part := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return BoundingBox{}, fmt.Errorf("transform: bbox %q: bad number %q", value, part)
		}
		nums[i] = f
	}
	box := BoundingBox{MinLat: nums[0], MinLng: nums[1], MaxLat: nums[2], MaxLng: nums[3]}
	if box.MaxLat < box.MinLat || box.MaxLng < box.MinLng {
		return BoundingBox{}, fmt.Errorf("transform: bbox %q: max below min", value)
	}
	return box, nil
}

// Contains reports whether a geopoint value falls inside the box.
func (b BoundingBox) Contains(point any) bool {
	m, ok := point.(map[string]any)
	if !ok {
		return false
	}
	lat, okLat := toFloat(m["lat"])
	lng, okLng := toFloat(m["lng"])
	if !okLat || !okLng {
		return false
	}
	return lat >= b.MinLat && lat <= b.MaxLat && lng >= b.MinLng && lng <= b.MaxLng
}

// ApplyQuery evaluates the config's declared filters against query
// parameters, then sorts and applies any result limit. It operates purely
// on already-transformed entities.
func ApplyQuery(cfg *schema.EntityConfig, entities []map[string]any, params url.Values) ([]map[string]any, error) {
	if cfg == nil {
		return nil, schema.ErrConfigNotFound
	}
	result := append([]map[string]any(nil), entities...)
	limit := -1

	for _, filter := range cfg.Filters {
		value := params.Get(filter.Name)
		if value == "" {
			continue
		}
		var err error
		result, limit, err = applyFilter(filter, value, result, limit)
		if err != nil {
			return nil, err
		}
	}

	if cfg.Sorting != nil {
		sortEntities(result, cfg.Sorting.Field, cfg.Sorting.Direction == "desc")
	}
	if limit >= 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func applyFilter(filter schema.FilterConfig, value string, entities []map[string]any, limit int) ([]map[string]any, int, error) {
	switch filter.Operator {
	case schema.OpEquals:
		return keep(entities, func(e map[string]any) bool {
			return stringify(e[filter.Field]) == value
		}), limit, nil

	case schema.OpGTE, schema.OpLTE:
		threshold, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, limit, fmt.Errorf("transform: filter %s: bad number %q", filter.Name, value)
		}
		return keep(entities, func(e map[string]any) bool {
			f, ok := toFloat(e[filter.Field])
			if !ok {
				return false
			}
			if filter.Operator == schema.OpGTE {
				return f >= threshold
			}
			return f <= threshold
		}), limit, nil

	case schema.OpBBox:
		box, err := ParseBoundingBox(value)
		if err != nil {
			return nil, limit, err
		}
		return keep(entities, func(e map[string]any) bool {
			return box.Contains(e[filter.Field])
		}), limit, nil

	case schema.OpTimeWindow:
		from, to, err := parseWindow(value)
		if err != nil {
			return nil, limit, fmt.Errorf("transform: filter %s: %v", filter.Name, err)
		}
		return keep(entities, func(e map[string]any) bool {
			s, ok := e[filter.Field].(string)
			if !ok {
				return false
			}
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				return false
			}
			return !t.Before(from) && !t.After(to)
		}), limit, nil

	case schema.OpTimeOfDayInRange:
		if _, err := time.Parse("15:04", value); err != nil {
			return nil, limit, fmt.Errorf("transform: filter %s: bad time of day %q", filter.Name, value)
		}
		return keep(entities, func(e map[string]any) bool {
			return timeOfDayInRange(e[filter.Field], value)
		}), limit, nil

	case schema.OpLimit:
		parsed, err := strconv.Atoi(value)
		if err != nil || parsed < 0 {
			return nil, limit, fmt.Errorf("transform: filter %s: bad limit %q", filter.Name, value)
		}
		return entities, parsed, nil

	default:
		return nil, limit, fmt.Errorf("transform: filter %s: unknown operator %q", filter.Name, filter.Operator)
	}
}

func keep(entities []map[string]any, pred func(map[string]any) bool) []map[string]any {
	out := entities[:0]
	for _, e := range entities {
		if pred(e) {
			out = append(out, e)
		}
	}
	return out
}

func parseWindow(value string) (time.Time, time.Time, error) {
	fromStr, toStr, found := strings.Cut(value, ",")
	if !found {
		return time.Time{}, time.Time{}, fmt.Errorf("want from,to")
	}
	from, err := time.Parse(time.RFC3339, strings.TrimSpace(fromStr))
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("bad from %q", fromStr)
	}
	to, err := time.Parse(time.RFC3339, strings.TrimSpace(toStr))
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("bad to %q", toStr)
	}
	return from, to, nil
}

// timeOfDayInRange checks a {start, end} time-range value against an
// "HH:MM" instant. Ranges wrapping midnight are honored.
func timeOfDayInRange(rangeValue any, instant string) bool {
	m, ok := rangeValue.(map[string]any)
	if !ok {
		return false
	}
	start, okStart := m["start"].(string)
	end, okEnd := m["end"].(string)
	if !okStart || !okEnd {
		return false
	}
	if end < start {
		return instant >= start || instant <= end
	}
	return instant >= start && instant <= end
}

// sortEntities performs the single stable sort declared by the config.
func sortEntities(entities []map[string]any, field string, descending bool) {
	sort.SliceStable(entities, func(i, j int) bool {
		if descending {
			return lessValue(entities[j][field], entities[i][field])
		}
		return lessValue(entities[i][field], entities[j][field])
	})
}

func lessValue(a, b any) bool {
	fa, okA := toFloat(a)
	fb, okB := toFloat(b)
	if okA && okB {
		return fa < fb
	}
	return stringify(a) < stringify(b)
}
