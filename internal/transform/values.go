package transform

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"citypulse/internal/schema"
)

// datetimeLayouts are accepted in order when normalizing datetime fields.
var datetimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// zeroValue returns the type-appropriate substitute for a missing
// required field.
func zeroValue(t schema.ValueType) any {
	switch t {
	case schema.TypeString, schema.TypeDatetime:
		return ""
	case schema.TypeNumber:
		return 0.0
	case schema.TypeBoolean:
		return false
	case schema.TypeGeopoint:
		return map[string]any{"lat": 0.0, "lng": 0.0}
	case schema.TypeArray:
		return []any{}
	case schema.TypeObject:
		return map[string]any{}
	default:
		return nil
	}
}

// coerce converts a resolved value to its declared type.
func coerce(value any, t schema.ValueType) (any, bool) {
	switch t {
	case schema.TypeString:
		return stringify(value), true
	case schema.TypeNumber:
		f, ok := toFloat(value)
		return f, ok
	case schema.TypeBoolean:
		return toBool(value)
	case schema.TypeDatetime:
		return toDatetime(value)
	case schema.TypeGeopoint:
		return toGeopoint(value)
	case schema.TypeArray:
		list, ok := value.([]any)
		return list, ok
	case schema.TypeObject:
		m, ok := value.(map[string]any)
		return m, ok
	default:
		return nil, false
	}
}

// applyTransform runs a named transform on the extracted value.
func applyTransform(name string, value any) (any, error) {
	switch name {
	case schema.TransformCoordinates:
		return transformCoordinates(value)
	case schema.TransformTimeRange:
		return transformTimeRange(value)
	case schema.TransformLatLng:
		return transformLatLng(value)
	default:
		return nil, fmt.Errorf("transform: unknown transform %q", name)
	}
}

// transformCoordinates decodes a GeoJSON-ordered [lng, lat] pair.
func transformCoordinates(value any) (any, error) {
	pair, ok := value.([]any)
	if !ok || len(pair) < 2 {
		return nil, fmt.Errorf("transform: coordinates: want a two-element pair, got %T", value)
	}
	lng, okLng := toFloat(pair[0])
	lat, okLat := toFloat(pair[1])
	if !okLng || !okLat {
		return nil, fmt.Errorf("transform: coordinates: non-numeric pair")
	}
	return map[string]any{"lat": lat, "lng": lng}, nil
}

// transformTimeRange parses "HH:MM-HH:MM" into {start, end}.
func transformTimeRange(value any) (any, error) {
	s, ok := value.(string)
	if !ok {
		return nil, fmt.Errorf("transform: timerange: want string, got %T", value)
	}
	start, end, found := strings.Cut(s, "-")
	if !found {
		return nil, fmt.Errorf("transform: timerange: %q missing separator", s)
	}
	start = strings.TrimSpace(start)
	end = strings.TrimSpace(end)
	for _, part := range []string{start, end} {
		if _, err := time.Parse("15:04", part); err != nil {
			return nil, fmt.Errorf("transform: timerange: bad time %q", part)
		}
	}
	return map[string]any{"start": start, "end": end}, nil
}

// transformLatLng normalizes the common lat/lng spellings into {lat, lng}.
func transformLatLng(value any) (any, error) {
	switch v := value.(type) {
	case map[string]any:
		lat, okLat := firstFloat(v, "lat", "latitude")
		lng, okLng := firstFloat(v, "lng", "lon", "longitude")
		if !okLat || !okLng {
			return nil, fmt.Errorf("transform: latlng: missing lat/lng keys")
		}
		return map[string]any{"lat": lat, "lng": lng}, nil
	case []any:
		if len(v) < 2 {
			return nil, fmt.Errorf("transform: latlng: short pair")
		}
		lat, okLat := toFloat(v[0])
		lng, okLng := toFloat(v[1])
		if !okLat || !okLng {
			return nil, fmt.Errorf("transform: latlng: non-numeric pair")
		}
		return map[string]any{"lat": lat, "lng": lng}, nil
	default:
		return nil, fmt.Errorf("transform: latlng: unsupported value %T", value)
	}
}

func firstFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, key := range keys {
		if raw, ok := m[key]; ok {
			if f, ok := toFloat(raw); ok {
				return f, true
			}
		}
	}
	return 0, false
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toBool(value any) (any, bool) {
	switch v := value.(type) {
	case bool:
		return v, true
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "1", "yes", "on":
			return true, true
		case "false", "0", "no", "off":
			return false, true
		}
		return nil, false
	case float64:
		return v != 0, true
	case int:
		return v != 0, true
	default:
		return nil, false
	}
}

// toDatetime normalizes to RFC3339 UTC.
func toDatetime(value any) (any, bool) {
	s, ok := value.(string)
	if !ok {
		if f, okNum := toFloat(value); okNum {
			return time.Unix(int64(f), 0).UTC().Format(time.RFC3339), true
		}
		return nil, false
	}
	for _, layout := range datetimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC().Format(time.RFC3339), true
		}
	}
	return nil, false
}

func toGeopoint(value any) (any, bool) {
	out, err := transformLatLng(value)
	if err != nil {
		return nil, false
	}
	return out, true
}

// stringify renders a value for comparisons and lookup keys.
func stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.Itoa(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}
