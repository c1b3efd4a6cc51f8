package ingest

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"

	"github.com/quantmill/marketsync/internal/catalog"
	"github.com/quantmill/marketsync/internal/provider"
)

// defaultNAValues are tokens the provider uses for "no data". Interfaces can
// override the set in the catalog.
var defaultNAValues = []string{"", "-", "—", "N/A", "n/a", "null", "NULL", "None"}

// Clean normalizes a raw batch into canonical records. Every raw record is
// processed; rows that fail coercion or lack a business-key value land in
// the reject list with a reason instead of aborting the batch. Given the
// same input, output is identical: the only timestamp involved is the
// fetchTime passed in.
func Clean(raws []provider.Record, iface *catalog.Interface, params []catalog.Param, fetchTime time.Time) ([]Record, []Reject) {
	naSet := make(map[string]bool, len(defaultNAValues))
	for _, v := range defaultNAValues {
		naSet[v] = true
	}
	for _, v := range iface.NAValues {
		naSet[v] = true
	}

	// Canonical field -> raw field. Fields absent from field_map keep
	// their name on the wire.
	rawName := make(map[string]string, len(iface.FieldMap))
	for raw, canonical := range iface.FieldMap {
		rawName[canonical] = raw
	}

	// Canonical field -> injected request parameter value.
	injected := make(map[string]string, len(iface.Inject))
	for _, inj := range iface.Inject {
		for _, p := range params {
			if p.Name == inj.Param {
				injected[inj.Field] = p.Value
			}
		}
	}

	keySet := make(map[string]bool, len(iface.BusinessKey))
	for _, k := range iface.BusinessKey {
		keySet[k] = true
	}

	records := make([]Record, 0, len(raws))
	var rejects []Reject

rowLoop:
	for _, raw := range raws {
		fields := make(map[string]any, len(iface.Schema))

		for idx := range iface.Schema {
			f := &iface.Schema[idx]

			var rawVal any
			if v, ok := injected[f.Name]; ok {
				// The value only exists in the request; the
				// provider does not echo it per row.
				rawVal = v
			} else {
				name := f.Name
				if rn, ok := rawName[f.Name]; ok {
					name = rn
				}
				rawVal = raw[name]
			}

			val, rej := coerce(f, rawVal, naSet)
			if rej != nil {
				rej.Raw = raw
				rejects = append(rejects, *rej)
				continue rowLoop
			}

			if val == nil {
				if keySet[f.Name] {
					rejects = append(rejects, Reject{
						Raw:    raw,
						Field:  f.Name,
						Reason: RejectMissingKey,
						Detail: "business-key field is null",
					})
					continue rowLoop
				}
				if !f.Nullable {
					rejects = append(rejects, Reject{
						Raw:    raw,
						Field:  f.Name,
						Reason: RejectTypeMismatch,
						Detail: "null in non-nullable field",
					})
					continue rowLoop
				}
			}

			fields[f.Name] = val
		}

		records = append(records, Record{
			Interface: iface.Name,
			FetchTime: fetchTime,
			Fields:    fields,
		})
	}

	return records, rejects
}

// coerce converts one raw value to the field's declared type. A nil return
// with nil reject means null.
func coerce(f *catalog.Field, raw any, naSet map[string]bool) (any, *Reject) {
	if raw == nil {
		return nil, nil
	}
	if s, ok := raw.(string); ok {
		if naSet[strings.TrimSpace(s)] {
			return nil, nil
		}
	}

	switch f.Type {
	case catalog.FieldString:
		return coerceString(f, raw)
	case catalog.FieldDecimal:
		return coerceDecimal(f, raw)
	case catalog.FieldDate, catalog.FieldTimestamp:
		return coerceTime(f, raw)
	case catalog.FieldBool:
		return coerceBool(f, raw)
	default:
		return nil, &Reject{Field: f.Name, Reason: RejectTypeMismatch, Detail: fmt.Sprintf("unknown type %q", f.Type)}
	}
}

func coerceString(f *catalog.Field, raw any) (any, *Reject) {
	switch v := raw.(type) {
	case string:
		return strings.TrimSpace(v), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case bool:
		return strconv.FormatBool(v), nil
	default:
		return nil, mismatch(f, raw)
	}
}

func coerceDecimal(f *catalog.Field, raw any) (any, *Reject) {
	switch v := raw.(type) {
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, &Reject{Field: f.Name, Reason: RejectOutOfRange, Detail: "non-finite value"}
		}
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		s := strings.TrimSpace(v)
		s = strings.ReplaceAll(s, ",", "")
		s = strings.TrimSuffix(s, "%")
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, mismatch(f, raw)
		}
		if math.IsNaN(parsed) || math.IsInf(parsed, 0) {
			return nil, &Reject{Field: f.Name, Reason: RejectOutOfRange, Detail: "non-finite value"}
		}
		return parsed, nil
	default:
		return nil, mismatch(f, raw)
	}
}

func coerceTime(f *catalog.Field, raw any) (any, *Reject) {
	var t time.Time
	switch v := raw.(type) {
	case time.Time:
		t = v
	case string:
		s := strings.TrimSpace(v)
		parsed, err := parseTime(f, s)
		if err != nil {
			return nil, mismatch(f, raw)
		}
		t = parsed
	case float64:
		// Numeric dates like 20240102 show up when the provider emits
		// everything as JSON numbers.
		parsed, err := parseTime(f, strconv.FormatFloat(v, 'f', -1, 64))
		if err != nil {
			return nil, mismatch(f, raw)
		}
		t = parsed
	default:
		return nil, mismatch(f, raw)
	}

	if t.Year() < 1900 || t.Year() > 2100 {
		return nil, &Reject{Field: f.Name, Reason: RejectOutOfRange, Detail: fmt.Sprintf("year %d out of range", t.Year())}
	}

	if f.Type == catalog.FieldDate {
		y, m, d := t.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
	}
	return t.UTC(), nil
}

func parseTime(f *catalog.Field, s string) (time.Time, error) {
	if f.Layout != "" {
		if t, err := time.Parse(f.Layout, s); err == nil {
			return t, nil
		}
	}
	// Declared layout missed: absorb drift in the representation, not the
	// calendar value.
	return dateparse.ParseAny(s)
}

func coerceBool(f *catalog.Field, raw any) (any, *Reject) {
	switch v := raw.(type) {
	case bool:
		return v, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "1", "yes", "y":
			return true, nil
		case "false", "0", "no", "n":
			return false, nil
		}
		return nil, mismatch(f, raw)
	case float64:
		switch v {
		case 0:
			return false, nil
		case 1:
			return true, nil
		}
		return nil, mismatch(f, raw)
	default:
		return nil, mismatch(f, raw)
	}
}

func mismatch(f *catalog.Field, raw any) *Reject {
	return &Reject{
		Field:  f.Name,
		Reason: RejectTypeMismatch,
		Detail: fmt.Sprintf("cannot coerce %T(%v) to %s", raw, raw, f.Type),
	}
}
