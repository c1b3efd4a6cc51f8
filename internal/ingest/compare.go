package ingest

import (
	"strconv"
	"strings"
	"time"

	"github.com/quantmill/marketsync/internal/catalog"
)

// KeySet holds encoded business-key tuples already present in storage.
type KeySet map[string]struct{}

// Add inserts an encoded key.
func (s KeySet) Add(key string) { s[key] = struct{}{} }

// Has reports whether an encoded key is present.
func (s KeySet) Has(key string) bool {
	_, ok := s[key]
	return ok
}

// KeyOf encodes a record's business key as a canonical string tuple. Dates
// compare by calendar day, timestamps by UTC instant, decimals by value at
// fixed precision, everything else by exact string equality.
func KeyOf(rec Record, iface *catalog.Interface) string {
	parts := make([]string, len(iface.BusinessKey))
	for idx, name := range iface.BusinessKey {
		f, _ := iface.Field(name)
		parts[idx] = keyPart(f, rec.Fields[name])
	}
	return strings.Join(parts, "|")
}

func keyPart(f *catalog.Field, v any) string {
	if v == nil {
		return ""
	}
	switch f.Type {
	case catalog.FieldDate:
		return v.(time.Time).Format("2006-01-02")
	case catalog.FieldTimestamp:
		return v.(time.Time).UTC().Format(time.RFC3339)
	case catalog.FieldDecimal:
		return strconv.FormatFloat(v.(float64), 'f', 8, 64)
	case catalog.FieldBool:
		return strconv.FormatBool(v.(bool))
	default:
		return v.(string)
	}
}

// Diff splits candidates into records whose business key is not yet stored
// and duplicates. When two candidates share a key, the first occurrence in
// batch order is kept as novel and the rest are duplicates, so conflicting
// fetches within one run resolve deterministically.
func Diff(candidates []Record, existing KeySet, iface *catalog.Interface) (novel, dups []Record) {
	seen := make(map[string]bool, len(candidates))
	for _, rec := range candidates {
		key := KeyOf(rec, iface)
		if existing.Has(key) || seen[key] {
			dups = append(dups, rec)
			continue
		}
		seen[key] = true
		novel = append(novel, rec)
	}
	return novel, dups
}
