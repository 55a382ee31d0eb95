package dbstore

import (
	"database/sql/driver"
	"fmt"
	"strconv"
	"strings"
)

// pgvector adapts a []float32 to the pgvector extension's `vector(D)`
// wire text format ("[1,2,3]"), implementing database/sql's Scanner/Valuer
// so pgx's driver.Value fallback path can read and write the column
// without a dedicated client-side vector library in the pack.
type pgvector struct {
	Slice []float32
}

func (v pgvector) Value() (driver.Value, error) {
	if v.Slice == nil {
		return nil, nil
	}
	var b strings.Builder
	b.WriteByte('[')
	for i, f := range v.Slice {
		if i != 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String(), nil
}

func (v *pgvector) Scan(src any) error {
	if src == nil {
		v.Slice = nil
		return nil
	}
	var s string
	switch t := src.(type) {
	case string:
		s = t
	case []byte:
		s = string(t)
	default:
		return fmt.Errorf("pgvector: unsupported scan source %T", src)
	}
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	if s == "" {
		v.Slice = []float32{}
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return fmt.Errorf("pgvector: parse element %d: %w", i, err)
		}
		out[i] = float32(f)
	}
	v.Slice = out
	return nil
}
