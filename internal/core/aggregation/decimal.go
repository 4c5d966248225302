package aggregation

import (
	"encoding/json"
	"fmt"

	"github.com/aevon-lab/exactavg/internal/core/numeric"
	"github.com/shopspring/decimal"
)

// ExtractDecimal pulls a numeric value from the event's Data map by field name
// and binds it to the rule's declared shape.
// A missing field or JSON null is SQL NULL: it is excluded from the average, never read as zero.
// Ingestion decodes with UseNumber, so json.Number is the common path and stays exact.
func ExtractDecimal(data map[string]interface{}, field string, shape numeric.Shape) (numeric.NullDecimal, error) {
	if field == "" {
		return numeric.NullDecimal{}, fmt.Errorf("no value field configured")
	}
	v, ok := data[field]
	if !ok || v == nil {
		return numeric.NullDecimal{}, nil
	}

	raw, err := rawDecimal(v)
	if err != nil {
		return numeric.NullDecimal{}, fmt.Errorf("field %q: %w", field, err)
	}
	d, err := numeric.New(raw, shape)
	if err != nil {
		return numeric.NullDecimal{}, fmt.Errorf("field %q: %w", field, err)
	}
	return numeric.NewNullDecimal(d), nil
}

func rawDecimal(v interface{}) (decimal.Decimal, error) {
	switch val := v.(type) {
	case json.Number:
		return decimal.NewFromString(val.String())
	case string:
		return decimal.NewFromString(val)
	case float64:
		return decimal.NewFromFloat(val), nil
	case float32:
		return decimal.NewFromFloat32(val), nil
	case int:
		return decimal.NewFromInt(int64(val)), nil
	case int64:
		return decimal.NewFromInt(val), nil
	case int32:
		return decimal.NewFromInt32(val), nil
	case uint64:
		return decimal.NewFromUint64(val), nil
	case decimal.Decimal:
		return val, nil
	default:
		return decimal.Decimal{}, fmt.Errorf("unsupported value type %T", v)
	}
}
