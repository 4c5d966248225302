package errors

import (
	"fmt"
	"math/big"
	"net/http"
	"testing"

	coreagg "github.com/aevon-lab/exactavg/internal/core/aggregation"
	"github.com/aevon-lab/exactavg/internal/core/numeric"
	"github.com/stretchr/testify/require"
)

func TestFromAggregation(t *testing.T) {
	exceeded := coreagg.CertifyExactness(1010, new(big.Int).Exp(big.NewInt(10), big.NewInt(20), nil), 1024)

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantType   string
	}{
		{name: "precision exceeded", err: fmt.Errorf("window: %w", exceeded), wantStatus: http.StatusUnprocessableEntity, wantType: HttpPrecisionExceededError},
		{name: "invalid shape", err: fmt.Errorf("%w: precision 0", coreagg.ErrInvalidInputShape), wantStatus: http.StatusBadRequest, wantType: HttpInvalidInputShapeError},
		{name: "corrupt", err: fmt.Errorf("%w: bad", coreagg.ErrCorruptState), wantStatus: http.StatusInternalServerError, wantType: HttpCorruptStateError},
		{name: "unknown rule", err: fmt.Errorf("%w: \"x\"", coreagg.ErrRuleNotFound), wantStatus: http.StatusNotFound, wantType: HttpRuleNotFoundError},
		{name: "output overflow", err: fmt.Errorf("divide: %w", numeric.ErrOverflow), wantStatus: http.StatusUnprocessableEntity, wantType: HttpNumericOverflowError},
		{name: "other", err: fmt.Errorf("boom"), wantStatus: http.StatusInternalServerError, wantType: HttpInternalError},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			status, resp := FromAggregation(tc.err)
			require.Equal(t, tc.wantStatus, status)
			require.Equal(t, tc.wantType, resp.ErrorType)
		})
	}

	_, resp := FromAggregation(exceeded)
	details, ok := resp.Details.(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, int64(1031), details["required_precision"])
	require.Equal(t, "100000000000000000000", details["row_count"])
}
