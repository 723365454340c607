package consent

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidateTimestamp(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		raw      string
		wantCode string
	}{
		{name: "now", raw: now.Format(time.RFC3339)},
		{name: "inside window past", raw: now.Add(-4 * time.Minute).Format(time.RFC3339Nano)},
		{name: "inside window future", raw: now.Add(4 * time.Minute).Format(TimestampLayout)},
		{name: "edge of window", raw: now.Add(-5 * time.Minute).Format(time.RFC3339)},
		{name: "epoch millis", raw: strconv.FormatInt(now.UnixMilli(), 10)},
		{name: "offset zone", raw: now.In(time.FixedZone("IST", 5*3600+1800)).Format(time.RFC3339)},
		{name: "missing", raw: "", wantCode: "MISSING_TIMESTAMP"},
		{name: "blank", raw: "   ", wantCode: "MISSING_TIMESTAMP"},
		{name: "garbage", raw: "yesterday", wantCode: "INVALID_TIMESTAMP"},
		{name: "stale", raw: now.Add(-10 * time.Minute).Format(time.RFC3339), wantCode: "INVALID_TIMESTAMP"},
		{name: "far future", raw: now.Add(6 * time.Minute).Format(time.RFC3339), wantCode: "INVALID_TIMESTAMP"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTimestamp(tt.raw, now, DefaultTimestampWindow)
			if tt.wantCode == "" {
				assert.NoError(t, err)
				return
			}
			var cerr *Error
			if assert.ErrorAs(t, err, &cerr) {
				assert.Equal(t, KindInvalidTimestamp, cerr.Kind)
				assert.Equal(t, tt.wantCode, cerr.Code)
			}
		})
	}
}
