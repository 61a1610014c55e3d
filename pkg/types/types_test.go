package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDuration_UnmarshalYAML(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected time.Duration
		wantErr  bool
	}{
		{"seconds", "30s", 30 * time.Second, false},
		{"minutes", "5m", 5 * time.Minute, false},
		{"hours", "6h", 6 * time.Hour, false},
		{"days", "7d", 7 * 24 * time.Hour, false},
		{"weeks", "2w", 14 * 24 * time.Hour, false},
		{"fractional days", "1.5d", 36 * time.Hour, false},
		{"negative days", "-1d", -24 * time.Hour, false},
		{"garbage", "soon", 0, true},
		{"missing suffix", "30", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d Duration
			err := yaml.Unmarshal([]byte(`"`+tt.input+`"`), &d)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, time.Duration(d))
		})
	}
}

func TestDuration_JSONRoundTrip(t *testing.T) {
	var d Duration
	require.NoError(t, json.Unmarshal([]byte(`"90s"`), &d))
	assert.Equal(t, 90*time.Second, time.Duration(d))

	// Numbers are accepted as nanoseconds
	require.NoError(t, json.Unmarshal([]byte(`1000000000`), &d))
	assert.Equal(t, time.Second, time.Duration(d))

	out, err := json.Marshal(Duration(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, `"1m0s"`, string(out))
}

func TestErrorKind_Retryable(t *testing.T) {
	retryable := []ErrorKind{ErrorKindNavigationTimeout, ErrorKindNetworkError, ErrorKindEngineCrashed}
	for _, k := range retryable {
		assert.True(t, k.Retryable(), "kind %s should be retryable", k)
	}

	fatal := []ErrorKind{ErrorKindInvalidLocator, ErrorKindElementNotFound, ErrorKindUnsupportedOption}
	for _, k := range fatal {
		assert.False(t, k.Retryable(), "kind %s should be fatal", k)
	}
}

func TestRenderError_Unwrap(t *testing.T) {
	cause := assert.AnError
	err := NewRenderError(ErrorKindNetworkError, "connection refused", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "network_error")
	assert.Contains(t, err.Error(), "connection refused")
}
