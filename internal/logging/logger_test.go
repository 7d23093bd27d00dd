package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{"", zapcore.Level(-DEFAULT)},
		{"info", zapcore.Level(-DEFAULT)},
		{"debug", zapcore.Level(-DEBUG)},
		{"trace", zapcore.Level(-TRACE)},
		{"warn", zapcore.WarnLevel},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseLevel(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := parseLevel("loud")
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	t.Parallel()

	logger, err := NewLogger("debug", true)
	require.NoError(t, err)
	assert.True(t, logger.V(DEBUG).Enabled())
	assert.False(t, logger.V(TRACE).Enabled())
}

func TestLoggerContext(t *testing.T) {
	t.Parallel()

	ctx := NewTestLoggerIntoContext(context.Background())
	assert.NotNil(t, FromContext(ctx).GetSink())
	assert.Nil(t, FromContext(context.Background()).GetSink())
}
