package zerolog

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

func decode(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestLogger_Levels(t *testing.T) {
	tests := []struct {
		level string
		log   func(l *Logger)
	}{
		{"debug", func(l *Logger) { l.Debug("msg", entitlement.Field{Key: "k", Value: "v"}) }},
		{"info", func(l *Logger) { l.Info("msg", entitlement.Field{Key: "k", Value: "v"}) }},
		{"warn", func(l *Logger) { l.Warn("msg", entitlement.Field{Key: "k", Value: "v"}) }},
		{"error", func(l *Logger) { l.Error("msg", entitlement.Field{Key: "k", Value: "v"}) }},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			var buf bytes.Buffer
			zlog := zerolog.New(&buf)
			tt.log(NewLogger(&zlog))

			entry := decode(t, &buf)
			assert.Equal(t, tt.level, entry["level"])
			assert.Equal(t, "msg", entry["message"])
			assert.Equal(t, "v", entry["k"])
		})
	}
}

func TestLogger_FieldTypes(t *testing.T) {
	var buf bytes.Buffer
	zlog := zerolog.New(&buf)
	NewLogger(&zlog).Info("typed",
		entitlement.Field{Key: "count", Value: 3},
		entitlement.Field{Key: "err", Value: errors.New("boom")},
		entitlement.Field{Key: "tier", Value: entitlement.TierPlus},
	)

	entry := decode(t, &buf)
	assert.Equal(t, float64(3), entry["count"])
	assert.Equal(t, "boom", entry["err"])
	assert.Equal(t, "plus", entry["tier"])
}

func TestLogger_RespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	zlog := zerolog.New(&buf).Level(zerolog.WarnLevel)
	logger := NewLogger(&zlog)

	logger.Debug("dropped")
	logger.Info("dropped")
	assert.Zero(t, buf.Len())

	logger.Warn("kept")
	assert.NotZero(t, buf.Len())
}

func TestNewLogger_Nil(t *testing.T) {
	logger := NewLogger(nil)
	assert.NotPanics(t, func() { logger.Error("nothing") })
}
