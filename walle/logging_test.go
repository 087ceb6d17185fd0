package walle

import (
	"bytes"
	"context"
	"errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// syncBuffer is a bytes.Buffer safe for concurrent writers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestDBLogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input    string
		expected DBLogLevel
		level    slog.Level
	}{
		{"debug", DBLogLevelDebug, slog.LevelDebug},
		{"INFO", DBLogLevelInfo, slog.LevelInfo},
		{" warn ", DBLogLevelWarn, slog.LevelWarn},
		{"WARNING", DBLogLevelWarn, slog.LevelWarn},
		{"Error", DBLogLevelError, slog.LevelError},
	}
	for _, tc := range tests {
		t.Run(
			tc.input, func(t *testing.T) {
				t.Parallel()
				var l DBLogLevel
				require.NoError(t, l.Set(tc.input))
				assert.Equal(t, tc.expected, l)
				assert.Equal(t, tc.level, l.Level())
			},
		)
	}

	var l DBLogLevel
	assert.Error(t, l.Set("INFO+2"))
	assert.Error(t, l.Set("verbose"))

	assert.Equal(t, slog.LevelInfo, DBLogLevel("bogus").Level())
}

func TestDBLogLevel_Scan(t *testing.T) {
	t.Parallel()

	var l DBLogLevel
	require.NoError(t, l.Scan([]byte("ERROR")))
	assert.Equal(t, DBLogLevelError, l)

	require.NoError(t, l.Scan("DEBUG"))
	assert.Equal(t, DBLogLevelDebug, l)

	assert.Error(t, l.Scan(42))

	v, err := DBLogLevelWarn.Value()
	require.NoError(t, err)
	assert.Equal(t, "WARN", v)
}

func TestDBLogLevel_JSON(t *testing.T) {
	t.Parallel()

	data, err := DBLogLevelInfo.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"INFO"`, string(data))

	var l DBLogLevel
	require.NoError(t, l.UnmarshalJSON([]byte(`"warning"`)))
	assert.Equal(t, DBLogLevelWarn, l)
	assert.Error(t, l.UnmarshalJSON([]byte(`"loud"`)))
	assert.Error(t, l.UnmarshalJSON([]byte(`3`)))
}

func TestGormStructuredLogger(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var buf syncBuffer
	handler := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn})
	gl := newGORMLogger(handler, 100*time.Millisecond)

	sqlFunc := func() (string, int64) { return "SELECT 1", 1 }

	gl.Trace(ctx, time.Now(), sqlFunc, nil)
	assert.Empty(t, buf.String(), "fast queries log at debug")

	gl.Trace(ctx, time.Now(), sqlFunc, gorm.ErrRecordNotFound)
	assert.Empty(t, buf.String(), "record not found isn't an error")

	gl.Trace(ctx, time.Now().Add(-time.Second), sqlFunc, nil)
	assert.Contains(t, buf.String(), "slow sql")
	assert.Contains(t, buf.String(), "SELECT 1")

	gl.Trace(ctx, time.Now(), func() (string, int64) { return "DELETE", -1 }, errors.New("locked"))
	out := buf.String()
	assert.Contains(t, out, "sql error")
	assert.Contains(t, out, "rows=-")
	assert.Contains(t, out, "locked")

	assert.Same(t, gl, gl.LogMode(0))
}
