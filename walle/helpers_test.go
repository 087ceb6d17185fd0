package walle

import (
	"context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"strings"
	"testing"
)

func TestStructToSlogValue(t *testing.T) {
	t.Parallel()

	type inner struct {
		Port int `json:"port"`
	}
	type sample struct {
		Name     string   `json:"name"`
		Password string   `json:"password" log:"[redacted]"`
		Skipped  string   `json:"-"`
		Empty    string   `json:"empty"`
		Tags     []string `json:"tags,omitempty"`
		NoTag    bool
		Inner    inner    `json:"inner"`
		Pointer  *inner   `json:"pointer"`
		private  string
	}

	var buf strings.Builder
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	logger.Info(
		"sample",
		slog.Any(
			"v",
			structToSlogValue(
				sample{
					Name:     "wall-e",
					Password: "hunter2",
					Skipped:  "nope",
					NoTag:    true,
					Inner:    inner{Port: 5000},
				},
			),
		),
	)

	out := buf.String()
	assert.Contains(t, out, "v.name=wall-e")
	assert.Contains(t, out, "v.password=[redacted]")
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, "nope")
	assert.NotContains(t, out, "v.empty")
	assert.NotContains(t, out, "v.tags")
	assert.NotContains(t, out, "v.pointer")
	assert.Contains(t, out, "v.NoTag=true")
	assert.Contains(t, out, "v.inner.port=5000")

	assert.Equal(t, slog.KindAny, structToSlogValue(nil).Kind())
	assert.Equal(t, slog.KindAny, structToSlogValue((*sample)(nil)).Kind())
	assert.Equal(t, int64(3), structToSlogValue(3).Int64())
}

func TestChunkItems(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		size     int
		items    []int
		expected [][]int
	}{
		{name: "empty", size: 2, items: nil, expected: nil},
		{name: "even", size: 2, items: []int{1, 2, 3, 4}, expected: [][]int{{1, 2}, {3, 4}}},
		{name: "remainder", size: 3, items: []int{1, 2, 3, 4}, expected: [][]int{{1, 2, 3}, {4}}},
		{name: "larger than input", size: 10, items: []int{1, 2}, expected: [][]int{{1, 2}}},
	}
	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				t.Parallel()
				assert.Equal(t, tc.expected, chunkItems(tc.size, tc.items...))
			},
		)
	}
}

func TestContextLogger(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	_, ok := ContextLogger(ctx)
	assert.False(t, ok)

	fallback := slog.New(slog.NewTextHandler(&strings.Builder{}, nil))
	assert.Same(t, fallback, loggerOrDefault(ctx, fallback))
	assert.NotNil(t, loggerOrDefault(ctx, nil))

	logger := slog.New(slog.NewTextHandler(&strings.Builder{}, nil))
	ctx = WithLogger(ctx, logger)
	got, ok := ContextLogger(ctx)
	require.True(t, ok)
	assert.Same(t, logger, got)
	assert.Same(t, logger, loggerOrDefault(ctx, fallback))

	got, ok = ContextLogger(WithLogger(context.Background(), nil))
	require.True(t, ok)
	assert.NotNil(t, got)
}

func TestTLSConfigMissingFiles(t *testing.T) {
	t.Parallel()
	_, err := tlsConfig("/nonexistent/cert.pem", "/nonexistent/key.pem", 0)
	assert.Error(t, err)
}
