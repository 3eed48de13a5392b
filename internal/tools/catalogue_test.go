package tools

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	apperrors "github.com/alexjbarnes/toolpay/internal/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCatalogue = `
tools:
  - owner: alice
    name: Weather
    description: Current weather for a city
    method: GET
    url: https://api.example.com/weather/{city}
    parameters:
      - name: city
        required: true
        in: path
      - name: units
    price: "2"
    wallet: "0xabc"
    timeout: 5s
    response_path: data.current
  - owner: alice
    name: echo
    method: POST
    url: https://echo.example.com/
    active: false
`

func writeCatalogue(t *testing.T, dir, content string) string {
	t.Helper()

	path := filepath.Join(dir, "tools.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoadCatalogue(t *testing.T) {
	path := writeCatalogue(t, t.TempDir(), sampleCatalogue)

	tools, err := LoadCatalogue(path)
	require.NoError(t, err)
	require.Len(t, tools, 2)

	w := tools[0]
	assert.Equal(t, "weather", w.Name)
	assert.True(t, decimal.NewFromInt(2).Equal(w.Price))
	assert.Equal(t, 5*time.Second, w.Timeout)
	assert.Equal(t, "data.current", w.ResponsePath)
	assert.True(t, w.Active)

	assert.False(t, tools[1].Active)
}

func TestLoadCatalogue_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad yaml", "tools: [\n"},
		{"bad price", "tools:\n  - {owner: a, name: x, url: 'https://x/', price: abc}\n"},
		{"bad timeout", "tools:\n  - {owner: a, name: x, url: 'https://x/', timeout: soon}\n"},
		{"reserved", "tools:\n  - {owner: a, name: check_balance, url: 'https://x/'}\n"},
		{"duplicate", "tools:\n  - {owner: a, name: x, url: 'https://x/'}\n  - {owner: a, name: X, url: 'https://y/'}\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadCatalogue(writeCatalogue(t, t.TempDir(), tt.content))
			assert.Error(t, err)
		})
	}

	_, err := LoadCatalogue(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestApplyCatalogue_RemovesDropped(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	tools, err := LoadCatalogue(writeCatalogue(t, t.TempDir(), sampleCatalogue))
	require.NoError(t, err)

	managed, err := ApplyCatalogue(ctx, r, tools, nil, testLogger())
	require.NoError(t, err)
	assert.Len(t, managed, 2)

	managed, err = ApplyCatalogue(ctx, r, tools[:1], managed, testLogger())
	require.NoError(t, err)
	assert.Len(t, managed, 1)

	_, err = r.Get(ctx, "alice", "echo")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	_, err = r.Get(ctx, "alice", "weather")
	require.NoError(t, err)
}

func TestCatalogueWatcher_ReloadsOnChange(t *testing.T) {
	r := newTestRegistry()
	dir := t.TempDir()
	path := writeCatalogue(t, dir, sampleCatalogue)

	w := NewCatalogueWatcher(path, r, testLogger())
	w.reloaded = make(chan struct{}, 1)
	require.NoError(t, w.Load(t.Context()))

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)

	go func() { done <- w.Watch(ctx) }()

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)

	writeCatalogue(t, dir, `
tools:
  - owner: alice
    name: weather
    description: updated
    url: https://api.example.com/weather
`)

	select {
	case <-w.reloaded:
	case <-time.After(5 * time.Second):
		t.Fatal("catalogue was not reloaded")
	}

	got, err := r.Get(t.Context(), "alice", "weather")
	require.NoError(t, err)
	assert.Equal(t, "updated", got.Description)

	_, err = r.Get(t.Context(), "alice", "echo")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	cancel()
	require.NoError(t, <-done)
}
