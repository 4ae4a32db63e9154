package logger

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	active bool
	fail   bool
	queued []func()
	ticks  []int
}

func (f *fakeRunner) Active() bool { return f.active }

func (f *fakeRunner) TrySubmit(fn func(), timeoutTicks int) error {
	f.ticks = append(f.ticks, timeoutTicks)
	if f.fail {
		return errors.New("queue full")
	}
	f.queued = append(f.queued, fn)
	return nil
}

func TestAsyncWritesGoThroughRunner(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	r := &fakeRunner{active: true}
	SetAsync(r)
	defer SetAsync(nil)

	Log.Info().Msg("deferred")
	assert.Empty(t, buf.String())
	require.Len(t, r.queued, 1)

	assert.Equal(t, []int{0}, r.ticks, "async writes must not expire")

	r.queued[0]()
	assert.Contains(t, buf.String(), "deferred")
}

func TestAsyncFallsBackWhenInactiveOrFull(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	r := &fakeRunner{active: false}
	SetAsync(r)
	defer SetAsync(nil)

	Log.Info().Msg("inactive")
	assert.Contains(t, buf.String(), "inactive")

	r.active = true
	r.fail = true
	Log.Info().Msg("full")
	assert.Contains(t, buf.String(), "full")
	assert.Empty(t, r.queued)
}

func TestSetAsyncNilRestoresSync(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	SetAsync(&fakeRunner{active: true})
	assert.True(t, IsAsync())
	SetAsync(nil)
	assert.False(t, IsAsync())

	Log.Warn().Msg("now")
	assert.Contains(t, buf.String(), "now")
}

func TestSetupFileSinkAndSilent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.log")
	require.NoError(t, Setup(Options{File: path, Silent: true}))
	defer func() {
		_ = Close()
		SetLevel(zerolog.InfoLevel)
	}()

	assert.Equal(t, zerolog.ErrorLevel, zerolog.GlobalLevel())
	Log.Info().Msg("hidden")
	Log.Error().Msg("shown")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hidden")
	assert.Contains(t, string(data), "shown")
}

func TestParseLevel(t *testing.T) {
	l, err := ParseLevel("warning")
	require.NoError(t, err)
	assert.Equal(t, zerolog.WarnLevel, l)

	l, err = ParseLevel("DEBUG")
	require.NoError(t, err)
	assert.Equal(t, zerolog.DebugLevel, l)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}
