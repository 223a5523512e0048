package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakyPinger struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (f *flakyPinger) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

func (f *flakyPinger) set(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *flakyPinger) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestCheck_ReportsTransitionsOnly(t *testing.T) {
	p := &flakyPinger{}
	var changes []bool
	m := New(p, Options{OnChange: func(up bool) { changes = append(changes, up) }})

	assert.False(t, m.Connected())
	assert.True(t, m.Check())
	assert.True(t, m.Check())
	assert.True(t, m.Connected())

	p.set(errors.New("dial tcp: connection refused"))
	assert.False(t, m.Check())
	assert.False(t, m.Check())
	assert.False(t, m.Connected())

	p.set(nil)
	assert.True(t, m.Check())

	assert.Equal(t, []bool{true, false, true}, changes)
}

func TestStart_RunsOnSchedule(t *testing.T) {
	p := &flakyPinger{}
	m := New(p, Options{Interval: time.Second})
	require.NoError(t, m.Start())
	defer m.Stop()

	assert.Eventually(t, func() bool { return p.count() >= 2 }, 3*time.Second, 20*time.Millisecond)
	assert.True(t, m.Connected())
}

func TestStop_WithoutStart(t *testing.T) {
	m := New(&flakyPinger{}, Options{})
	m.Stop()
}
