// Package monitor watches backend reachability.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/zrchat/zrchat-client/internal/gateway"
	"github.com/zrchat/zrchat-client/pkg/logger"
	"github.com/zrchat/zrchat-client/pkg/metrics"
)

const (
	DefaultInterval = 30 * time.Second
	DefaultTimeout  = 5 * time.Second
)

// Options configures a Monitor.
type Options struct {
	Interval time.Duration
	Timeout  time.Duration
	// OnChange is called when reachability flips, and once after the first check.
	OnChange func(connected bool)
	Logger   *logger.Logger
}

// Monitor pings the gateway on a schedule and reports transitions.
type Monitor struct {
	pinger   gateway.Pinger
	interval time.Duration
	timeout  time.Duration
	onChange func(bool)
	logger   *logger.Logger

	cron *cron.Cron

	mu    sync.Mutex
	known bool
	up    bool
}

// New creates a monitor for p.
func New(p gateway.Pinger, opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	return &Monitor{
		pinger:   p,
		interval: opts.Interval,
		timeout:  opts.Timeout,
		onChange: opts.OnChange,
		logger:   opts.Logger.Named("monitor"),
	}
}

// Start schedules the checks and runs the first one in the background.
func (m *Monitor) Start() error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", m.interval), func() { m.Check() }); err != nil {
		return fmt.Errorf("schedule connection check: %w", err)
	}
	m.cron = c
	c.Start()
	go m.Check()
	return nil
}

// Stop cancels the schedule and waits for a running check.
func (m *Monitor) Stop() {
	if m.cron == nil {
		return
	}
	<-m.cron.Stop().Done()
}

// Check pings once and returns whether the backend answered.
func (m *Monitor) Check() bool {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	err := m.pinger.Ping(ctx)
	up := err == nil
	metrics.SetGatewayReachable(up)

	m.mu.Lock()
	changed := !m.known || m.up != up
	m.known, m.up = true, up
	m.mu.Unlock()

	if !changed {
		return up
	}
	if up {
		m.logger.Info("gateway reachable")
	} else {
		m.logger.Warn("gateway unreachable", zap.Error(err))
	}
	if m.onChange != nil {
		m.onChange(up)
	}
	return up
}

// Connected returns the last observed state. It is false before the first check.
func (m *Monitor) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.known && m.up
}
