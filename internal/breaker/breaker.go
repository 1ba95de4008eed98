// Package breaker implements §4.9's CircuitBreaker: a per-tool
// closed/open/half-open state machine backed by gobreaker, created lazily
// as each tool is first seen rather than the teacher's fixed per-service
// map.
package breaker

import (
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// Config is the per-tool breaker configuration. Threshold=0 disables the
// breaker for that tool (every call passes straight through).
type Config struct {
	Threshold uint32
	Cooldown  time.Duration
}

// Manager owns one gobreaker.CircuitBreaker per tool, created on first use
// with the tool's resolved Config.
type Manager struct {
	defaultCfg Config
	perTool    map[string]Config

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// New constructs a Manager. perTool overrides the default threshold/cooldown
// for specific tool names.
func New(defaultCfg Config, perTool map[string]Config) *Manager {
	if perTool == nil {
		perTool = map[string]Config{}
	}
	return &Manager{
		defaultCfg: defaultCfg,
		perTool:    perTool,
		breakers:   make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (m *Manager) configFor(tool string) Config {
	if cfg, ok := m.perTool[tool]; ok {
		return cfg
	}
	return m.defaultCfg
}

func (m *Manager) breakerFor(tool string) *gobreaker.CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.breakers[tool]; ok {
		return b
	}

	cfg := m.configFor(tool)
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        tool,
		MaxRequests: 1, // a single probe admitted in half-open, per §4.9
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return cfg.Threshold > 0 && counts.ConsecutiveFailures >= cfg.Threshold
		},
	})
	m.breakers[tool] = b
	return b
}

// Allow reports whether a call to tool may proceed right now, without
// executing it. Used by Gate.evaluate to produce a circuit_open denial
// before attempting the backend call.
func (m *Manager) Allow(tool string) bool {
	cfg := m.configFor(tool)
	if cfg.Threshold == 0 {
		return true
	}
	return m.breakerFor(tool).State() != gobreaker.StateOpen
}

// State returns the human-readable breaker state for a tool.
func (m *Manager) State(tool string) string {
	cfg := m.configFor(tool)
	if cfg.Threshold == 0 {
		return "disabled"
	}
	return m.breakerFor(tool).State().String()
}

// Execute runs fn under the tool's breaker, recording success/failure.
// When the tool's threshold is 0 the breaker is disabled and fn runs
// unconditionally.
func (m *Manager) Execute(tool string, fn func() (interface{}, error)) (interface{}, error) {
	cfg := m.configFor(tool)
	if cfg.Threshold == 0 {
		return fn()
	}
	result, err := m.breakerFor(tool).Execute(fn)
	if err != nil && err == gobreaker.ErrOpenState {
		return nil, fmt.Errorf("breaker: circuit open for tool %q", tool)
	}
	return result, err
}
