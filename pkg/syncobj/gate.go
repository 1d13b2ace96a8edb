package syncobj

import (
	"os"
	"strconv"
	"sync"

	"github.com/srediag/shmsync/internal/logging"
	internalshm "github.com/srediag/shmsync/internal/shm"
)

// EnableEnv is the opt-in toggle for the shared-memory fast path.
const EnableEnv = "SHMSYNC_ENABLE"

var gateLogger = logging.New("gate", nil)

// Gate decides once whether the subsystem is active. The first call to
// Enabled computes the answer and every later call returns it.
type Gate struct {
	once    sync.Once
	enabled bool
	toggle  func() bool
	probe   func() error
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithToggle replaces the environment toggle.
func WithToggle(f func() bool) GateOption {
	return func(g *Gate) { g.toggle = f }
}

// WithProbe replaces the kernel futex probe.
func WithProbe(f func() error) GateOption {
	return func(g *Gate) { g.probe = f }
}

// NewGate returns a Gate reading EnableEnv and probing futex support.
func NewGate(opts ...GateOption) *Gate {
	g := &Gate{
		toggle: envToggle,
		probe:  internalshm.FutexProbe,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func envToggle() bool {
	v, ok := os.LookupEnv(EnableEnv)
	if !ok {
		return false
	}
	on, err := strconv.ParseBool(v)
	if err != nil {
		gateLogger.Warnf("ignoring %s=%q: %v", EnableEnv, v, err)
		return false
	}
	return on
}

// Enabled reports whether the subsystem is active. The toggle is checked
// before the probe, so a disabled toggle never touches the kernel.
func (g *Gate) Enabled() bool {
	g.once.Do(func() {
		if !g.toggle() {
			gateLogger.Infof("shared memory sync disabled, %s not set", EnableEnv)
			return
		}
		if err := g.probe(); err != nil {
			gateLogger.Warnf("shared memory sync unavailable: %v", err)
			return
		}
		g.enabled = true
		gateLogger.Infof("shared memory sync enabled")
	})
	return g.enabled
}

var defaultGate = NewGate()

// DefaultGate is the process-wide gate.
func DefaultGate() *Gate {
	return defaultGate
}
