package provider

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Factory constructs a Backend. Native bindings register one from an init
// func in a build-tagged file.
type Factory func(log *zap.Logger) Backend

type registration struct {
	name    string
	factory Factory
}

var (
	registryMu sync.Mutex
	registry   []registration
)

// Register adds a named factory. Factories are tried in registration order.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	for i, r := range registry {
		if r.name == name {
			registry[i].factory = f
			return
		}
	}
	registry = append(registry, registration{name: name, factory: f})
}

// Registered returns the names of all registered factories.
func Registered() []string {
	registryMu.Lock()
	defer registryMu.Unlock()
	names := make([]string, 0, len(registry))
	for _, r := range registry {
		names = append(names, r.name)
	}
	return names
}

// Manager handles backend selection and lifecycle
type Manager struct {
	backend Backend
	mu      sync.RWMutex
	logger  *zap.Logger
}

// NewManager selects the first registered backend that is available and
// initializes, falling back to the given backend otherwise.
func NewManager(logger *zap.Logger, fallback Backend) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{logger: logger}
	if err := m.detectAndInitialize(fallback); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) detectAndInitialize(fallback Backend) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	registryMu.Lock()
	candidates := append([]registration(nil), registry...)
	registryMu.Unlock()

	for _, r := range candidates {
		b := r.factory(m.logger)
		if b == nil || !b.IsAvailable() {
			m.logger.Debug("backend not available", zap.String("backend", r.name))
			continue
		}
		if err := b.Initialize(); err != nil {
			m.logger.Warn("backend failed to initialize", zap.String("backend", r.name), zap.Error(err))
			_ = b.Cleanup()
			continue
		}
		m.backend = b
		m.logger.Info("using backend", zap.String("backend", b.Name()))
		return nil
	}

	if fallback == nil {
		return errors.New("no backend available")
	}
	if err := fallback.Initialize(); err != nil {
		return errors.Wrapf(err, "failed to initialize %s backend", fallback.Name())
	}
	m.backend = fallback
	m.logger.Info("using fallback backend", zap.String("backend", fallback.Name()))
	return nil
}

// Backend returns the current backend
func (m *Manager) Backend() Backend {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.backend
}

// Kind returns the name of the current backend or "none".
func (m *Manager) Kind() string {
	b := m.Backend()
	if b == nil {
		return "none"
	}
	return b.Name()
}

// GetDeviceInfo returns device information from the current backend
func (m *Manager) GetDeviceInfo() DeviceInfo {
	b := m.Backend()
	if b == nil {
		return DeviceInfo{Name: "No backend available"}
	}
	return b.GetDeviceInfo()
}

// Cleanup releases resources held by the current backend
func (m *Manager) Cleanup() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.backend != nil {
		if err := m.backend.Cleanup(); err != nil {
			return err
		}
		m.backend = nil
	}
	return nil
}
