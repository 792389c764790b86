package device

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// Logger defines the logging interface used by the Registry.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Registry caches device summaries in front of a Repository.
//
// The cache is populated on startup via RefreshCache() and kept in sync
// by Refresh after each session commit and by DeleteDevice.
//
// All public methods are thread-safe.
type Registry struct {
	repo    Repository
	cache   map[string]*Device // Cached devices by ID
	cacheMu sync.RWMutex       // Protects cache
	logger  Logger
}

// NewRegistry creates a new device registry.
// The repository is used for persistence; the registry adds caching.
func NewRegistry(repo Repository) *Registry {
	return &Registry{
		repo:   repo,
		cache:  make(map[string]*Device),
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// RefreshCache reloads all devices from the repository into the cache.
// This should be called on application startup.
func (r *Registry) RefreshCache(ctx context.Context) error {
	devices, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading devices: %w", err)
	}

	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()

	r.cache = make(map[string]*Device, len(devices))
	for i := range devices {
		d := devices[i]
		r.cache[d.ID] = d.DeepCopy()
	}

	r.logger.Info("device cache refreshed", "count", len(devices))
	return nil
}

// Refresh re-reads one device after its session has been saved.
func (r *Registry) Refresh(ctx context.Context, id string) error {
	device, err := r.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}

	r.cacheMu.Lock()
	_, known := r.cache[id]
	r.cache[id] = device
	r.cacheMu.Unlock()

	if !known {
		r.logger.Info("device registered", "id", id, "product_class", device.ProductClass)
	}
	return nil
}

// GetDevice retrieves a device by ID.
// Returns ErrDeviceNotFound if the device does not exist.
// The returned device is a deep copy; callers can safely modify it.
func (r *Registry) GetDevice(ctx context.Context, id string) (*Device, error) {
	r.cacheMu.RLock()
	cached, ok := r.cache[id]
	r.cacheMu.RUnlock()

	if ok {
		return cached.DeepCopy(), nil
	}

	// Might have been written by another process since startup
	device, err := r.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	r.cacheMu.Lock()
	r.cache[id] = device.DeepCopy()
	r.cacheMu.Unlock()

	return device, nil
}

// ListDevices returns all devices, most recent Inform first.
// The returned devices are deep copies; callers can safely modify them.
func (r *Registry) ListDevices(ctx context.Context) ([]Device, error) {
	r.cacheMu.RLock()
	if len(r.cache) == 0 {
		r.cacheMu.RUnlock()
		return r.repo.List(ctx)
	}
	devices := make([]Device, 0, len(r.cache))
	for _, d := range r.cache {
		devices = append(devices, *d.DeepCopy())
	}
	r.cacheMu.RUnlock()

	sortByLastInform(devices)
	return devices, nil
}

// GetDevicesByTag returns the devices carrying tag.
func (r *Registry) GetDevicesByTag(ctx context.Context, tag string) ([]Device, error) {
	tag = normaliseTag(tag)
	all, err := r.ListDevices(ctx)
	if err != nil {
		return nil, err
	}
	var devices []Device
	for _, d := range all {
		if slices.Contains(d.Tags, tag) {
			devices = append(devices, d)
		}
	}
	return devices, nil
}

// DeleteDevice removes a device with its stored state.
func (r *Registry) DeleteDevice(ctx context.Context, id string) error {
	if err := r.repo.Delete(ctx, id); err != nil {
		return err
	}

	r.cacheMu.Lock()
	delete(r.cache, id)
	r.cacheMu.Unlock()

	r.logger.Info("device deleted", "id", id)
	return nil
}

// GetDeviceCount returns the number of cached devices.
func (r *Registry) GetDeviceCount() int {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	return len(r.cache)
}

// Stats returns registry statistics for monitoring.
type Stats struct {
	TotalDevices   int            `json:"total_devices"`
	ByManufacturer map[string]int `json:"by_manufacturer"`
	ByProductClass map[string]int `json:"by_product_class"`
	ByTag          map[string]int `json:"by_tag"`
}

// GetStats returns current registry statistics.
func (r *Registry) GetStats() Stats {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	stats := Stats{
		TotalDevices:   len(r.cache),
		ByManufacturer: make(map[string]int),
		ByProductClass: make(map[string]int),
		ByTag:          make(map[string]int),
	}

	for _, d := range r.cache {
		stats.ByManufacturer[d.Manufacturer]++
		stats.ByProductClass[d.ProductClass]++
		for _, tag := range d.Tags {
			stats.ByTag[tag]++
		}
	}

	return stats
}

func sortByLastInform(devices []Device) {
	slices.SortFunc(devices, func(a, b Device) int {
		if c := b.LastInform.Compare(a.LastInform); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
}
