package device

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-acs/internal/cwmp/devicedata"
	"github.com/nerrad567/gray-logic-acs/internal/cwmp/path"
)

// ─── Mock Dependencies ──────────────────────────────────────────────

// MockRepository is a test implementation of Repository holding
// summaries only.
type MockRepository struct {
	mu        sync.Mutex
	devices   map[string]*Device
	gets      int
	deleteErr error
}

func NewMockRepository() *MockRepository {
	return &MockRepository{
		devices: make(map[string]*Device),
	}
}

func (m *MockRepository) put(d *Device) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[d.ID] = d.DeepCopy()
}

func (m *MockRepository) GetByID(_ context.Context, id string) (*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.gets++
	if d, ok := m.devices[id]; ok {
		return d.DeepCopy(), nil
	}
	return nil, ErrDeviceNotFound
}

func (m *MockRepository) List(_ context.Context) ([]Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	devices := make([]Device, 0, len(m.devices))
	for _, d := range m.devices {
		devices = append(devices, *d.DeepCopy())
	}
	return devices, nil
}

func (m *MockRepository) Fetch(_ context.Context, id string, _ *path.Interner) (*devicedata.DeviceData, error) {
	if _, err := m.GetByID(context.Background(), id); err != nil {
		return nil, err
	}
	return devicedata.New(), nil
}

func (m *MockRepository) Save(_ context.Context, id string, _ *devicedata.DeviceData) error {
	m.put(&Device{ID: id})
	return nil
}

func (m *MockRepository) Parameters(context.Context, string, string) ([]Parameter, error) {
	return nil, nil
}

func (m *MockRepository) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.deleteErr != nil {
		return m.deleteErr
	}
	if _, ok := m.devices[id]; !ok {
		return ErrDeviceNotFound
	}
	delete(m.devices, id)
	return nil
}

func testDevice(id string, lastInform int64, tags ...string) *Device {
	return &Device{
		ID:           id,
		Manufacturer: "Acme",
		OUI:          "001122",
		ProductClass: "Router",
		SerialNumber: id,
		LastInform:   time.UnixMilli(lastInform).UTC(),
		Tags:         tags,
	}
}

// ─── Tests ──────────────────────────────────────────────────────────

func TestRegistry_RefreshCache(t *testing.T) {
	repo := NewMockRepository()
	repo.put(testDevice("a", 1))
	repo.put(testDevice("b", 2))

	registry := NewRegistry(repo)
	if err := registry.RefreshCache(context.Background()); err != nil {
		t.Fatalf("RefreshCache() error = %v", err)
	}
	if got := registry.GetDeviceCount(); got != 2 {
		t.Errorf("GetDeviceCount() = %d, want 2", got)
	}
}

func TestRegistry_GetDevice(t *testing.T) {
	repo := NewMockRepository()
	repo.put(testDevice("a", 1, "lab"))
	registry := NewRegistry(repo)
	ctx := context.Background()

	d, err := registry.GetDevice(ctx, "a")
	if err != nil {
		t.Fatalf("GetDevice() error = %v", err)
	}

	// Mutating the copy leaves the cache alone.
	d.Tags[0] = "changed"
	again, err := registry.GetDevice(ctx, "a")
	if err != nil {
		t.Fatalf("GetDevice() error = %v", err)
	}
	if again.Tags[0] != "lab" {
		t.Errorf("cached tags mutated: %v", again.Tags)
	}
	if repo.gets != 1 {
		t.Errorf("repository reads = %d, want 1 (second read cached)", repo.gets)
	}

	if _, err := registry.GetDevice(ctx, "missing"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("GetDevice(missing) error = %v, want ErrDeviceNotFound", err)
	}
}

func TestRegistry_Refresh(t *testing.T) {
	repo := NewMockRepository()
	registry := NewRegistry(repo)
	ctx := context.Background()

	repo.put(testDevice("a", 1))
	if err := registry.Refresh(ctx, "a"); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	repo.put(testDevice("a", 5, "lab"))
	if err := registry.Refresh(ctx, "a"); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	d, err := registry.GetDevice(ctx, "a")
	if err != nil {
		t.Fatalf("GetDevice() error = %v", err)
	}
	if len(d.Tags) != 1 || d.LastInform.UnixMilli() != 5 {
		t.Errorf("GetDevice() = %+v, want refreshed summary", d)
	}

	if err := registry.Refresh(ctx, "missing"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("Refresh(missing) error = %v, want ErrDeviceNotFound", err)
	}
}

func TestRegistry_ListDevices(t *testing.T) {
	repo := NewMockRepository()
	repo.put(testDevice("a", 1))
	repo.put(testDevice("b", 3))
	repo.put(testDevice("c", 2))
	registry := NewRegistry(repo)
	ctx := context.Background()

	if err := registry.RefreshCache(ctx); err != nil {
		t.Fatalf("RefreshCache() error = %v", err)
	}
	devices, err := registry.ListDevices(ctx)
	if err != nil {
		t.Fatalf("ListDevices() error = %v", err)
	}
	var ids []string
	for _, d := range devices {
		ids = append(ids, d.ID)
	}
	if len(ids) != 3 || ids[0] != "b" || ids[1] != "c" || ids[2] != "a" {
		t.Errorf("ListDevices() order = %v, want [b c a]", ids)
	}
}

func TestRegistry_GetDevicesByTag(t *testing.T) {
	repo := NewMockRepository()
	repo.put(testDevice("a", 1, "lab"))
	repo.put(testDevice("b", 2, "field"))
	repo.put(testDevice("c", 3, "lab", "field"))
	registry := NewRegistry(repo)
	ctx := context.Background()

	if err := registry.RefreshCache(ctx); err != nil {
		t.Fatalf("RefreshCache() error = %v", err)
	}
	devices, err := registry.GetDevicesByTag(ctx, " lab ")
	if err != nil {
		t.Fatalf("GetDevicesByTag() error = %v", err)
	}
	if len(devices) != 2 || devices[0].ID != "c" || devices[1].ID != "a" {
		t.Errorf("GetDevicesByTag(lab) = %+v, want [c a]", devices)
	}
}

func TestRegistry_DeleteDevice(t *testing.T) {
	repo := NewMockRepository()
	repo.put(testDevice("a", 1))
	registry := NewRegistry(repo)
	ctx := context.Background()

	if err := registry.RefreshCache(ctx); err != nil {
		t.Fatalf("RefreshCache() error = %v", err)
	}
	if err := registry.DeleteDevice(ctx, "a"); err != nil {
		t.Fatalf("DeleteDevice() error = %v", err)
	}
	if registry.GetDeviceCount() != 0 {
		t.Error("device still cached after delete")
	}

	repo.put(testDevice("b", 1))
	_ = registry.Refresh(ctx, "b")
	repo.deleteErr = errors.New("disk full")
	if err := registry.DeleteDevice(ctx, "b"); err == nil {
		t.Fatal("DeleteDevice() error = nil, want repository error")
	}
	if registry.GetDeviceCount() != 1 {
		t.Error("failed delete evicted the cache entry")
	}
}

func TestRegistry_GetStats(t *testing.T) {
	repo := NewMockRepository()
	repo.put(testDevice("a", 1, "lab"))
	b := testDevice("b", 2, "lab", "field")
	b.ProductClass = "ONT"
	repo.put(b)
	registry := NewRegistry(repo)

	if err := registry.RefreshCache(context.Background()); err != nil {
		t.Fatalf("RefreshCache() error = %v", err)
	}
	stats := registry.GetStats()
	if stats.TotalDevices != 2 {
		t.Errorf("TotalDevices = %d, want 2", stats.TotalDevices)
	}
	if stats.ByManufacturer["Acme"] != 2 {
		t.Errorf("ByManufacturer = %v", stats.ByManufacturer)
	}
	if stats.ByProductClass["Router"] != 1 || stats.ByProductClass["ONT"] != 1 {
		t.Errorf("ByProductClass = %v", stats.ByProductClass)
	}
	if stats.ByTag["lab"] != 2 || stats.ByTag["field"] != 1 {
		t.Errorf("ByTag = %v", stats.ByTag)
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	repo := NewMockRepository()
	repo.put(testDevice("concurrent", 1))
	registry := NewRegistry(repo)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(3)

		go func() {
			defer wg.Done()
			registry.GetDevice(ctx, "concurrent") //nolint:errcheck // exercised for races only
		}()

		go func() {
			defer wg.Done()
			registry.Refresh(ctx, "concurrent") //nolint:errcheck // exercised for races only
		}()

		go func() {
			defer wg.Done()
			registry.GetStats()
		}()
	}

	wg.Wait()

	if _, err := registry.GetDevice(ctx, "concurrent"); err != nil {
		t.Errorf("GetDevice() after concurrent access error = %v", err)
	}
}
