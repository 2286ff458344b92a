package detector_test

import (
	"context"
	"sync"
	"time"

	"prodline-monitor/internal/models"
)

// fakeCatalog 仅用于单元测试（内存故障字典）
type fakeCatalog struct {
	faults    map[string]map[int]*models.FaultInfo // equipment_code → bit_index → entry
	equipment map[string]bool
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		faults:    make(map[string]map[int]*models.FaultInfo),
		equipment: make(map[string]bool),
	}
}

func (f *fakeCatalog) addEquipment(code string) {
	f.equipment[code] = true
}

func (f *fakeCatalog) addFault(code string, bit int, name, desc string, marker models.FaultMarker) {
	f.equipment[code] = true
	if f.faults[code] == nil {
		f.faults[code] = make(map[int]*models.FaultInfo)
	}
	f.faults[code][bit] = &models.FaultInfo{
		EquipmentCode: code,
		BitIndex:      bit,
		Name:          name,
		Description:   desc,
		Marker:        marker,
	}
}

func (f *fakeCatalog) GetFault(ctx context.Context, equipmentCode string, bitIndex int) (*models.FaultInfo, error) {
	if byBit, ok := f.faults[equipmentCode]; ok {
		return byBit[bitIndex], nil
	}
	return nil, nil
}

func (f *fakeCatalog) EquipmentExists(ctx context.Context, equipmentCode string) (bool, error) {
	return f.equipment[equipmentCode], nil
}

// fakeStore 仅用于单元测试（内存停机事件表）
type fakeStore struct {
	mu     sync.Mutex
	events map[string]*models.DowntimeEvent // event_id → event
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		events: make(map[string]*models.DowntimeEvent),
	}
}

func (f *fakeStore) GetOpenEvent(ctx context.Context, equipmentCode string) (*models.DowntimeEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var open []*models.DowntimeEvent
	for _, e := range f.events {
		if e.EquipmentCode == equipmentCode && e.EndTime == nil {
			open = append(open, e)
		}
	}
	if len(open) == 0 {
		return nil, nil
	}
	if len(open) > 1 {
		return nil, models.ErrDuplicateOpenDowntime
	}
	copied := *open[0]
	return &copied, nil
}

func (f *fakeStore) CreateDowntimeEvent(ctx context.Context, event *models.DowntimeEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, e := range f.events {
		if e.EquipmentCode == event.EquipmentCode && e.EndTime == nil {
			return models.ErrDuplicateOpenDowntime
		}
	}
	copied := *event
	f.events[event.EventID] = &copied
	return nil
}

func (f *fakeStore) CloseDowntimeEvent(ctx context.Context, eventID string, endTime time.Time, duration time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	e, ok := f.events[eventID]
	if !ok || e.EndTime != nil {
		return models.ErrNotFound
	}
	e.EndTime = &endTime
	e.Duration = duration
	return nil
}

func (f *fakeStore) openCount(equipmentCode string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for _, e := range f.events {
		if e.EquipmentCode == equipmentCode && e.EndTime == nil {
			n++
		}
	}
	return n
}

// fakeBroadcaster 仅用于单元测试（记录广播的增量）
type fakeBroadcaster struct {
	mu     sync.Mutex
	deltas []*models.DowntimeDelta
}

func newFakeBroadcaster() *fakeBroadcaster {
	return &fakeBroadcaster{}
}

func (f *fakeBroadcaster) PublishDowntime(ctx context.Context, delta *models.DowntimeDelta) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deltas = append(f.deltas, delta)
}

func (f *fakeBroadcaster) published() []*models.DowntimeDelta {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*models.DowntimeDelta, len(f.deltas))
	copy(out, f.deltas)
	return out
}
