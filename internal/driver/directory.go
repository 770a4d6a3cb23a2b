package driver

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/fleet-relay/dlr/internal/eventlog"
)

// ErrNotFound indicates a requested driver has never been seen.
var ErrNotFound = errors.New("NOT_FOUND")

// Position is a driver's last reported location.
type Position struct {
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
	RecordedAt string  `json:"recordedAt"`
}

// Driver is one directory entry.
type Driver struct {
	ID           string    `json:"id"`
	LastPosition Position  `json:"lastPosition"`
	LastEvent    string    `json:"lastEvent"`
	EventCount   int       `json:"eventCount"`
	FirstSeen    time.Time `json:"firstSeen"`
	LastSeen     time.Time `json:"lastSeen"`
}

// DriverList represents the response format for GET /drivers.
type DriverList struct {
	Count int      `json:"count"`
	Items []Driver `json:"items"`
}

// Directory tracks drivers by id.
type Directory struct {
	mu      sync.RWMutex
	drivers map[string]*Driver
}

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	return &Directory{
		drivers: make(map[string]*Driver),
	}
}

// Record updates the entry for the event's driver.
func (d *Directory) Record(event eventlog.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, exists := d.drivers[event.DriverID]
	if !exists {
		entry = &Driver{
			ID:        event.DriverID,
			FirstSeen: event.OccurredAt,
		}
		d.drivers[event.DriverID] = entry
	}

	entry.LastPosition = Position{
		Latitude:   event.Latitude,
		Longitude:  event.Longitude,
		RecordedAt: event.RecordedAt,
	}
	entry.LastEvent = event.Kind.Name
	entry.EventCount++
	entry.LastSeen = event.OccurredAt
}

// Get returns a copy of one driver's entry.
func (d *Directory) Get(driverID string) (*Driver, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	entry, exists := d.drivers[driverID]
	if !exists {
		return nil, ErrNotFound
	}
	copied := *entry
	return &copied, nil
}

// List returns every driver sorted by id.
func (d *Directory) List() *DriverList {
	d.mu.RLock()
	defer d.mu.RUnlock()

	items := make([]Driver, 0, len(d.drivers))
	for _, entry := range d.drivers {
		items = append(items, *entry)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })

	return &DriverList{
		Count: len(items),
		Items: items,
	}
}

// Len returns the number of known drivers.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.drivers)
}

// Reset forgets every driver.
func (d *Directory) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.drivers = make(map[string]*Driver)
}
