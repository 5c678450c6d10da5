package discovery

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/lanprov/lanprovd/internal/events"
	"github.com/lanprov/lanprovd/internal/metrics"
)

// DefaultDeviceTimeout is how long a device stays listed without announcing.
const DefaultDeviceTimeout = 11 * time.Second

// Registry owns the device table. One mutex serializes every mutation.
type Registry struct {
	timeout time.Duration
	bus     *events.Bus
	logger  *slog.Logger

	mu      sync.Mutex
	devices map[string]*Device
	now     func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
	loop     sync.WaitGroup
}

// NewRegistry creates an empty registry. A non-positive timeout uses
// DefaultDeviceTimeout.
func NewRegistry(timeout time.Duration, bus *events.Bus, logger *slog.Logger) *Registry {
	if timeout <= 0 {
		timeout = DefaultDeviceTimeout
	}
	return &Registry{
		timeout: timeout,
		bus:     bus,
		logger:  logger,
		devices: make(map[string]*Device),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
}

// SetClock replaces the time source. Used by tests.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
}

// Timeout returns the liveness window.
func (r *Registry) Timeout() time.Duration {
	return r.timeout
}

// Observe records an announcement received from src. It returns a copy of
// the updated record and whether the device was new.
func (r *Registry) Observe(a *Announcement, src string) (*Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	id := a.DeviceID(src)

	d, ok := r.devices[id]
	if ok {
		if now.After(d.LastSeen) {
			d.LastSeen = now
		}
		d.merge(a, src)
		metrics.Announcements.WithLabelValues("update").Inc()
		r.logger.Debug("device heartbeat", "device_id", id, "ip", d.IP)
	} else {
		d = newDevice(id, src, a, now)
		r.devices[id] = d
		metrics.Announcements.WithLabelValues("new").Inc()
		metrics.DevicesOnline.Set(float64(len(r.devices)))
		r.logger.Info("device discovered", "device_id", id, "ip", d.IP, "mac", d.MAC)
	}

	evt := events.EventDeviceUpdated
	if !ok {
		evt = events.EventDeviceDiscovered
	}
	r.bus.Publish(events.Event{
		Type:      evt,
		Timestamp: now,
		Device:    toEventData(d),
	})
	return d.Clone(), !ok
}

// Sweep evicts every device whose last announcement is older than the
// timeout, and any record without a last-seen time. It returns the ids
// removed.
func (r *Registry) Sweep() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var evicted []string
	for id, d := range r.devices {
		switch {
		case d.LastSeen.IsZero():
			r.logger.Warn("device record without last-seen, removing", "device_id", id)
		case now.Sub(d.LastSeen) > r.timeout:
			r.logger.Info("device offline",
				"device_id", id,
				"ip", d.IP,
				"last_seen", d.LastSeen.Format(time.RFC3339))
		default:
			continue
		}
		delete(r.devices, id)
		evicted = append(evicted, id)
		metrics.DeviceEvictions.Inc()
		r.bus.Publish(events.Event{
			Type:      events.EventDeviceOffline,
			Timestamp: now,
			Device:    toEventData(d),
		})
	}
	if len(evicted) > 0 {
		metrics.DevicesOnline.Set(float64(len(r.devices)))
		sort.Strings(evicted)
	}
	return evicted
}

// Start runs Sweep every interval until Stop.
func (r *Registry) Start(every time.Duration) {
	if every <= 0 {
		every = time.Second
	}
	r.loop.Add(1)
	go func() {
		defer r.loop.Done()
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-r.stop:
				return
			case <-ticker.C:
				r.Sweep()
			}
		}
	}()
}

// Stop ends the sweep loop and clears the table. Safe to call more than once.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	r.loop.Wait()

	r.mu.Lock()
	clear(r.devices)
	r.mu.Unlock()
	metrics.DevicesOnline.Set(0)
}

// List returns copies of all devices ordered by id.
func (r *Registry) List() []*Device {
	r.mu.Lock()
	out := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d.Clone())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns a copy of the device with id, or nil.
func (r *Registry) Get(id string) *Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return nil
	}
	return d.Clone()
}

// Len returns the number of devices.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.devices)
}

func toEventData(d *Device) *events.DeviceData {
	data := &events.DeviceData{
		ID:          d.ID,
		Name:        d.Name,
		MAC:         d.MAC,
		IP:          d.IP,
		NetworkType: d.NetworkType,
		Firmware:    d.Firmware,
		Runtime:     d.Runtime,
		LastSeen:    d.LastSeen.UnixMilli(),
	}
	if d.RSSI != nil {
		v := *d.RSSI
		data.RSSI = &v
	}
	return data
}
