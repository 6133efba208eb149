package radio

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"tinygo.org/x/bluetooth"

	"github.com/chaz8081/gattflow/internal/engine"
	"github.com/chaz8081/gattflow/internal/op"
	"github.com/chaz8081/gattflow/internal/task"
)

// ErrUnsupported is returned for operations the platform binding cannot
// perform.
var ErrUnsupported = errors.New("radio: operation not supported")

// ErrNotConnected is returned for link operations on a node with no link.
var ErrNotConnected = errors.New("radio: not connected")

// Bluetooth drives a host adapter through tinygo bluetooth. Node keys are
// the platform addresses: MAC strings on Linux and Windows, CoreBluetooth
// UUIDs on macOS.
type Bluetooth struct {
	adapter *bluetooth.Adapter
	log     *zap.Logger
	filter  *bluetooth.UUID // scan service filter, nil for all

	enabled atomic.Bool

	mu           sync.Mutex
	links        map[string]*link
	onDisconnect func(string, error)
	onNotify     func(node, characteristic string, data []byte)
	scanning     *operation
}

type link struct {
	device   bluetooth.Device
	chars    map[string]bluetooth.DeviceCharacteristic // by charKey
	services []string
}

// operation is the Handle returned by Start.
type operation struct {
	kind    op.Kind
	node    string
	aborted atomic.Bool
}

// NewBluetooth wraps the default host adapter. scanService, when non-empty,
// limits scans to peripherals advertising that service.
func NewBluetooth(log *zap.Logger, scanService string) (*Bluetooth, error) {
	if log == nil {
		log = zap.NewNop()
	}
	b := &Bluetooth{
		adapter: bluetooth.DefaultAdapter,
		log:     log.Named("radio"),
		links:   make(map[string]*link),
	}
	if scanService != "" {
		u, err := parseUUID(scanService)
		if err != nil {
			return nil, err
		}
		b.filter = &u
	}
	return b, nil
}

// Enable powers on the adapter and installs the connection handler that
// reports peripheral-initiated disconnects.
func (b *Bluetooth) Enable() error {
	if err := b.adapter.Enable(); err != nil {
		return fmt.Errorf("radio: enable adapter: %w", err)
	}
	b.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		key := device.Address.String()
		b.mu.Lock()
		_, tracked := b.links[key]
		delete(b.links, key)
		fn := b.onDisconnect
		b.mu.Unlock()
		if !tracked {
			return
		}
		b.log.Info("peripheral disconnected", zap.String("node", key))
		if fn != nil {
			fn(key, errors.New("radio: peripheral disconnected"))
		}
	})
	b.enabled.Store(true)
	return nil
}

// OnDisconnect registers the link loss callback.
func (b *Bluetooth) OnDisconnect(fn func(node string, err error)) {
	b.mu.Lock()
	b.onDisconnect = fn
	b.mu.Unlock()
}

// OnNotify registers the callback for characteristic notifications.
func (b *Bluetooth) OnNotify(fn func(node, characteristic string, data []byte)) {
	b.mu.Lock()
	b.onNotify = fn
	b.mu.Unlock()
}

// PhysicalState reports what the adapter knows about node. Bond state is
// not exposed by the binding.
func (b *Bluetooth) PhysicalState(node string) engine.RawState {
	if node == engine.ManagerKey {
		return engine.RawState{RadioOn: b.enabled.Load()}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.links[node]
	return engine.RawState{Connected: ok}
}

// Start runs one operation on its own goroutine; tinygo calls block.
func (b *Bluetooth) Start(kind op.Kind, node string, params task.Params, done func(engine.Completion)) (engine.Handle, error) {
	o := &operation{kind: kind, node: node}
	var run func() engine.Completion

	switch kind {
	case op.Connect:
		run = func() engine.Completion { return b.connect(o) }
	case op.Disconnect:
		run = func() engine.Completion { return b.disconnect(node) }
	case op.DiscoverServices:
		run = func() engine.Completion { return b.discover(node) }
	case op.Read:
		run = func() engine.Completion { return b.read(node, params) }
	case op.Write:
		run = func() engine.Completion { return b.write(node, params) }
	case op.ToggleNotify:
		run = func() engine.Completion { return b.toggleNotify(node, params) }
	case op.Scan:
		if !b.enabled.Load() {
			return nil, errors.New("radio: adapter not enabled")
		}
		b.mu.Lock()
		if b.scanning != nil {
			b.mu.Unlock()
			return nil, errors.New("radio: scan already running")
		}
		b.scanning = o
		b.mu.Unlock()
		run = func() engine.Completion { return b.scan(o, params.Duration) }
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, kind)
	}

	go func() {
		c := run()
		if o.aborted.Load() {
			b.log.Debug("dropping result of aborted operation", zap.Stringer("kind", kind), zap.String("node", node))
			return
		}
		done(c)
	}()
	return o, nil
}

// Abort stops a scan, or marks an operation so its result is dropped. A
// connect that completes after being aborted is torn down.
func (b *Bluetooth) Abort(h engine.Handle) error {
	o, ok := h.(*operation)
	if !ok {
		return fmt.Errorf("radio: bad handle %T", h)
	}
	o.aborted.Store(true)
	if o.kind == op.Scan {
		if err := b.adapter.StopScan(); err != nil {
			return fmt.Errorf("radio: stop scan: %w", err)
		}
	}
	return nil
}

func (b *Bluetooth) connect(o *operation) engine.Completion {
	var addr bluetooth.Address
	addr.Set(o.node)
	device, err := b.adapter.Connect(addr, bluetooth.ConnectionParams{})
	if err != nil {
		return engine.Completion{Err: fmt.Errorf("radio: connect to %s: %w", o.node, err)}
	}
	if o.aborted.Load() {
		if err := device.Disconnect(); err != nil {
			b.log.Warn("disconnect after aborted connect failed", zap.String("node", o.node), zap.Error(err))
		}
		return engine.Completion{}
	}
	b.mu.Lock()
	b.links[o.node] = &link{device: device, chars: make(map[string]bluetooth.DeviceCharacteristic)}
	b.mu.Unlock()
	b.log.Info("connected", zap.String("node", o.node))
	return engine.Completion{}
}

func (b *Bluetooth) disconnect(node string) engine.Completion {
	b.mu.Lock()
	l, ok := b.links[node]
	delete(b.links, node)
	b.mu.Unlock()
	if !ok {
		return engine.Completion{}
	}
	if err := l.device.Disconnect(); err != nil {
		return engine.Completion{Err: fmt.Errorf("radio: disconnect %s: %w", node, err)}
	}
	return engine.Completion{}
}

func (b *Bluetooth) link(node string) (*link, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.links[node]
	if !ok {
		return nil, fmt.Errorf("%s: %w: %w", node, op.ErrInvalidState, ErrNotConnected)
	}
	return l, nil
}

// discover walks every service and caches its characteristics.
func (b *Bluetooth) discover(node string) engine.Completion {
	l, err := b.link(node)
	if err != nil {
		return engine.Completion{Err: err}
	}
	svcs, err := l.device.DiscoverServices(nil)
	if err != nil {
		return engine.Completion{Err: fmt.Errorf("radio: discover services: %w", err)}
	}

	chars := make(map[string]bluetooth.DeviceCharacteristic)
	services := make([]string, 0, len(svcs))
	for _, svc := range svcs {
		services = append(services, svc.UUID().String())
		found, err := svc.DiscoverCharacteristics(nil)
		if err != nil {
			return engine.Completion{Err: fmt.Errorf("radio: discover characteristics of %s: %w", svc.UUID(), err)}
		}
		for _, c := range found {
			chars[svc.UUID().String()+"/"+c.UUID().String()] = c
		}
	}
	sort.Strings(services)

	b.mu.Lock()
	l.chars = chars
	l.services = services
	b.mu.Unlock()
	b.log.Debug("services discovered", zap.String("node", node), zap.Int("services", len(services)), zap.Int("characteristics", len(chars)))
	return engine.Completion{Services: services}
}

func (b *Bluetooth) characteristic(node string, p task.Params) (bluetooth.DeviceCharacteristic, error) {
	l, err := b.link(node)
	if err != nil {
		return bluetooth.DeviceCharacteristic{}, err
	}
	key, err := charKey(p.Service, p.Characteristic)
	if err != nil {
		return bluetooth.DeviceCharacteristic{}, err
	}
	b.mu.Lock()
	c, ok := l.chars[key]
	b.mu.Unlock()
	if !ok {
		return bluetooth.DeviceCharacteristic{}, fmt.Errorf("radio: characteristic %s not found: %w", key, op.ErrInvalidState)
	}
	return c, nil
}

func (b *Bluetooth) read(node string, p task.Params) engine.Completion {
	c, err := b.characteristic(node, p)
	if err != nil {
		return engine.Completion{Err: err}
	}
	buf := make([]byte, 512)
	n, err := c.Read(buf)
	if err != nil {
		return engine.Completion{Err: fmt.Errorf("radio: read %s: %w", p.Characteristic, err)}
	}
	return engine.Completion{Value: buf[:n]}
}

func (b *Bluetooth) write(node string, p task.Params) engine.Completion {
	c, err := b.characteristic(node, p)
	if err != nil {
		return engine.Completion{Err: err}
	}
	if p.NoResponse {
		_, err = c.WriteWithoutResponse(p.Data)
	} else {
		_, err = c.Write(p.Data)
	}
	if err != nil {
		return engine.Completion{Err: fmt.Errorf("radio: write %s: %w", p.Characteristic, err)}
	}
	return engine.Completion{}
}

func (b *Bluetooth) toggleNotify(node string, p task.Params) engine.Completion {
	c, err := b.characteristic(node, p)
	if err != nil {
		return engine.Completion{Err: err}
	}
	var cb func([]byte)
	if p.Enable {
		chr := p.Characteristic
		cb = func(data []byte) {
			b.mu.Lock()
			fn := b.onNotify
			b.mu.Unlock()
			if fn != nil {
				fn(node, chr, append([]byte(nil), data...))
			}
		}
	}
	if err := c.EnableNotifications(cb); err != nil {
		return engine.Completion{Err: fmt.Errorf("radio: notifications on %s: %w", p.Characteristic, err)}
	}
	return engine.Completion{}
}

// scan collects advertisements for d, deduplicated by address.
func (b *Bluetooth) scan(o *operation, d time.Duration) engine.Completion {
	defer func() {
		b.mu.Lock()
		b.scanning = nil
		b.mu.Unlock()
	}()

	var mu sync.Mutex
	var found []op.Discovery
	seen := make(map[string]bool)

	stop := time.AfterFunc(d, func() {
		if err := b.adapter.StopScan(); err != nil {
			b.log.Warn("stop scan failed", zap.Error(err))
		}
	})
	defer stop.Stop()

	err := b.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		if b.filter != nil && !result.HasServiceUUID(*b.filter) {
			return
		}
		key := result.Address.String()
		mu.Lock()
		defer mu.Unlock()
		if seen[key] {
			return
		}
		seen[key] = true
		found = append(found, op.Discovery{
			Key:  key,
			Name: result.LocalName(),
			RSSI: int(result.RSSI),
		})
	})
	if err != nil && !o.aborted.Load() {
		return engine.Completion{Err: fmt.Errorf("radio: scan: %w", err)}
	}
	mu.Lock()
	defer mu.Unlock()
	b.log.Debug("scan finished", zap.Int("found", len(found)))
	return engine.Completion{Found: found}
}

var (
	_ engine.Adapter            = (*Bluetooth)(nil)
	_ engine.DisconnectNotifier = (*Bluetooth)(nil)
)
