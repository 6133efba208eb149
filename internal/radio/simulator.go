package radio

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/chaz8081/gattflow/internal/engine"
	"github.com/chaz8081/gattflow/internal/op"
	"github.com/chaz8081/gattflow/internal/task"
)

// Peripheral describes a simulated device.
type Peripheral struct {
	Key    string
	Name   string
	RSSI   int
	Bonded bool
	// Characteristics maps service uuid to characteristic uuid to value.
	Characteristics map[string]map[string][]byte
}

// HeartRateMonitor returns a peripheral exposing the heart rate service.
func HeartRateMonitor(key string) Peripheral {
	return Peripheral{
		Key:  key,
		Name: "HRM " + key,
		RSSI: -60,
		Characteristics: map[string]map[string][]byte{
			HeartRateService: {
				HeartRateMeasurement: {0x00, 72},
				BodySensorLocation:   {0x01},
			},
		},
	}
}

type simPeripheral struct {
	info      Peripheral
	values    map[string][]byte // by charKey
	connected bool
	mtu       int
}

type simOp struct {
	id    int
	timer *clock.Timer
}

// Simulator is an in-memory adapter. Every operation completes after the
// configured latency on the simulator's clock unless a failure was scripted.
type Simulator struct {
	clock   clock.Clock
	latency time.Duration
	log     *zap.Logger

	mu           sync.Mutex
	peripherals  map[string]*simPeripheral
	ops          map[int]*simOp
	nextID       int
	radioOn      bool
	failNext     map[failKey][]error
	reject       map[failKey]error
	hang         map[failKey]bool
	onDisconnect func(string, error)
	calls        []op.Kind
}

type failKey struct {
	node string
	kind op.Kind
}

// NewSimulator returns a powered simulator. A nil clock uses the wall clock.
func NewSimulator(clk clock.Clock, latency time.Duration, log *zap.Logger) *Simulator {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Simulator{
		clock:       clk,
		latency:     latency,
		log:         log.Named("sim"),
		peripherals: make(map[string]*simPeripheral),
		ops:         make(map[int]*simOp),
		radioOn:     true,
		failNext:    make(map[failKey][]error),
		reject:      make(map[failKey]error),
		hang:        make(map[failKey]bool),
	}
}

// Add registers a peripheral, replacing any with the same key.
func (s *Simulator) Add(p Peripheral) error {
	values := make(map[string][]byte)
	for svc, chars := range p.Characteristics {
		for chr, v := range chars {
			key, err := charKey(svc, chr)
			if err != nil {
				return err
			}
			values[key] = append([]byte(nil), v...)
		}
	}
	s.mu.Lock()
	s.peripherals[p.Key] = &simPeripheral{info: p, values: values, mtu: 23}
	s.mu.Unlock()
	return nil
}

// FailNext makes the next operation of kind on node complete with err.
// Repeated calls queue further failures.
func (s *Simulator) FailNext(node string, kind op.Kind, err error) {
	s.mu.Lock()
	k := failKey{node, kind}
	s.failNext[k] = append(s.failNext[k], err)
	s.mu.Unlock()
}

// Reject makes Start refuse kind on node until cleared with a nil error.
func (s *Simulator) Reject(node string, kind op.Kind, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.reject, failKey{node, kind})
		return
	}
	s.reject[failKey{node, kind}] = err
}

// Hang makes operations of kind on node never complete.
func (s *Simulator) Hang(node string, kind op.Kind, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if on {
		s.hang[failKey{node, kind}] = true
	} else {
		delete(s.hang, failKey{node, kind})
	}
}

// DropLink disconnects node as if the peripheral went out of range.
func (s *Simulator) DropLink(node string) {
	s.mu.Lock()
	p, ok := s.peripherals[node]
	if !ok || !p.connected {
		s.mu.Unlock()
		return
	}
	p.connected = false
	fn := s.onDisconnect
	s.mu.Unlock()
	s.log.Info("link dropped", zap.String("node", node))
	if fn != nil {
		fn(node, errors.New("sim: link dropped"))
	}
}

// SetRadio powers the simulated radio on or off.
func (s *Simulator) SetRadio(on bool) {
	s.mu.Lock()
	s.radioOn = on
	s.mu.Unlock()
}

// Value returns the stored value of a characteristic.
func (s *Simulator) Value(node, service, characteristic string) ([]byte, bool) {
	key, err := charKey(service, characteristic)
	if err != nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peripherals[node]
	if !ok {
		return nil, false
	}
	v, ok := p.values[key]
	return append([]byte(nil), v...), ok
}

// Calls returns the kinds started so far, in order.
func (s *Simulator) Calls() []op.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]op.Kind(nil), s.calls...)
}

func (s *Simulator) OnDisconnect(fn func(string, error)) {
	s.mu.Lock()
	s.onDisconnect = fn
	s.mu.Unlock()
}

func (s *Simulator) PhysicalState(node string) engine.RawState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if node == engine.ManagerKey {
		return engine.RawState{RadioOn: s.radioOn}
	}
	p, ok := s.peripherals[node]
	if !ok {
		return engine.RawState{}
	}
	return engine.RawState{Connected: p.connected, Bonded: p.info.Bonded}
}

func (s *Simulator) Start(kind op.Kind, node string, params task.Params, done func(engine.Completion)) (engine.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, kind)

	k := failKey{node, kind}
	if err := s.reject[k]; err != nil {
		return nil, err
	}
	if kind != op.Scan {
		if _, ok := s.peripherals[node]; !ok {
			return nil, fmt.Errorf("sim: unknown peripheral %q", node)
		}
	} else if !s.radioOn {
		return nil, errors.New("sim: radio off")
	}

	s.nextID++
	o := &simOp{id: s.nextID}
	s.ops[o.id] = o
	if s.hang[k] {
		return o.id, nil
	}

	var scripted error
	if errs := s.failNext[k]; len(errs) > 0 {
		scripted = errs[0]
		s.failNext[k] = errs[1:]
	}

	delay := s.latency
	if kind == op.Scan {
		delay += params.Duration
	}
	o.timer = s.clock.AfterFunc(delay, func() {
		s.mu.Lock()
		if _, live := s.ops[o.id]; !live {
			s.mu.Unlock()
			return
		}
		delete(s.ops, o.id)
		var c engine.Completion
		if scripted != nil {
			c.Err = scripted
		} else {
			c = s.apply(kind, node, params)
		}
		s.mu.Unlock()
		done(c)
	})
	return o.id, nil
}

func (s *Simulator) Abort(h engine.Handle) error {
	id, ok := h.(int)
	if !ok {
		return fmt.Errorf("sim: bad handle %T", h)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.ops[id]
	if !ok {
		return nil
	}
	delete(s.ops, id)
	if o.timer != nil {
		o.timer.Stop()
	}
	return nil
}

// apply performs an operation; s.mu is held.
func (s *Simulator) apply(kind op.Kind, node string, p task.Params) engine.Completion {
	if kind == op.Scan {
		found := make([]op.Discovery, 0, len(s.peripherals))
		for _, sp := range s.peripherals {
			if sp.connected {
				continue
			}
			found = append(found, op.Discovery{Key: sp.info.Key, Name: sp.info.Name, RSSI: sp.info.RSSI, Services: sp.serviceList()})
		}
		sort.Slice(found, func(i, j int) bool { return found[i].Key < found[j].Key })
		return engine.Completion{Found: found}
	}

	sp, ok := s.peripherals[node]
	if !ok {
		return engine.Completion{Err: fmt.Errorf("sim: peripheral %q removed", node)}
	}
	if kind != op.Connect && kind != op.Disconnect && kind != op.Unbond && !sp.connected {
		return engine.Completion{Err: fmt.Errorf("sim: %s: %w", node, op.ErrLinkLost)}
	}

	switch kind {
	case op.Connect:
		sp.connected = true
	case op.Disconnect:
		sp.connected = false
	case op.DiscoverServices:
		return engine.Completion{Services: sp.serviceList()}
	case op.Read, op.ReadDescriptor:
		key, err := sp.key(p)
		if err != nil {
			return engine.Completion{Err: err}
		}
		v, ok := sp.values[key]
		if !ok {
			return engine.Completion{Err: fmt.Errorf("sim: %s not found: %w", key, op.ErrInvalidState)}
		}
		return engine.Completion{Value: append([]byte(nil), v...)}
	case op.Write, op.WriteDescriptor:
		key, err := sp.key(p)
		if err != nil {
			return engine.Completion{Err: err}
		}
		sp.values[key] = append([]byte(nil), p.Data...)
	case op.ReadRSSI:
		return engine.Completion{Value: []byte{byte(int8(sp.info.RSSI))}}
	case op.SetMTU:
		sp.mtu = p.MTU
	case op.Bond:
		sp.info.Bonded = true
	case op.Unbond:
		sp.info.Bonded = false
	}
	return engine.Completion{}
}

func (sp *simPeripheral) key(p task.Params) (string, error) {
	key, err := charKey(p.Service, p.Characteristic)
	if err != nil {
		return "", err
	}
	if p.Descriptor != "" {
		d, err := CanonicalUUID(p.Descriptor)
		if err != nil {
			return "", err
		}
		key += "/" + d
	}
	return key, nil
}

func (sp *simPeripheral) serviceList() []string {
	seen := make(map[string]bool)
	var out []string
	for svc := range sp.info.Characteristics {
		c, err := CanonicalUUID(svc)
		if err != nil || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

var (
	_ engine.Adapter            = (*Simulator)(nil)
	_ engine.DisconnectNotifier = (*Simulator)(nil)
)
