package hostsim

import (
	"encoding/binary"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/x448/float16"

	"github.com/fxnlabs/dnnsupport/internal/dnn"
	"github.com/fxnlabs/dnnsupport/internal/provider"
)

const baseAddress = 0x10000

// Device is host memory standing in for device memory. Addresses are never
// reused so buffer identity stays stable for the life of the device.
type Device struct {
	mu      sync.Mutex
	next    uintptr
	buffers map[uintptr][]byte
	inUse   uint64
	limit   uint64
}

// NewDevice returns a device that refuses allocations beyond limit bytes.
// A zero limit means unlimited.
func NewDevice(limit uint64) *Device {
	return &Device{
		next:    baseAddress,
		buffers: make(map[uintptr][]byte),
		limit:   limit,
	}
}

func (d *Device) Allocate(size uint64) (dnn.DeviceMemory, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.limit > 0 && d.inUse+size > d.limit {
		return dnn.DeviceMemory{}, errors.Errorf("out of device memory: requested %s with %s of %s in use",
			humanize.IBytes(size), humanize.IBytes(d.inUse), humanize.IBytes(d.limit))
	}
	addr := d.next
	// keep every buffer 256-byte aligned and non-overlapping
	d.next += uintptr((size + 255) &^ 255)
	if size == 0 {
		d.next += 256
	}
	d.buffers[addr] = make([]byte, size)
	d.inUse += size
	return dnn.DeviceMemory{Addr: addr, Size: size}, nil
}

func (d *Device) Free(m dnn.DeviceMemory) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if buf, ok := d.buffers[m.Addr]; ok {
		d.inUse -= uint64(len(buf))
		delete(d.buffers, m.Addr)
	}
}

// InUse returns the number of bytes currently allocated.
func (d *Device) InUse() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inUse
}

// Live reports whether m is a current allocation.
func (d *Device) Live(m dnn.DeviceMemory) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.buffers[m.Addr]
	return ok
}

func (d *Device) bytes(m dnn.DeviceMemory) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.buffers[m.Addr]
}

// Upload writes vals into m encoded as dt. Only Float and Half are
// supported.
func (d *Device) Upload(m dnn.DeviceMemory, dt dnn.DataType, vals []float32) error {
	buf := d.bytes(m)
	if buf == nil {
		return errors.Errorf("unknown buffer %#x", m.Addr)
	}
	if err := checkFloatType(dt); err != nil {
		return err
	}
	if need := len(vals) * dt.Size(); need > len(buf) {
		return errors.Errorf("buffer %#x holds %d bytes, need %d", m.Addr, len(buf), need)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, v := range vals {
		putFloat(buf, i, dt, v)
	}
	return nil
}

// Download reads n values of type dt from m.
func (d *Device) Download(m dnn.DeviceMemory, dt dnn.DataType, n int) ([]float32, error) {
	buf := d.bytes(m)
	if buf == nil {
		return nil, errors.Errorf("unknown buffer %#x", m.Addr)
	}
	if err := checkFloatType(dt); err != nil {
		return nil, err
	}
	if need := n * dt.Size(); need > len(buf) {
		return nil, errors.Errorf("buffer %#x holds %d bytes, need %d", m.Addr, len(buf), need)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]float32, n)
	for i := range out {
		out[i] = getFloat(buf, i, dt)
	}
	return out, nil
}

func checkFloatType(dt dnn.DataType) error {
	if dt != dnn.Float && dt != dnn.Half {
		return errors.Errorf("host transfer of %s is not supported", dt)
	}
	return nil
}

func putFloat(buf []byte, i int, dt dnn.DataType, v float32) {
	if dt == dnn.Half {
		binary.LittleEndian.PutUint16(buf[2*i:], float16.Fromfloat32(v).Bits())
		return
	}
	binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
}

func getFloat(buf []byte, i int, dt dnn.DataType) float32 {
	if dt == dnn.Half {
		return float16.Frombits(binary.LittleEndian.Uint16(buf[2*i:])).Float32()
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
}

// Stream executes synchronously, so Synchronize only counts calls.
type Stream struct {
	id    provider.StreamHandle
	dev   *Device
	syncs atomic.Int64
	// SyncErr, when set, is returned by Synchronize.
	SyncErr error
}

func NewStream(id provider.StreamHandle, dev *Device) *Stream {
	return &Stream{id: id, dev: dev}
}

func (s *Stream) Handle() provider.StreamHandle { return s.id }

func (s *Stream) Synchronize() error {
	s.syncs.Add(1)
	return s.SyncErr
}

// Syncs returns how many times Synchronize was called.
func (s *Stream) Syncs() int64 { return s.syncs.Load() }

func (s *Stream) MemZero(mem dnn.DeviceMemory, size uint64) error {
	buf := s.dev.bytes(mem)
	if buf == nil {
		return errors.Errorf("memzero on unknown buffer %#x", mem.Addr)
	}
	if size > uint64(len(buf)) {
		return errors.Errorf("memzero of %d bytes overruns buffer of %d", size, len(buf))
	}
	s.dev.mu.Lock()
	defer s.dev.mu.Unlock()
	clear(buf[:size])
	return nil
}

func (s *Stream) Memcpy(dst, src dnn.DeviceMemory, size uint64) error {
	d, sb := s.dev.bytes(dst), s.dev.bytes(src)
	if d == nil || sb == nil {
		return errors.Errorf("memcpy between unknown buffers %#x <- %#x", dst.Addr, src.Addr)
	}
	if size > uint64(len(d)) || size > uint64(len(sb)) {
		return errors.Errorf("memcpy of %d bytes overruns buffers", size)
	}
	s.dev.mu.Lock()
	defer s.dev.mu.Unlock()
	copy(d[:size], sb[:size])
	return nil
}

func (s *Stream) AllocateTemporary(size uint64) (provider.TemporaryMemory, error) {
	mem, err := s.dev.Allocate(size)
	if err != nil {
		return nil, errors.Wrap(err, "allocating temporary memory")
	}
	return &temporary{dev: s.dev, mem: mem}, nil
}

type temporary struct {
	dev  *Device
	mem  dnn.DeviceMemory
	once sync.Once
}

func (t *temporary) Memory() dnn.DeviceMemory { return t.mem }

func (t *temporary) Free() { t.once.Do(func() { t.dev.Free(t.mem) }) }

// Executor counts context activations and hands out wall-clock timers.
type Executor struct {
	active      atomic.Int32
	activations atomic.Int64
	// TimerErr, when set, makes NewTimer fail.
	TimerErr error
}

func (e *Executor) Activate() func() {
	e.active.Add(1)
	e.activations.Add(1)
	return func() { e.active.Add(-1) }
}

// Active returns the number of activations not yet released.
func (e *Executor) Active() int32 { return e.active.Load() }

func (e *Executor) Activations() int64 { return e.activations.Load() }

func (e *Executor) NewTimer() (provider.Timer, error) {
	if e.TimerErr != nil {
		return nil, e.TimerErr
	}
	return &Timer{}, nil
}

type Timer struct {
	start, stop time.Time
}

func (t *Timer) Start(provider.Stream) error {
	t.start = time.Now()
	return nil
}

func (t *Timer) Stop(provider.Stream) error {
	if t.start.IsZero() {
		return errors.New("timer stopped before it was started")
	}
	t.stop = time.Now()
	return nil
}

func (t *Timer) ElapsedMilliseconds() float32 {
	return float32(t.stop.Sub(t.start).Seconds() * 1e3)
}

func (t *Timer) Destroy() {}

// Allocator is a scratch allocator with a per-request cap. Everything it
// hands out is released by Release.
type Allocator struct {
	dev   *Device
	limit uint64

	mu        sync.Mutex
	allocated []dnn.DeviceMemory
}

// NewAllocator returns an allocator refusing single requests above limit.
// A zero limit means unlimited.
func NewAllocator(dev *Device, limit uint64) *Allocator {
	return &Allocator{dev: dev, limit: limit}
}

func (a *Allocator) AllocateBytes(size uint64) (dnn.DeviceMemory, error) {
	if a.limit > 0 && size > a.limit {
		return dnn.DeviceMemory{}, errors.Errorf("scratch request of %s exceeds limit of %s",
			humanize.IBytes(size), humanize.IBytes(a.limit))
	}
	mem, err := a.dev.Allocate(size)
	if err != nil {
		return dnn.DeviceMemory{}, err
	}
	a.mu.Lock()
	a.allocated = append(a.allocated, mem)
	a.mu.Unlock()
	return mem, nil
}

// Allocations returns the number of successful allocations.
func (a *Allocator) Allocations() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.allocated)
}

func (a *Allocator) Release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, m := range a.allocated {
		a.dev.Free(m)
	}
	a.allocated = nil
}
