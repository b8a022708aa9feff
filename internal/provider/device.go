package provider

import "github.com/fxnlabs/dnnsupport/internal/dnn"

// Stream is an ordered queue of device work.
type Stream interface {
	Handle() StreamHandle
	// Synchronize blocks until all work enqueued so far has completed.
	Synchronize() error
	MemZero(mem dnn.DeviceMemory, size uint64) error
	Memcpy(dst, src dnn.DeviceMemory, size uint64) error
	// AllocateTemporary returns device memory that lives until Free.
	AllocateTemporary(size uint64) (TemporaryMemory, error)
}

// TemporaryMemory is an owned device allocation.
type TemporaryMemory interface {
	Memory() dnn.DeviceMemory
	Free()
}

// Executor owns the device context provider calls run under.
type Executor interface {
	// Activate makes the executor's context current and returns a func that
	// restores the previous one.
	Activate() (release func())
	NewTimer() (Timer, error)
}

// Timer records device-side elapsed time between Start and Stop.
type Timer interface {
	Start(s Stream) error
	Stop(s Stream) error
	ElapsedMilliseconds() float32
	Destroy()
}

// ScratchAllocator hands out per-call scratch memory.
type ScratchAllocator interface {
	AllocateBytes(size uint64) (dnn.DeviceMemory, error)
}

// DeviceInfo describes the device behind a Backend.
type DeviceInfo struct {
	Name        string `json:"name"`
	TotalMemory uint64 `json:"totalMemory"`
	Version     string `json:"version"`
}

// Backend is a Provider bound to a device, as returned by a Factory.
type Backend interface {
	Provider

	Name() string
	// IsAvailable performs a cheap check without initializing anything.
	IsAvailable() bool
	Initialize() error
	Cleanup() error
	GetDeviceInfo() DeviceInfo
	Executor() Executor
	NewStream() (Stream, error)
}
