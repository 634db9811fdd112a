package stats

import (
	"fmt"
	"sync/atomic"
)

// Int64Val is an atomic int64 stat value. Init must be called before use.
type Int64Val struct {
	val *int64
}

func (v *Int64Val) Init() {
	v.val = new(int64)
}

func (v *Int64Val) Add(delta int64) {
	atomic.AddInt64(v.val, delta)
}

func (v *Int64Val) Set(nv int64) {
	atomic.StoreInt64(v.val, nv)
}

func (v *Int64Val) CAS(old, new int64) bool {
	return atomic.CompareAndSwapInt64(v.val, old, new)
}

func (v Int64Val) Value() int64 {
	return atomic.LoadInt64(v.val)
}

func (v Int64Val) MarshalJSON() ([]byte, error) {
	value := atomic.LoadInt64(v.val)
	return []byte(fmt.Sprint(value)), nil
}

// Uint64Val is an atomic uint64 stat value. Init must be called before use.
type Uint64Val struct {
	val *uint64
}

func (v *Uint64Val) Init() {
	v.val = new(uint64)
}

func (v *Uint64Val) Add(delta uint64) {
	atomic.AddUint64(v.val, delta)
}

// Sub subtracts delta from the value using two's complement wrap.
func (v *Uint64Val) Sub(delta uint64) {
	atomic.AddUint64(v.val, ^(delta - 1))
}

func (v *Uint64Val) Set(nv uint64) {
	atomic.StoreUint64(v.val, nv)
}

func (v *Uint64Val) CAS(old, new uint64) bool {
	return atomic.CompareAndSwapUint64(v.val, old, new)
}

// SetIfGreater stores nv only if it exceeds the current value.
func (v *Uint64Val) SetIfGreater(nv uint64) {
	for {
		old := atomic.LoadUint64(v.val)
		if nv <= old || atomic.CompareAndSwapUint64(v.val, old, nv) {
			return
		}
	}
}

func (v Uint64Val) Value() uint64 {
	return atomic.LoadUint64(v.val)
}

func (v Uint64Val) MarshalJSON() ([]byte, error) {
	value := atomic.LoadUint64(v.val)
	return []byte(fmt.Sprint(value)), nil
}

// BoolVal is an atomic boolean stat value. Init must be called before use.
type BoolVal struct {
	val *int32
}

func (v *BoolVal) Init() {
	v.val = new(int32)
}

func (v *BoolVal) Set(nv bool) {
	var x int32
	if nv {
		x = 1
	}
	atomic.StoreInt32(v.val, x)
}

// CAS returns true if the value was swapped from old to new.
func (v *BoolVal) CAS(old, new bool) bool {
	var o, n int32
	if old {
		o = 1
	}
	if new {
		n = 1
	}
	return atomic.CompareAndSwapInt32(v.val, o, n)
}

func (v BoolVal) Value() bool {
	return atomic.LoadInt32(v.val) == 1
}

func (v BoolVal) MarshalJSON() ([]byte, error) {
	if v.Value() {
		return []byte("true"), nil
	}
	return []byte("false"), nil
}
