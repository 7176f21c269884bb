package abi

import "unsafe"

// ByteArrayRef is a borrowed, non-owning view over host memory. The receiver
// must finish using it before the call returns (or before the call's callback
// fires) and must never free it.
type ByteArrayRef struct {
	Data []byte
}

// Ref creates a view over b. The caller must keep b alive and unmodified until
// the call it is passed to returns.
func Ref(b []byte) ByteArrayRef {
	return ByteArrayRef{Data: b}
}

// RefString creates a view over the bytes of s without copying.
func RefString(s string) ByteArrayRef {
	if s == "" {
		return ByteArrayRef{}
	}
	return ByteArrayRef{Data: unsafe.Slice(unsafe.StringData(s), len(s))}
}

// Len returns the length of the view.
func (r ByteArrayRef) Len() int { return len(r.Data) }

// Copy returns a copy of the viewed bytes that the receiver may retain.
func (r ByteArrayRef) Copy() []byte {
	if r.Data == nil {
		return nil
	}
	return append([]byte{}, r.Data...)
}

// String copies the viewed bytes into a string.
func (r ByteArrayRef) String() string {
	return string(r.Data)
}

// ByteArray is an owned native allocation. Data is an address in native
// memory. The host owns it from the moment it is handed over and must release
// it exactly once through Core.ByteArrayFree unless DisableFree is set.
type ByteArray struct {
	Data        uint32
	Size        uint32
	Cap         uint32
	DisableFree bool
}
