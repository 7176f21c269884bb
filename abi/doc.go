// Package abi describes the boundary between the host and the native engine.
//
// It mirrors a flat C function table: every native resource is an opaque
// handle, every input buffer is a borrowed ByteArrayRef and every output
// buffer is an owned *ByteArray. Asynchronous operations take a UserData
// token and a callback; the native side invokes the callback exactly once,
// on a goroutine it owns, passing the token back.
//
// # Buffers
//
//	ByteArrayRef  - borrowed view, valid only for the duration of the call
//	*ByteArray    - owned native allocation, freed through Core.ByteArrayFree
//
// A ByteArray with DisableFree set is a static native value and must never be
// passed to ByteArrayFree.
//
// # Handles
//
// Handles are created by a typed new/connect/start call and destroyed by
// exactly one typed free call. The zero handle is null. Using a handle after
// its free call returned is a programming error.
//
// Nothing in this package performs work; see package core for the in-process
// implementation of Core and package bridge for the safe host-side wrappers.
package abi
