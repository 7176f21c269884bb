package corebridge

// Memory is a view of native memory. Offsets are native addresses; address 0
// is the null pointer and is never readable.
type Memory interface {
	// Read copies length bytes starting at offset out of native memory.
	Read(offset uint32, length uint32) ([]byte, error)
}
