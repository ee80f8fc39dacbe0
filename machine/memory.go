// Package machine emulates the hardware the kernel runs on: a flat
// physical memory, a 32-bit x86 CPU with paging control registers and a
// TLB, a port-I/O bus, and the PC legacy device set (two cascaded 8259A
// PICs, an 8254 PIT, a 16550 UART, the VGA text buffer and a PS/2
// keyboard controller). The kernel drives all of it exactly as it would
// drive real silicon: port writes for device programming, in-memory
// 32-bit entries for the paging structures.
package machine

import (
	"encoding/binary"
	"fmt"
)

// PageSize is the only page size the machine supports.
const PageSize = 4096

// PhysicalMemory is the machine's RAM: a flat byte array addressed from 0.
// Accesses outside the installed range are a bus error and panic; the
// kernel validates addresses before touching memory, so a bus error here
// is always a kernel bug.
type PhysicalMemory struct {
	data []byte
}

// NewPhysicalMemory installs size bytes of RAM. Size is rounded up to a
// page boundary.
func NewPhysicalMemory(size uint32) *PhysicalMemory {
	size = (size + PageSize - 1) &^ (PageSize - 1)
	return &PhysicalMemory{data: make([]byte, size)}
}

// Size returns the installed RAM in bytes.
func (pm *PhysicalMemory) Size() uint32 {
	return uint32(len(pm.data))
}

func (pm *PhysicalMemory) check(addr uint32, n int) {
	if int64(addr)+int64(n) > int64(len(pm.data)) {
		panic(fmt.Sprintf("physical memory: bus error at 0x%08x+%d (installed %d bytes)", addr, n, len(pm.data)))
	}
}

// ReadU8 reads one byte.
func (pm *PhysicalMemory) ReadU8(addr uint32) uint8 {
	pm.check(addr, 1)
	return pm.data[addr]
}

// WriteU8 writes one byte.
func (pm *PhysicalMemory) WriteU8(addr uint32, v uint8) {
	pm.check(addr, 1)
	pm.data[addr] = v
}

// ReadU16 reads a little-endian 16-bit word.
func (pm *PhysicalMemory) ReadU16(addr uint32) uint16 {
	pm.check(addr, 2)
	return binary.LittleEndian.Uint16(pm.data[addr:])
}

// WriteU16 writes a little-endian 16-bit word.
func (pm *PhysicalMemory) WriteU16(addr uint32, v uint16) {
	pm.check(addr, 2)
	binary.LittleEndian.PutUint16(pm.data[addr:], v)
}

// ReadU32 reads a little-endian 32-bit word.
func (pm *PhysicalMemory) ReadU32(addr uint32) uint32 {
	pm.check(addr, 4)
	return binary.LittleEndian.Uint32(pm.data[addr:])
}

// WriteU32 writes a little-endian 32-bit word.
func (pm *PhysicalMemory) WriteU32(addr uint32, v uint32) {
	pm.check(addr, 4)
	binary.LittleEndian.PutUint32(pm.data[addr:], v)
}

// CopyIn copies src into memory starting at addr.
func (pm *PhysicalMemory) CopyIn(addr uint32, src []byte) {
	pm.check(addr, len(src))
	copy(pm.data[addr:], src)
}

// CopyOut copies len(dst) bytes starting at addr into dst.
func (pm *PhysicalMemory) CopyOut(addr uint32, dst []byte) {
	pm.check(addr, len(dst))
	copy(dst, pm.data[addr:])
}

// Zero clears n bytes starting at addr.
func (pm *PhysicalMemory) Zero(addr uint32, n int) {
	pm.check(addr, n)
	clear(pm.data[addr : addr+uint32(n)])
}

// Raw exposes the backing array. The boot shim uses it to lay down the
// Multiboot information block; the kernel proper goes through the typed
// accessors.
func (pm *PhysicalMemory) Raw() []byte {
	return pm.data
}
