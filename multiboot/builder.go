package multiboot

import "encoding/binary"

// Builder writes a Multiboot v1 information block into memory the way a
// boot loader would. The kernel proper never uses it; the boot shim and
// the tests do.
type Builder struct {
	MemLowerKB     uint32
	MemUpperKB     uint32
	BootLoaderName string
	MemoryMap      []MemoryMapEntry
}

// AddRegion appends a memory-map record. The size prefix is fixed at the
// canonical 20 bytes (addr + len + type).
func (b *Builder) AddRegion(addr, length uint64, t RegionType) {
	b.MemoryMap = append(b.MemoryMap, MemoryMapEntry{
		Size:   20,
		Addr:   addr,
		Length: length,
		Type:   t,
	})
}

// WriteTo lays the information block down at addr inside mem and returns
// the first byte past everything written. The memory map and the loader
// name are placed immediately after the fixed-size block.
func (b *Builder) WriteTo(mem []byte, addr uint32) (uint32, error) {
	next := addr + infoSize

	u32 := func(off, v uint32) {
		binary.LittleEndian.PutUint32(mem[addr+off:], v)
	}

	var flags uint32 = FlagMem
	u32(offMemLower, b.MemLowerKB)
	u32(offMemUpper, b.MemUpperKB)

	if len(b.MemoryMap) > 0 {
		flags |= FlagMemoryMap
		mmapAddr := next
		for _, e := range b.MemoryMap {
			if int64(next)+24 > int64(len(mem)) {
				return 0, ErrTruncated
			}
			binary.LittleEndian.PutUint32(mem[next:], e.Size)
			binary.LittleEndian.PutUint64(mem[next+4:], e.Addr)
			binary.LittleEndian.PutUint64(mem[next+12:], e.Length)
			binary.LittleEndian.PutUint32(mem[next+20:], uint32(e.Type))
			next += e.Size + 4
		}
		u32(offMmapLength, next-mmapAddr)
		u32(offMmapAddr, mmapAddr)
	}

	if b.BootLoaderName != "" {
		flags |= FlagBootLoaderName
		nameAddr := next
		if int64(next)+int64(len(b.BootLoaderName))+1 > int64(len(mem)) {
			return 0, ErrTruncated
		}
		copy(mem[next:], b.BootLoaderName)
		next += uint32(len(b.BootLoaderName))
		mem[next] = 0
		next++
		u32(offBootLoaderName, nameAddr)
	}

	u32(offFlags, flags)
	return next, nil
}
