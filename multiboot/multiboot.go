// Package multiboot parses the Multiboot v1 information block a compliant
// boot loader leaves in low memory. Only the fields the kernel consumes are
// decoded: lower/upper memory, the boot-loader name, and the memory map.
package multiboot

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// BootloaderMagic is the value a Multiboot v1 loader passes in EAX.
const BootloaderMagic = 0x2BADB002

// Info flag bits (header field "flags").
const (
	FlagMem            = 1 << 0 // mem_lower / mem_upper valid
	FlagMemoryMap      = 1 << 6 // mmap_length / mmap_addr valid
	FlagBootLoaderName = 1 << 9 // boot_loader_name valid
)

// RegionType classifies a memory-map entry.
type RegionType uint32

const (
	RegionAvailable       RegionType = 1
	RegionReserved        RegionType = 2
	RegionACPIReclaimable RegionType = 3
	RegionACPINVS         RegionType = 4
	RegionBad             RegionType = 5
)

func (t RegionType) String() string {
	switch t {
	case RegionAvailable:
		return "available"
	case RegionReserved:
		return "reserved"
	case RegionACPIReclaimable:
		return "acpi-reclaimable"
	case RegionACPINVS:
		return "acpi-nvs"
	case RegionBad:
		return "bad"
	}
	return fmt.Sprintf("unknown(%d)", uint32(t))
}

// MemoryMapEntry is one packed record of the loader's memory map. The Size
// field counts the bytes of the record excluding itself; successive records
// sit at entry_ptr + entry.Size + 4.
type MemoryMapEntry struct {
	Size   uint32
	Addr   uint64
	Length uint64
	Type   RegionType
}

// Info is the decoded Multiboot information block.
type Info struct {
	Flags          uint32
	MemLowerKB     uint32
	MemUpperKB     uint32
	BootLoaderName string
	MemoryMap      []MemoryMapEntry
}

var (
	ErrBadMagic  = errors.New("multiboot: bad boot loader magic")
	ErrTruncated = errors.New("multiboot: information block extends past end of memory")
)

// Fixed offsets within the info block (Multiboot v1 layout).
const (
	offFlags          = 0
	offMemLower       = 4
	offMemUpper       = 8
	offMmapLength     = 44
	offMmapAddr       = 48
	offBootLoaderName = 64
	infoSize          = 88
)

// CheckMagic validates the register value handed over at kernel entry.
func CheckMagic(magic uint32) error {
	if magic != BootloaderMagic {
		return fmt.Errorf("%w: got 0x%08x, want 0x%08x", ErrBadMagic, magic, uint32(BootloaderMagic))
	}
	return nil
}

// ParseInfo decodes the information block at addr inside mem.
func ParseInfo(mem []byte, addr uint32) (*Info, error) {
	if int64(addr)+infoSize > int64(len(mem)) {
		return nil, ErrTruncated
	}

	u32 := func(off uint32) uint32 {
		return binary.LittleEndian.Uint32(mem[addr+off:])
	}

	info := &Info{Flags: u32(offFlags)}

	if info.Flags&FlagMem != 0 {
		info.MemLowerKB = u32(offMemLower)
		info.MemUpperKB = u32(offMemUpper)
	}

	if info.Flags&FlagBootLoaderName != 0 {
		nameAddr := u32(offBootLoaderName)
		info.BootLoaderName = cString(mem, nameAddr)
	}

	if info.Flags&FlagMemoryMap != 0 {
		mmapLen := u32(offMmapLength)
		mmapAddr := u32(offMmapAddr)
		end := int64(mmapAddr) + int64(mmapLen)
		if end > int64(len(mem)) {
			return nil, ErrTruncated
		}

		// Walk the packed records; the size prefix sits 4 bytes before
		// the address field, and the next record is size+4 bytes on.
		for ptr := int64(mmapAddr); ptr < end; {
			if ptr+24 > int64(len(mem)) {
				return nil, ErrTruncated
			}
			entry := MemoryMapEntry{
				Size:   binary.LittleEndian.Uint32(mem[ptr:]),
				Addr:   binary.LittleEndian.Uint64(mem[ptr+4:]),
				Length: binary.LittleEndian.Uint64(mem[ptr+12:]),
				Type:   RegionType(binary.LittleEndian.Uint32(mem[ptr+20:])),
			}
			info.MemoryMap = append(info.MemoryMap, entry)
			ptr += int64(entry.Size) + 4
		}
	}

	return info, nil
}

// VisitMemRegions invokes visitor for each memory-map entry until the
// visitor returns false.
func (i *Info) VisitMemRegions(visitor func(*MemoryMapEntry) bool) {
	for idx := range i.MemoryMap {
		if !visitor(&i.MemoryMap[idx]) {
			return
		}
	}
}

// TotalAvailable sums the byte length of every available region.
func (i *Info) TotalAvailable() uint64 {
	var total uint64
	i.VisitMemRegions(func(e *MemoryMapEntry) bool {
		if e.Type == RegionAvailable {
			total += e.Length
		}
		return true
	})
	return total
}

func cString(mem []byte, addr uint32) string {
	if int64(addr) >= int64(len(mem)) {
		return ""
	}
	end := addr
	for int(end) < len(mem) && mem[end] != 0 {
		end++
	}
	return string(mem[addr:end])
}
