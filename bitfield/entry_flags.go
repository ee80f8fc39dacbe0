package bitfield

// EntryFlags is the unpacked view of a 32-bit x86 page-table or
// page-directory entry. Both entry kinds share the same layout: the low
// twelve bits are flag bits, bits 9-11 are free for software use, and the
// top twenty bits select the physical frame.
type EntryFlags struct {
	Present       bool `bitfield:",1"`
	Writable      bool `bitfield:",1"`
	User          bool `bitfield:",1"`
	WriteThrough  bool `bitfield:",1"`
	CacheDisabled bool `bitfield:",1"`
	Accessed      bool `bitfield:",1"`
	Dirty         bool `bitfield:",1"`
	PageSize      bool `bitfield:",1"`
	Global        bool `bitfield:",1"`

	// Avail holds the three software-defined bits. The kernel uses the
	// lowest one to tag copy-on-write entries.
	Avail uint32 `bitfield:",3"`

	// FrameIndex is the physical frame number (address >> 12).
	FrameIndex uint32 `bitfield:",20"`
}

// PackEntry packs f into the 32-bit on-disk entry representation.
func PackEntry(f EntryFlags) (uint32, error) {
	packed, err := Pack(&f, &Config{NumBits: 32})
	if err != nil {
		return 0, err
	}
	return uint32(packed), nil
}

// UnpackEntry is the inverse of PackEntry.
func UnpackEntry(v uint32) EntryFlags {
	var f EntryFlags
	// The layout always fits 32 bits, so Unpack cannot fail here.
	_ = Unpack(uint64(v), &f)
	return f
}

// AccessByte is the unpacked view of a GDT descriptor access byte.
type AccessByte struct {
	Accessed   bool   `bitfield:",1"`
	ReadWrite  bool   `bitfield:",1"`
	Direction  bool   `bitfield:",1"`
	Executable bool   `bitfield:",1"`
	CodeOrData bool   `bitfield:",1"`
	DPL        uint32 `bitfield:",2"`
	Present    bool   `bitfield:",1"`
}

// PackAccessByte packs a into the descriptor access byte.
func PackAccessByte(a AccessByte) (uint8, error) {
	packed, err := Pack(&a, &Config{NumBits: 8})
	if err != nil {
		return 0, err
	}
	return uint8(packed), nil
}

// UnpackAccessByte is the inverse of PackAccessByte.
func UnpackAccessByte(v uint8) AccessByte {
	var a AccessByte
	_ = Unpack(uint64(v), &a)
	return a
}
