// Package console is the kernel's text sink: an 80x25 VGA writer with
// scrolling and hardware cursor updates, mirrored byte-for-byte to the
// serial port. Both the boot banner and sys_write come through here.
package console

import (
	"fmt"

	"richelieu/machine"
)

// DefaultAttr is light grey on black.
const DefaultAttr = 0x07

const tabWidth = 4

// Console tracks the cursor over the VGA text buffer.
type Console struct {
	mem *machine.PhysicalMemory
	bus *machine.Bus

	row, col int
	attr     uint8
}

// New returns a console writing from the top-left corner.
func New(mem *machine.PhysicalMemory, bus *machine.Bus) *Console {
	return &Console{mem: mem, bus: bus, attr: DefaultAttr}
}

// SetAttr changes the attribute byte for subsequent output.
func (c *Console) SetAttr(attr uint8) {
	c.attr = attr
}

// Clear blanks the screen and homes the cursor.
func (c *Console) Clear() {
	for row := 0; row < machine.VGARows; row++ {
		c.blankRow(row)
	}
	c.row, c.col = 0, 0
	c.updateCursor()
}

// Put writes one byte: printable ASCII lands in the grid, newline and
// tab (expanded to four spaces) are honored, anything else is dropped.
// Everything shown on the VGA is mirrored to the serial port.
func (c *Console) Put(b byte) {
	switch {
	case b == '\n':
		c.newline()
		c.serial('\n')
	case b == '\t':
		for i := 0; i < tabWidth; i++ {
			c.putGlyph(' ')
			c.serial(' ')
		}
	case b >= 0x20 && b < 0x7F:
		c.putGlyph(b)
		c.serial(b)
	}
	c.updateCursor()
}

// Write sends a byte slice through Put and reports the count, making
// the console an io.Writer for fmt.
func (c *Console) Write(p []byte) (int, error) {
	for _, b := range p {
		c.Put(b)
	}
	return len(p), nil
}

// WriteString prints a string.
func (c *Console) WriteString(s string) {
	for i := 0; i < len(s); i++ {
		c.Put(s[i])
	}
}

// Printf formats into the console.
func (c *Console) Printf(format string, args ...any) {
	c.WriteString(fmt.Sprintf(format, args...))
}

func (c *Console) putGlyph(b byte) {
	addr := uint32(machine.VGABufferAddr + (c.row*machine.VGAColumns+c.col)*2)
	c.mem.WriteU8(addr, b)
	c.mem.WriteU8(addr+1, c.attr)
	c.col++
	if c.col >= machine.VGAColumns {
		c.newline()
	}
}

func (c *Console) newline() {
	c.col = 0
	c.row++
	if c.row >= machine.VGARows {
		c.scroll()
		c.row = machine.VGARows - 1
	}
}

// scroll moves every row up one and blanks the bottom line.
func (c *Console) scroll() {
	rowBytes := machine.VGAColumns * 2
	buf := make([]byte, (machine.VGARows-1)*rowBytes)
	c.mem.CopyOut(machine.VGABufferAddr+uint32(rowBytes), buf)
	c.mem.CopyIn(machine.VGABufferAddr, buf)
	c.blankRow(machine.VGARows - 1)
}

func (c *Console) blankRow(row int) {
	base := uint32(machine.VGABufferAddr + row*machine.VGAColumns*2)
	for col := 0; col < machine.VGAColumns; col++ {
		c.mem.WriteU8(base+uint32(col*2), ' ')
		c.mem.WriteU8(base+uint32(col*2)+1, c.attr)
	}
}

func (c *Console) updateCursor() {
	pos := uint16(c.row*machine.VGAColumns + c.col)
	c.bus.Out8(machine.VGACRTCIndex, 0x0E)
	c.bus.Out8(machine.VGACRTCData, uint8(pos>>8))
	c.bus.Out8(machine.VGACRTCIndex, 0x0F)
	c.bus.Out8(machine.VGACRTCData, uint8(pos))
}

func (c *Console) serial(b byte) {
	c.bus.Out8(machine.COM1Base, b)
}
