// Command vgasnap renders a raw VGA text-buffer dump (the 80x25 grid of
// character/attribute pairs written by richelieu -vga-dump) into a PNG,
// preserving the 16-color attribute palette. Handy for eyeballing what
// the console showed at the end of a run.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/fogleman/gg"
	"golang.org/x/image/font/basicfont"
)

const (
	columns = 80
	rows    = 25

	cellW = 7
	cellH = 13
)

// vgaPalette is the standard 16-color text-mode palette.
var vgaPalette = [16][3]float64{
	{0.00, 0.00, 0.00}, // black
	{0.00, 0.00, 0.67}, // blue
	{0.00, 0.67, 0.00}, // green
	{0.00, 0.67, 0.67}, // cyan
	{0.67, 0.00, 0.00}, // red
	{0.67, 0.00, 0.67}, // magenta
	{0.67, 0.33, 0.00}, // brown
	{0.67, 0.67, 0.67}, // light grey
	{0.33, 0.33, 0.33}, // dark grey
	{0.33, 0.33, 1.00}, // light blue
	{0.33, 1.00, 0.33}, // light green
	{0.33, 1.00, 1.00}, // light cyan
	{1.00, 0.33, 0.33}, // light red
	{1.00, 0.33, 1.00}, // light magenta
	{1.00, 1.00, 0.33}, // yellow
	{1.00, 1.00, 1.00}, // white
}

func main() {
	in := flag.String("in", "vga.bin", "raw text-buffer dump")
	out := flag.String("out", "vga.png", "output image")
	scale := flag.Int("scale", 2, "integer upscale factor")
	flag.Parse()

	if err := render(*in, *out, *scale); err != nil {
		fmt.Fprintf(os.Stderr, "vgasnap: %v\n", err)
		os.Exit(1)
	}
}

func render(in, out string, scale int) error {
	dump, err := os.ReadFile(in)
	if err != nil {
		return err
	}
	if len(dump) < columns*rows*2 {
		return fmt.Errorf("dump too short: %d bytes, want %d", len(dump), columns*rows*2)
	}
	if scale < 1 {
		scale = 1
	}

	dc := gg.NewContext(columns*cellW, rows*cellH)
	dc.SetFontFace(basicfont.Face7x13)

	for row := 0; row < rows; row++ {
		for col := 0; col < columns; col++ {
			idx := (row*columns + col) * 2
			ch, attr := dump[idx], dump[idx+1]

			bg := vgaPalette[attr>>4&0x0F]
			fg := vgaPalette[attr&0x0F]

			x := float64(col * cellW)
			y := float64(row * cellH)

			dc.SetRGB(bg[0], bg[1], bg[2])
			dc.DrawRectangle(x, y, cellW, cellH)
			dc.Fill()

			if ch > 0x20 && ch < 0x7F {
				dc.SetRGB(fg[0], fg[1], fg[2])
				// basicfont's baseline sits 11 pixels into the cell.
				dc.DrawString(string(rune(ch)), x, y+11)
			}
		}
	}

	img := dc.Image()
	if scale > 1 {
		scaled := gg.NewContext(columns*cellW*scale, rows*cellH*scale)
		scaled.Scale(float64(scale), float64(scale))
		scaled.DrawImage(img, 0, 0)
		img = scaled.Image()
	}
	return gg.SavePNG(out, img)
}
