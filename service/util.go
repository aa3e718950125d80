package service

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"

	_ "github.com/gen2brain/avif"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/disintegration/imaging"
)

// OpenImage decodes the image at path and converts it to opaque RGB.
func OpenImage(path string) (*image.NRGBA, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if p, ok := img.(*image.Paletted); ok && format == "gif" {
		restoreTransparent(p, gifColorTable(data))
	}
	return ToRGB(img), nil
}

// restoreTransparent puts back the stored color of the transparent palette
// entry, which the gif decoder replaces with zero.
func restoreTransparent(p *image.Paletted, stored color.Palette) {
	for i, c := range p.Palette {
		if i < len(stored) && c == (color.RGBA{}) {
			p.Palette[i] = stored[i]
		}
	}
}

// gifColorTable returns the color table the first frame of a GIF is drawn
// with, as written in the file.
func gifColorTable(data []byte) color.Palette {
	if len(data) < 13 {
		return nil
	}
	var table []byte
	pos := 13
	if flags := data[10]; flags&0x80 != 0 {
		n := 3 * (2 << (flags & 7))
		if len(data) < pos+n {
			return nil
		}
		table, pos = data[pos:pos+n], pos+n
	}
	for pos < len(data) {
		switch data[pos] {
		case 0x21: // extension: label, then sub-blocks up to a zero length
			pos += 2
			for pos < len(data) && data[pos] != 0 {
				pos += int(data[pos]) + 1
			}
			pos++
		case 0x2c: // image descriptor, optionally followed by a local table
			if len(data) < pos+10 {
				return nil
			}
			if flags := data[pos+9]; flags&0x80 != 0 {
				n := 3 * (2 << (flags & 7))
				if len(data) < pos+10+n {
					return nil
				}
				table = data[pos+10 : pos+10+n]
			}
			pal := make(color.Palette, len(table)/3)
			for i := range pal {
				pal[i] = color.RGBA{R: table[3*i], G: table[3*i+1], B: table[3*i+2], A: 0xff}
			}
			return pal
		default:
			return nil
		}
	}
	return nil
}

// ToRGB expands palette and gray images and drops alpha without compositing,
// keeping the stored color of transparent pixels.
func ToRGB(img image.Image) *image.NRGBA {
	out := imaging.Clone(img)
	for i := 3; i < len(out.Pix); i += 4 {
		out.Pix[i] = 0xff
	}
	return out
}

// prepare image for model input
func (p *Processor) Preprocess(img image.Image) ([]float32, int, int) {
	rgb := ToRGB(img)
	if p.DoResize {
		rgb = imaging.Resize(rgb, p.Width, p.Height, p.Filter)
	}
	w, h := rgb.Bounds().Dx(), rgb.Bounds().Dy()

	scale := float32(1)
	if p.DoRescale {
		scale = p.RescaleFactor
	}
	mean, std := [3]float32{0, 0, 0}, [3]float32{1, 1, 1}
	if p.DoNormalize {
		mean, std = p.Mean, p.Std
	}

	plane := w * h
	out := make([]float32, 3*plane)
	for y := range h {
		row := rgb.Pix[y*rgb.Stride:]
		for x := range w {
			px := row[x*4 : x*4+3]
			i := y*w + x
			for c := range 3 {
				out[c*plane+i] = (float32(px[c])*scale - mean[c]) / std[c]
			}
		}
	}
	return out, h, w
}
