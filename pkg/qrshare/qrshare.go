// Package qrshare renders share-link QR codes as PNG.
//
// It builds on github.com/skip2/go-qrcode and does its own nearest-neighbor
// scaling so module edges stay crisp at any output size. All drawing happens
// in memory; no concurrency is needed because encoding is fast.
package qrshare

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"

	qrcode "github.com/skip2/go-qrcode"
)

// Options controls output size and colors. Zero values fall back to a
// 512 px black-on-white code.
type Options struct {
	TargetPx int        // output edge length in pixels
	Fg       color.RGBA // module color
	Bg       color.RGBA // background, including the quiet zone
}

func (o *Options) applyDefaults() {
	if o.TargetPx <= 0 {
		o.TargetPx = 512
	}
	if o.Fg == (color.RGBA{}) {
		o.Fg = color.RGBA{0, 0, 0, 255}
	}
	if o.Bg == (color.RGBA{}) {
		o.Bg = color.RGBA{255, 255, 255, 255}
	}
}

// EncodePNG writes the QR code for data to w. Medium error correction is
// plenty for a short URL and keeps the module grid small enough to scan
// from a laptop screen.
func EncodePNG(w io.Writer, data []byte, opt Options) error {
	opt.applyDefaults()

	qr, err := qrcode.New(string(data), qrcode.Medium)
	if err != nil {
		return fmt.Errorf("build qr: %w", err)
	}

	return png.Encode(w, Render(qr.Bitmap(), opt))
}

// Render scales the module bitmap to the requested size. Each output pixel
// samples exactly one module, so the result has no interpolation blur.
func Render(modules [][]bool, opt Options) *image.RGBA {
	opt.applyDefaults()

	n := len(modules)
	img := image.NewRGBA(image.Rect(0, 0, opt.TargetPx, opt.TargetPx))
	if n == 0 {
		return img
	}

	for y := 0; y < opt.TargetPx; y++ {
		my := y * n / opt.TargetPx
		for x := 0; x < opt.TargetPx; x++ {
			mx := x * n / opt.TargetPx
			if modules[my][mx] {
				img.SetRGBA(x, y, opt.Fg)
			} else {
				img.SetRGBA(x, y, opt.Bg)
			}
		}
	}
	return img
}
