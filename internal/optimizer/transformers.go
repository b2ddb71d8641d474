package optimizer

import (
	"bytes"
	"fmt"
	"image"
	"image/color/palette"
	"image/draw"
	"image/gif"
	"image/jpeg"
	"image/png"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
)

// Default transformers for the supported MIME set. Each one is a plain
// (bytes, quality) -> bytes function so the orchestrator stays
// independent of the concrete codec behind a format.

func transformJPEG(src []byte, quality int) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(src), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode jpeg: %w", err)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// transformPNG quantizes to a palette sized from the quality range and
// re-packs with the strongest lossless compression level.
func transformPNG(src []byte, quality int) ([]byte, error) {
	img, err := png.Decode(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("decode png: %w", err)
	}

	_, hi := pngQualityRange(quality)
	if hi < 100 {
		img = quantize(img, paletteSize(hi))
	}

	enc := png.Encoder{CompressionLevel: png.BestCompression}
	var buf bytes.Buffer
	if err := enc.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

func transformWebP(src []byte, quality int) ([]byte, error) {
	img, err := webp.Decode(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("decode webp: %w", err)
	}

	var buf bytes.Buffer
	if err := webp.Encode(&buf, img, &webp.Options{Quality: float32(quality)}); err != nil {
		return nil, fmt.Errorf("encode webp: %w", err)
	}
	return buf.Bytes(), nil
}

// transformGIF re-packs animations losslessly; static images are
// re-quantized with a color depth picked by the optimization level.
func transformGIF(src []byte, quality int) ([]byte, error) {
	g, err := gif.DecodeAll(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("decode gif: %w", err)
	}

	var buf bytes.Buffer
	if len(g.Image) > 1 {
		if err := gif.EncodeAll(&buf, g); err != nil {
			return nil, fmt.Errorf("encode gif: %w", err)
		}
		return buf.Bytes(), nil
	}

	var colors int
	switch gifLevel(quality) {
	case "high":
		colors = 64
	case "med":
		colors = 128
	default:
		colors = 256
	}

	if err := gif.Encode(&buf, g.Image[0], &gif.Options{NumColors: colors}); err != nil {
		return nil, fmt.Errorf("encode gif: %w", err)
	}
	return buf.Bytes(), nil
}

// pngQualityRange mirrors the pngquant-style quality window:
// [max(1, q-20), q].
func pngQualityRange(quality int) (int, int) {
	if quality < 1 {
		quality = 1
	}
	if quality > 100 {
		quality = 100
	}
	lo := quality - 20
	if lo < 1 {
		lo = 1
	}
	return lo, quality
}

// gifLevel maps the continuous quality axis onto the three discrete
// levels GIF optimization actually has.
func gifLevel(quality int) string {
	switch {
	case quality > 66:
		return "high"
	case quality > 33:
		return "med"
	default:
		return "low"
	}
}

func paletteSize(quality int) int {
	n := quality * 256 / 100
	if n < 16 {
		n = 16
	}
	if n > 256 {
		n = 256
	}
	return n
}

func quantize(img image.Image, colors int) image.Image {
	b := img.Bounds()
	p := palette.Plan9
	if colors < len(p) {
		p = p[:colors]
	}
	out := image.NewPaletted(b, p)
	draw.FloydSteinberg.Draw(out, b, img, b.Min)
	return out
}
