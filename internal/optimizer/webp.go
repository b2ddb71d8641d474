package optimizer

import (
	"bytes"
	"fmt"
	"time"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
)

// WebPOutcome describes the optional WebP companion artifact. Unlike the
// primary path a size increase is not reverted: the artifact is still
// served and the caller is told about it via SizeIncreaseWarning.
type WebPOutcome struct {
	Success             bool
	Reason              string
	SourceSize          int64
	WebPSize            int64
	SizeReduction       int64
	CompressionRatio    float64
	SizeIncreaseWarning bool
	ProcessingMs        float64
	Data                []byte
}

var webpConvertible = map[string]struct{}{
	MimeJPEG: {},
	MimePNG:  {},
	MimeTIFF: {},
	MimeWebP: {},
}

// Generator produces the WebP companion of an already optimized image.
type Generator struct{}

func NewGenerator() *Generator { return &Generator{} }

// CanConvert reports whether a MIME type is WebP-convertible. GIF and
// SVG are deliberately excluded.
func (g *Generator) CanConvert(mimeType string) bool {
	_, ok := webpConvertible[mimeType]
	return ok
}

func (g *Generator) Convert(src []byte, mimeType string, quality int) WebPOutcome {
	start := time.Now()
	sourceSize := int64(len(src))

	if !g.CanConvert(mimeType) {
		return WebPOutcome{
			Success:    false,
			Reason:     fmt.Sprintf("file type not supported for WebP conversion: %s", mimeType),
			SourceSize: sourceSize,
		}
	}

	img, err := imaging.Decode(bytes.NewReader(src))
	if err != nil {
		return WebPOutcome{
			Success:      false,
			Reason:       fmt.Sprintf("error decoding image: %v", err),
			SourceSize:   sourceSize,
			ProcessingMs: elapsedMs(start),
		}
	}

	var buf bytes.Buffer
	if err := webp.Encode(&buf, img, &webp.Options{Quality: float32(quality)}); err != nil {
		return WebPOutcome{
			Success:      false,
			Reason:       fmt.Sprintf("error encoding to webp: %v", err),
			SourceSize:   sourceSize,
			ProcessingMs: elapsedMs(start),
		}
	}

	webpSize := int64(buf.Len())
	out := WebPOutcome{
		Success:          true,
		SourceSize:       sourceSize,
		WebPSize:         webpSize,
		SizeReduction:    sourceSize - webpSize,
		CompressionRatio: CompressionRatio(sourceSize, webpSize),
		ProcessingMs:     elapsedMs(start),
		Data:             buf.Bytes(),
	}

	if webpSize >= sourceSize {
		out.SizeIncreaseWarning = true
		out.Reason = "WebP conversion increased file size - may not be beneficial for this image"
	}

	return out
}
