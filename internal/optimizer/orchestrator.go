package optimizer

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Transformer is one opaque transformation capability. It is judged
// purely by the byte size of what it returns.
type Transformer interface {
	Transform(src []byte, quality int) ([]byte, error)
}

// TransformerFunc adapts a plain function to the Transformer interface.
type TransformerFunc func(src []byte, quality int) ([]byte, error)

func (f TransformerFunc) Transform(src []byte, quality int) ([]byte, error) {
	return f(src, quality)
}

// Outcome describes one optimization attempt. Data always holds the
// bytes to serve: the transformed artifact when it won, the original
// otherwise.
type Outcome struct {
	Optimized             bool
	Reason                string
	Algorithm             string
	OriginalSize          int64
	OptimizedSize         int64
	SizeReduction         int64
	CompressionRatio      float64
	SizeIncreasePrevented bool
	ProcessingMs          float64
	Data                  []byte
}

const (
	MimeJPEG = "image/jpeg"
	MimePNG  = "image/png"
	MimeWebP = "image/webp"
	MimeGIF  = "image/gif"
	MimeTIFF = "image/tiff"
)

// Orchestrator dispatches to a per-type transformer and applies the
// acceptance policy: an artifact that did not shrink never replaces
// the original.
type Orchestrator struct {
	transformers map[string]Transformer
}

func NewOrchestrator() *Orchestrator {
	return &Orchestrator{
		transformers: map[string]Transformer{
			MimeJPEG: TransformerFunc(transformJPEG),
			MimePNG:  TransformerFunc(transformPNG),
			MimeWebP: TransformerFunc(transformWebP),
			MimeGIF:  TransformerFunc(transformGIF),
		},
	}
}

// WithTransformer overrides the transformer for a MIME type. Used to
// plug alternative codecs without touching the acceptance policy.
func (o *Orchestrator) WithTransformer(mimeType string, t Transformer) *Orchestrator {
	o.transformers[mimeType] = t
	return o
}

func (o *Orchestrator) Supports(mimeType string) bool {
	_, ok := o.transformers[mimeType]
	return ok
}

func (o *Orchestrator) Optimize(ctx context.Context, src []byte, mimeType string, quality int) Outcome {
	start := time.Now()
	originalSize := int64(len(src))

	t, ok := o.transformers[mimeType]
	if !ok {
		return Outcome{
			Optimized:    false,
			Reason:       "file type not supported for image optimization",
			Algorithm:    "generic file compression (not optimized)",
			OriginalSize: originalSize,
			Data:         src,
		}
	}

	if err := ctx.Err(); err != nil {
		return o.failedOutcome(src, originalSize, start, fmt.Sprintf("optimization aborted: %v", err))
	}

	out, err := t.Transform(src, quality)
	if err != nil {
		return o.failedOutcome(src, originalSize, start, fmt.Sprintf("optimization error: %v", err))
	}

	optimizedSize := int64(len(out))

	// Revert when the "optimized" output is not actually smaller. The
	// caller must never receive an enlarged artifact as the result.
	if optimizedSize >= originalSize {
		return Outcome{
			Optimized:             true,
			Algorithm:             algorithmFor(mimeType, quality),
			OriginalSize:          originalSize,
			OptimizedSize:         originalSize,
			SizeReduction:         0,
			CompressionRatio:      0,
			SizeIncreasePrevented: true,
			ProcessingMs:          elapsedMs(start),
			Data:                  src,
		}
	}

	return Outcome{
		Optimized:        true,
		Algorithm:        algorithmFor(mimeType, quality),
		OriginalSize:     originalSize,
		OptimizedSize:    optimizedSize,
		SizeReduction:    originalSize - optimizedSize,
		CompressionRatio: CompressionRatio(originalSize, optimizedSize),
		ProcessingMs:     elapsedMs(start),
		Data:             out,
	}
}

// failedOutcome preserves the original bytes as a fallback artifact.
// A transformer error is a definitive result for this input, not
// something a retry would fix.
func (o *Orchestrator) failedOutcome(src []byte, originalSize int64, start time.Time, reason string) Outcome {
	return Outcome{
		Optimized:     false,
		Reason:        reason,
		Algorithm:     "optimization failed - original preserved",
		OriginalSize:  originalSize,
		OptimizedSize: originalSize,
		ProcessingMs:  elapsedMs(start),
		Data:          src,
	}
}

func algorithmFor(mimeType string, quality int) string {
	switch mimeType {
	case MimeJPEG:
		return fmt.Sprintf("JPEG re-encode (quality %d)", quality)
	case MimePNG:
		lo, hi := pngQualityRange(quality)
		return fmt.Sprintf("PNG quantization (quality %d-%d) + lossless re-pack", lo, hi)
	case MimeWebP:
		return fmt.Sprintf("WebP re-encode (quality %d)", quality)
	case MimeGIF:
		return fmt.Sprintf("GIF optimization (level %s)", gifLevel(quality))
	default:
		return "generic image optimization"
	}
}

// CompressionRatio reports the size win as a percentage, rounded to two
// decimals. Zero-byte input compresses to zero by definition.
func CompressionRatio(originalSize, optimizedSize int64) float64 {
	if originalSize == 0 {
		return 0
	}
	ratio := float64(originalSize-optimizedSize) / float64(originalSize) * 100
	return math.Round(ratio*100) / 100
}

func elapsedMs(start time.Time) float64 {
	return math.Round(float64(time.Since(start).Microseconds())/10) / 100
}
