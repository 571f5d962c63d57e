package ocrimage

import (
	"bytes"
	"context"
	"fmt"

	"github.com/disintegration/imaging"

	"github.com/kirillkom/file-bridge/internal/core/domain"
	"github.com/kirillkom/file-bridge/internal/core/ports"
)

type Extractor struct {
	reader        ports.SourceReader
	ocr           ports.OCREngine
	maxDimension  int
	lowConfidence float64
}

func NewExtractor(reader ports.SourceReader, ocr ports.OCREngine, maxDimension int, lowConfidenceThreshold float64) *Extractor {
	return &Extractor{
		reader:        reader,
		ocr:           ocr,
		maxDimension:  maxDimension,
		lowConfidence: lowConfidenceThreshold,
	}
}

func (e *Extractor) Extract(ctx context.Context, ev domain.IngestEvent) (domain.ExtractionResult, error) {
	raw, err := e.reader.ReadFile(ctx, ev.FilePath)
	if err != nil {
		return domain.ExtractionResult{}, fmt.Errorf("read source image: %w", err)
	}
	return e.ExtractBytes(ctx, ev, raw)
}

func (e *Extractor) ExtractBytes(ctx context.Context, ev domain.IngestEvent, raw []byte) (domain.ExtractionResult, error) {
	normalized, err := Normalize(raw, e.maxDimension)
	if err != nil {
		return domain.ExtractionResult{}, err
	}

	ocr, err := e.ocr.Recognize(ctx, normalized)
	if err != nil {
		return domain.ExtractionResult{}, fmt.Errorf("ocr image: %w", err)
	}

	confidence := domain.ClampConfidence(ocr.Confidence)
	return domain.ExtractionResult{
		SourceFile:    ev.FilePath,
		Text:          ocr.Text,
		Method:        domain.MethodOCRImage,
		Confidence:    confidence,
		LowConfidence: confidence < e.lowConfidence || ocr.Text == "",
	}, nil
}

// Normalize decodes an image, applies its EXIF orientation, converts it to
// grayscale, shrinks it to fit maxDimension and re-encodes it as PNG.
func Normalize(raw []byte, maxDimension int) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(raw), imaging.AutoOrientation(true))
	if err != nil {
		return nil, domain.WrapError(domain.ErrUnsupported, "decode image", err)
	}

	gray := imaging.Grayscale(img)
	if maxDimension > 0 {
		b := gray.Bounds()
		if b.Dx() > maxDimension || b.Dy() > maxDimension {
			gray = imaging.Fit(gray, maxDimension, maxDimension, imaging.Lanczos)
		}
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, gray, imaging.PNG); err != nil {
		return nil, fmt.Errorf("encode normalized image: %w", err)
	}
	return buf.Bytes(), nil
}
