package ocrpdf

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/kirillkom/file-bridge/internal/core/domain"
	"github.com/kirillkom/file-bridge/internal/core/ports"
)

var pdfMagic = []byte("%PDF-")

type Extractor struct {
	reader        ports.SourceReader
	rasterizer    ports.PDFRasterizer
	ocr           ports.OCREngine
	lowConfidence float64
}

func NewExtractor(reader ports.SourceReader, rasterizer ports.PDFRasterizer, ocr ports.OCREngine, lowConfidenceThreshold float64) *Extractor {
	return &Extractor{
		reader:        reader,
		rasterizer:    rasterizer,
		ocr:           ocr,
		lowConfidence: lowConfidenceThreshold,
	}
}

func (e *Extractor) Extract(ctx context.Context, ev domain.IngestEvent) (domain.ExtractionResult, error) {
	raw, err := e.reader.ReadFile(ctx, ev.FilePath)
	if err != nil {
		return domain.ExtractionResult{}, fmt.Errorf("read source pdf: %w", err)
	}
	return e.ExtractBytes(ctx, ev, raw)
}

// ExtractBytes OCRs every page independently. A failing page leaves an empty
// segment with zero confidence; only a document where every page failed is
// an error.
func (e *Extractor) ExtractBytes(ctx context.Context, ev domain.IngestEvent, raw []byte) (domain.ExtractionResult, error) {
	if !IsPDF(raw) {
		return domain.ExtractionResult{}, domain.WrapError(domain.ErrUnsupported, "extract pdf", errors.New("missing %PDF- header"))
	}
	declared := PageCount(raw)

	images, err := e.rasterizer.Rasterize(ctx, raw)
	if err != nil {
		return domain.ExtractionResult{}, fmt.Errorf("rasterize pdf: %w", err)
	}

	total := len(images)
	if declared > total {
		total = declared
	}
	if total == 0 {
		return domain.ExtractionResult{}, domain.WrapError(domain.ErrPermanent, "extract pdf", errors.New("pdf has no pages"))
	}

	segments := make([]string, total)
	confidences := make([]float64, total)
	failed := make([]int, 0)
	anyTransient := false
	var lastErr error

	for i := 0; i < total; i++ {
		if err := ctx.Err(); err != nil {
			return domain.ExtractionResult{}, err
		}
		if i >= len(images) {
			failed = append(failed, i+1)
			lastErr = fmt.Errorf("page %d was not rasterized", i+1)
			continue
		}

		page, err := e.ocr.Recognize(ctx, images[i])
		if err != nil {
			slog.Warn("pdf_page_ocr_failed", "file", ev.FilePath, "page", i+1, "error", err)
			failed = append(failed, i+1)
			lastErr = fmt.Errorf("page %d: %w", i+1, err)
			if domain.IsTransient(err) {
				anyTransient = true
			}
			continue
		}
		segments[i] = page.Text
		confidences[i] = domain.ClampConfidence(page.Confidence)
	}

	if len(failed) == total {
		kind := domain.ErrPermanent
		if anyTransient {
			kind = domain.ErrTemporary
		}
		return domain.ExtractionResult{}, domain.WrapError(kind, "extract pdf", fmt.Errorf("all %d pages failed: %w", total, lastErr))
	}

	sum := 0.0
	for _, c := range confidences {
		sum += c
	}
	confidence := sum / float64(total)

	return domain.ExtractionResult{
		SourceFile:         ev.FilePath,
		Text:               strings.TrimSpace(strings.Join(segments, "\n\n")),
		Method:             domain.MethodOCRPDF,
		Confidence:         confidence,
		PerPageConfidences: confidences,
		FailedPages:        failed,
		LowConfidence:      confidence < e.lowConfidence,
	}, nil
}

func IsPDF(raw []byte) bool {
	return bytes.HasPrefix(bytes.TrimLeft(raw, " \t\r\n"), pdfMagic)
}

// PageCount returns the number of pages declared by the document, or 0 when
// the structure cannot be parsed.
func PageCount(raw []byte) (n int) {
	defer func() {
		if r := recover(); r != nil {
			n = 0
		}
	}()
	reader, err := pdf.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return 0
	}
	return reader.NumPage()
}
