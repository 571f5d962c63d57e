package router

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/kirillkom/file-bridge/internal/core/domain"
	"github.com/kirillkom/file-bridge/internal/core/ports"
	"github.com/kirillkom/file-bridge/internal/infrastructure/extractor/ocrpdf"
	"github.com/kirillkom/file-bridge/internal/infrastructure/extractor/plaintext"
)

// ByteExtractor extracts text from content that is already in memory.
type ByteExtractor interface {
	ExtractBytes(ctx context.Context, ev domain.IngestEvent, raw []byte) (domain.ExtractionResult, error)
}

// Extractor reads the file once and hands it to the extractor for its
// category. Files in the misc category are routed by sniffing.
type Extractor struct {
	reader   ports.SourceReader
	document ByteExtractor
	image    ByteExtractor
	pdf      ByteExtractor
}

func New(reader ports.SourceReader, document, image, pdf ByteExtractor) *Extractor {
	return &Extractor{
		reader:   reader,
		document: document,
		image:    image,
		pdf:      pdf,
	}
}

func (e *Extractor) Extract(ctx context.Context, ev domain.IngestEvent) (domain.ExtractionResult, error) {
	raw, err := e.reader.ReadFile(ctx, ev.FilePath)
	if err != nil {
		return domain.ExtractionResult{}, fmt.Errorf("read source file: %w", err)
	}

	target := ev.Category
	if target == domain.CategoryMisc {
		target, err = Sniff(ev.FilePath, raw)
		if err != nil {
			return domain.ExtractionResult{}, err
		}
	}

	switch target {
	case domain.CategoryDocument:
		return e.document.ExtractBytes(ctx, ev, raw)
	case domain.CategoryImage:
		return e.image.ExtractBytes(ctx, ev, raw)
	case domain.CategoryPDF:
		return e.pdf.ExtractBytes(ctx, ev, raw)
	default:
		return domain.ExtractionResult{}, domain.WrapError(domain.ErrInvalidInput, "route extraction", fmt.Errorf("unknown category %q", ev.Category))
	}
}

// Sniff picks the extraction path for a file of unknown kind.
func Sniff(path string, raw []byte) (domain.Category, error) {
	contentType := http.DetectContentType(raw)
	ext := strings.ToLower(filepath.Ext(path))

	switch {
	case ocrpdf.IsPDF(raw) || contentType == "application/pdf":
		return domain.CategoryPDF, nil
	case strings.HasPrefix(contentType, "image/"):
		return domain.CategoryImage, nil
	case ext == ".xlsx" && contentType == "application/zip":
		return domain.CategoryDocument, nil
	case strings.HasPrefix(contentType, "text/"):
		return domain.CategoryDocument, nil
	case !plaintext.LooksBinary(raw):
		return domain.CategoryDocument, nil
	default:
		return "", domain.WrapError(domain.ErrUnsupported, "sniff content", errors.New("unrecognized binary content: "+contentType))
	}
}
