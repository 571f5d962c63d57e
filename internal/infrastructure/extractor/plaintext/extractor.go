package plaintext

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/transform"

	"github.com/kirillkom/file-bridge/internal/core/domain"
	"github.com/kirillkom/file-bridge/internal/core/ports"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

type Extractor struct {
	reader ports.SourceReader
}

func NewExtractor(reader ports.SourceReader) *Extractor {
	return &Extractor{reader: reader}
}

func (e *Extractor) Extract(ctx context.Context, ev domain.IngestEvent) (domain.ExtractionResult, error) {
	raw, err := e.reader.ReadFile(ctx, ev.FilePath)
	if err != nil {
		return domain.ExtractionResult{}, fmt.Errorf("read source document: %w", err)
	}
	return e.ExtractBytes(ctx, ev, raw)
}

// ExtractBytes converts already loaded content; the misc router uses it after
// sniffing.
func (e *Extractor) ExtractBytes(_ context.Context, ev domain.IngestEvent, raw []byte) (domain.ExtractionResult, error) {
	var (
		text string
		err  error
	)
	if strings.EqualFold(filepath.Ext(ev.FilePath), ".xlsx") {
		text, err = spreadsheetText(raw)
	} else {
		text, err = DecodeText(raw)
	}
	if err != nil {
		return domain.ExtractionResult{}, err
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return domain.ExtractionResult{}, domain.WrapError(domain.ErrPermanent, "extract document", errors.New("empty document"))
	}
	return domain.ExtractionResult{
		SourceFile: ev.FilePath,
		Text:       text,
		Method:     domain.MethodDirectRead,
		Confidence: 1.0,
	}, nil
}

// DecodeText returns raw as UTF-8. Non-UTF-8 text is decoded with the
// detected legacy encoding; binary content is unsupported.
func DecodeText(raw []byte) (string, error) {
	raw = bytes.TrimPrefix(raw, utf8BOM)
	if utf8.Valid(raw) && bytes.IndexByte(raw, 0) < 0 {
		return normalizeNewlines(string(raw)), nil
	}

	enc, name, certain := charset.DetermineEncoding(raw, "text/plain")
	utf16 := certain && strings.HasPrefix(name, "utf-16")
	if !utf16 && LooksBinary(raw) {
		return "", domain.WrapError(domain.ErrUnsupported, "decode document", errors.New("binary content"))
	}

	decoded, _, err := transform.Bytes(enc.NewDecoder(), raw)
	if err != nil {
		return "", domain.WrapError(domain.ErrUnsupported, "decode document", fmt.Errorf("decode %s: %w", name, err))
	}
	decoded = bytes.TrimPrefix(decoded, utf8BOM)
	return normalizeNewlines(string(decoded)), nil
}

// LooksBinary reports NUL bytes or a high share of control characters in
// the first 8 KiB.
func LooksBinary(raw []byte) bool {
	sample := raw
	if len(sample) > 8192 {
		sample = sample[:8192]
	}
	if len(sample) == 0 {
		return false
	}
	control := 0
	for _, b := range sample {
		if b == 0 {
			return true
		}
		if b < 0x20 && b != '\n' && b != '\r' && b != '\t' && b != '\f' {
			control++
		}
	}
	return control*10 > len(sample)
}

func spreadsheetText(raw []byte) (string, error) {
	book, err := excelize.OpenReader(bytes.NewReader(raw))
	if err != nil {
		return "", domain.WrapError(domain.ErrUnsupported, "open spreadsheet", err)
	}
	defer func() {
		_ = book.Close()
	}()

	var b strings.Builder
	for _, sheet := range book.GetSheetList() {
		rows, err := book.GetRows(sheet)
		if err != nil {
			return "", domain.WrapError(domain.ErrUnsupported, "read spreadsheet", fmt.Errorf("sheet %q: %w", sheet, err))
		}
		for _, row := range rows {
			line := strings.TrimRight(strings.Join(row, "\t"), "\t")
			if line == "" {
				continue
			}
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	return b.String(), nil
}

func normalizeNewlines(s string) string {
	return strings.ReplaceAll(s, "\r\n", "\n")
}
