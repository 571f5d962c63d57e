package ocrimage

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/kirillkom/file-bridge/internal/core/domain"
)

type fakeReader struct {
	raw []byte
}

func (f fakeReader) ReadFile(context.Context, string) ([]byte, error) { return f.raw, nil }
func (f fakeReader) Hash(context.Context, string) (string, error)     { return "", nil }

type fakeOCR struct {
	result   domain.OCRResult
	err      error
	received []byte
}

func (f *fakeOCR) Recognize(_ context.Context, img []byte) (domain.OCRResult, error) {
	f.received = img
	return f.result, f.err
}

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.NRGBA{R: 200, G: 30, B: 30, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func TestExtractFlagsLowConfidenceWithoutFailing(t *testing.T) {
	ocr := &fakeOCR{result: domain.OCRResult{Text: "illegible scrawl", Confidence: 0.12}}
	e := NewExtractor(fakeReader{raw: testPNG(t, 40, 20)}, ocr, 3000, 0.4)

	result, err := e.Extract(context.Background(), domain.IngestEvent{FilePath: "/p/scan.png", Category: domain.CategoryImage})
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if !result.LowConfidence {
		t.Fatalf("expected low confidence flag")
	}
	if result.Confidence != 0.12 || result.Method != domain.MethodOCRImage {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestExtractNormalizesBeforeOCR(t *testing.T) {
	ocr := &fakeOCR{result: domain.OCRResult{Text: "Receipt", Confidence: 0.93}}
	e := NewExtractor(fakeReader{raw: testPNG(t, 400, 100)}, ocr, 200, 0.4)

	result, err := e.Extract(context.Background(), domain.IngestEvent{FilePath: "/p/receipt.png"})
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if result.LowConfidence {
		t.Fatalf("did not expect low confidence")
	}

	sent, err := png.Decode(bytes.NewReader(ocr.received))
	if err != nil {
		t.Fatalf("decode image sent to ocr: %v", err)
	}
	if b := sent.Bounds(); b.Dx() != 200 || b.Dy() != 50 {
		t.Fatalf("expected 200x50 after fit, got %dx%d", b.Dx(), b.Dy())
	}
	r, g, b, _ := sent.At(10, 10).RGBA()
	if r != g || g != b {
		t.Fatalf("expected grayscale pixel, got %d/%d/%d", r, g, b)
	}
}

func TestExtractUndecodableImageIsPermanent(t *testing.T) {
	e := NewExtractor(fakeReader{raw: []byte("not an image")}, &fakeOCR{}, 3000, 0.4)

	_, err := e.Extract(context.Background(), domain.IngestEvent{FilePath: "/p/broken.jpg"})
	if !domain.IsKind(err, domain.ErrUnsupported) || domain.IsTransient(err) {
		t.Fatalf("expected permanent unsupported error, got %v", err)
	}
}

func TestExtractPropagatesTransientOCRError(t *testing.T) {
	ocr := &fakeOCR{err: domain.WrapError(domain.ErrTemporary, "ocr.recognize", errors.New("503"))}
	e := NewExtractor(fakeReader{raw: testPNG(t, 10, 10)}, ocr, 3000, 0.4)

	_, err := e.Extract(context.Background(), domain.IngestEvent{FilePath: "/p/a.png"})
	if !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected ErrTemporary, got %v", err)
	}
}
