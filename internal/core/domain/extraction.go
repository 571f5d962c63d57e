package domain

type ExtractionMethod string

const (
	MethodDirectRead ExtractionMethod = "direct-read"
	MethodOCRImage   ExtractionMethod = "ocr-image"
	MethodOCRPDF     ExtractionMethod = "ocr-pdf"
)

type ExtractionResult struct {
	SourceFile         string           `json:"source_file"`
	Text               string           `json:"text"`
	Method             ExtractionMethod `json:"method"`
	Confidence         float64          `json:"confidence"`
	PerPageConfidences []float64        `json:"per_page_confidences,omitempty"`
	FailedPages        []int            `json:"failed_pages,omitempty"`
	LowConfidence      bool             `json:"low_confidence"`
}

// OCRResult is what the recognition engine returns for one image.
type OCRResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func ClampConfidence(v float64) float64 {
	switch {
	case v != v, v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
