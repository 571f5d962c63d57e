package domain

import (
	"fmt"
	"strings"
	"time"
)

type Category string

const (
	CategoryDocument Category = "document"
	CategoryImage    Category = "image"
	CategoryPDF      Category = "pdf"
	CategoryMisc     Category = "misc"
)

var Categories = []Category{CategoryDocument, CategoryImage, CategoryPDF, CategoryMisc}

func ParseCategory(raw string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(raw)))
	switch c {
	case CategoryDocument, CategoryImage, CategoryPDF, CategoryMisc:
		return c, nil
	default:
		return "", fmt.Errorf("%w: unknown category %q", ErrInvalidInput, raw)
	}
}

// WatchedDirectory is one observed tree. FileGlobs match the base name;
// an empty list accepts every non-hidden file.
type WatchedDirectory struct {
	Path            string        `json:"path" yaml:"path"`
	Category        Category      `json:"category" yaml:"category"`
	FileGlobs       []string      `json:"file_globs,omitempty" yaml:"file_globs"`
	StabilityWindow time.Duration `json:"stability_window" yaml:"-"`
}

type IngestEvent struct {
	FilePath   string    `json:"file_path"`
	RelPath    string    `json:"rel_path"`
	Category   Category  `json:"category"`
	DetectedAt time.Time `json:"detected_at"`
	SizeBytes  int64     `json:"size_bytes"`
}
