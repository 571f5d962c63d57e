package rules

import (
	"strings"
	"testing"

	"github.com/kirillkom/file-bridge/internal/config"
	"github.com/kirillkom/file-bridge/internal/core/domain"
)

func boolPtr(v bool) *bool { return &v }

func TestClassifyFallsBackToDefault(t *testing.T) {
	c, err := New(nil, nil, 10)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	profile := c.Classify(domain.ExtractionResult{Text: "Meeting notes", Confidence: 1}, domain.CategoryDocument)
	if profile.ProfileID != domain.DefaultProfileID {
		t.Fatalf("expected default profile, got %+v", profile)
	}
	if profile.Priority != 5 || profile.MatchReason == "" {
		t.Fatalf("unexpected default profile %+v", profile)
	}
}

func TestClassifyRoutesLowConfidenceToNeedsReview(t *testing.T) {
	c, err := New(nil, nil, 10)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	profile := c.Classify(domain.ExtractionResult{Text: "??", Confidence: 0.12, LowConfidence: true}, domain.CategoryImage)
	if profile.ProfileID != NeedsReviewProfileID {
		t.Fatalf("expected needs-review, got %+v", profile)
	}
	if profile.Priority != 1 {
		t.Fatalf("expected lowest priority, got %d", profile.Priority)
	}
	if !strings.Contains(profile.MatchReason, "low_confidence=true") {
		t.Fatalf("unexpected match reason %q", profile.MatchReason)
	}
}

func TestClassifyFirstMatchingRuleWins(t *testing.T) {
	profiles := []domain.ClassificationProfile{
		{ProfileID: "invoice", PromptTemplateID: "invoice-extract", ModelTier: "large", Priority: 8},
		{ProfileID: "finance", PromptTemplateID: "finance", ModelTier: "standard", Priority: 6},
	}
	rules := []config.RuleConfig{
		{Profile: "invoice", KeywordsAny: []string{"invoice", "total due", "iban"}, MinScore: 2},
		{Profile: "finance", KeywordsAny: []string{"invoice"}},
	}
	c, err := New(profiles, rules, 10)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	strong := c.Classify(domain.ExtractionResult{Text: "INVOICE #7. Total due: 120 EUR"}, domain.CategoryPDF)
	if strong.ProfileID != "invoice" || strong.PromptTemplateID != "invoice-extract" {
		t.Fatalf("expected invoice profile, got %+v", strong)
	}
	weak := c.Classify(domain.ExtractionResult{Text: "see invoice attached"}, domain.CategoryPDF)
	if weak.ProfileID != "finance" {
		t.Fatalf("expected finance profile, got %+v", weak)
	}
}

func TestClassifyCombinesConditions(t *testing.T) {
	profiles := []domain.ClassificationProfile{{ProfileID: "contract", Priority: 7}}
	rules := []config.RuleConfig{{
		Profile:     "contract",
		Categories:  []string{"pdf"},
		KeywordsAll: []string{"agreement", "signature"},
		Regex:       `(?i)clause\s+\d+`,
	}}
	c, err := New(profiles, rules, 10)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	text := "Service Agreement. Clause 4 applies. Signature:"
	if got := c.Classify(domain.ExtractionResult{Text: text}, domain.CategoryPDF); got.ProfileID != "contract" {
		t.Fatalf("expected contract, got %+v", got)
	}
	if got := c.Classify(domain.ExtractionResult{Text: text}, domain.CategoryDocument); got.ProfileID != domain.DefaultProfileID {
		t.Fatalf("expected category mismatch to fall through, got %+v", got)
	}
	if got := c.Classify(domain.ExtractionResult{Text: "Service Agreement. Signature:"}, domain.CategoryPDF); got.ProfileID != domain.DefaultProfileID {
		t.Fatalf("expected regex mismatch to fall through, got %+v", got)
	}
}

func TestClassifyClampsPriority(t *testing.T) {
	profiles := []domain.ClassificationProfile{
		{ProfileID: "urgent", Priority: 99},
		{ProfileID: "zero", Priority: 0},
	}
	rules := []config.RuleConfig{
		{Profile: "urgent", LowConfidence: boolPtr(false), Categories: []string{"document"}},
		{Profile: "zero", Categories: []string{"image"}},
	}
	c, err := New(profiles, rules, 10)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if got := c.Classify(domain.ExtractionResult{Text: "x"}, domain.CategoryDocument); got.Priority != 10 {
		t.Fatalf("expected priority clamped to 10, got %d", got.Priority)
	}
	if got := c.Classify(domain.ExtractionResult{Text: "x"}, domain.CategoryImage); got.Priority != 1 {
		t.Fatalf("expected priority clamped to 1, got %d", got.Priority)
	}
}

func TestNewRejectsInvalidRules(t *testing.T) {
	if _, err := New(nil, []config.RuleConfig{{Profile: "missing"}}, 10); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for unknown profile, got %v", err)
	}
	if _, err := New(nil, []config.RuleConfig{{Profile: "default", Regex: "("}}, 10); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for bad regex, got %v", err)
	}
}
