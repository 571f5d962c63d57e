package rules

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/kirillkom/file-bridge/internal/config"
	"github.com/kirillkom/file-bridge/internal/core/domain"
)

const NeedsReviewProfileID = "needs-review"

var builtinProfiles = []domain.ClassificationProfile{
	{ProfileID: domain.DefaultProfileID, PromptTemplateID: "default", ModelTier: "standard", Priority: 5},
	{ProfileID: NeedsReviewProfileID, PromptTemplateID: "needs-review", ModelTier: "standard", Priority: 1},
}

type rule struct {
	index         int
	profile       string
	lowConfidence *bool
	categories    map[domain.Category]struct{}
	keywordsAny   []string
	keywordsAll   []string
	regex         *regexp.Regexp
	minScore      int
}

// Classifier evaluates ordered rules against an extraction result. The first
// rule whose conditions all hold picks the profile; otherwise the default
// profile is used.
type Classifier struct {
	profiles    map[string]domain.ClassificationProfile
	rules       []rule
	maxPriority int
}

func New(profiles []domain.ClassificationProfile, raw []config.RuleConfig, maxPriority int) (*Classifier, error) {
	if maxPriority < 1 {
		maxPriority = 1
	}
	c := &Classifier{
		profiles:    make(map[string]domain.ClassificationProfile, len(profiles)+len(builtinProfiles)),
		maxPriority: maxPriority,
	}
	for _, p := range builtinProfiles {
		c.profiles[p.ProfileID] = p
	}
	for _, p := range profiles {
		id := strings.TrimSpace(p.ProfileID)
		if id == "" {
			return nil, fmt.Errorf("%w: profile without id", domain.ErrInvalidInput)
		}
		p.ProfileID = id
		c.profiles[id] = p
	}

	if len(raw) == 0 {
		lowConfidence := true
		raw = []config.RuleConfig{{Profile: NeedsReviewProfileID, LowConfidence: &lowConfidence}}
	}
	for i, rc := range raw {
		compiled, err := compileRule(i, rc)
		if err != nil {
			return nil, err
		}
		if _, ok := c.profiles[compiled.profile]; !ok {
			return nil, fmt.Errorf("%w: rule %d references unknown profile %q", domain.ErrInvalidInput, i, rc.Profile)
		}
		c.rules = append(c.rules, compiled)
	}
	return c, nil
}

func compileRule(index int, rc config.RuleConfig) (rule, error) {
	r := rule{
		index:         index,
		profile:       strings.TrimSpace(rc.Profile),
		lowConfidence: rc.LowConfidence,
		keywordsAny:   lowerAll(rc.KeywordsAny),
		keywordsAll:   lowerAll(rc.KeywordsAll),
		minScore:      rc.MinScore,
	}
	if len(rc.Categories) > 0 {
		r.categories = make(map[domain.Category]struct{}, len(rc.Categories))
		for _, raw := range rc.Categories {
			cat, err := domain.ParseCategory(raw)
			if err != nil {
				return rule{}, fmt.Errorf("rule %d: %w", index, err)
			}
			r.categories[cat] = struct{}{}
		}
	}
	if rc.Regex != "" {
		re, err := regexp.Compile(rc.Regex)
		if err != nil {
			return rule{}, fmt.Errorf("%w: rule %d regex: %v", domain.ErrInvalidInput, index, err)
		}
		r.regex = re
	}
	return r, nil
}

// Classify never fails; the default profile is the fallback.
func (c *Classifier) Classify(result domain.ExtractionResult, category domain.Category) domain.ClassificationProfile {
	lowered := strings.ToLower(result.Text)
	for _, r := range c.rules {
		reason, ok := r.match(result, lowered, category)
		if !ok {
			continue
		}
		profile := c.profiles[r.profile]
		profile.MatchReason = fmt.Sprintf("rule %d: %s", r.index, reason)
		profile.Priority = c.clamp(profile.Priority)
		return profile
	}

	profile := c.profiles[domain.DefaultProfileID]
	profile.MatchReason = "no rule matched"
	profile.Priority = c.clamp(profile.Priority)
	return profile
}

func (c *Classifier) clamp(priority int) int {
	if priority < 1 {
		return 1
	}
	if priority > c.maxPriority {
		return c.maxPriority
	}
	return priority
}

func (r rule) match(result domain.ExtractionResult, lowered string, category domain.Category) (string, bool) {
	reasons := make([]string, 0, 4)

	if r.lowConfidence != nil {
		if result.LowConfidence != *r.lowConfidence {
			return "", false
		}
		reasons = append(reasons, fmt.Sprintf("low_confidence=%t", *r.lowConfidence))
	}
	if r.categories != nil {
		if _, ok := r.categories[category]; !ok {
			return "", false
		}
		reasons = append(reasons, "category="+string(category))
	}
	if len(r.keywordsAny) > 0 {
		hits := make([]string, 0, len(r.keywordsAny))
		for _, kw := range r.keywordsAny {
			if strings.Contains(lowered, kw) {
				hits = append(hits, kw)
			}
		}
		need := r.minScore
		if need < 1 {
			need = 1
		}
		if len(hits) < need {
			return "", false
		}
		reasons = append(reasons, "keywords_any="+strings.Join(hits, ","))
	}
	if len(r.keywordsAll) > 0 {
		for _, kw := range r.keywordsAll {
			if !strings.Contains(lowered, kw) {
				return "", false
			}
		}
		reasons = append(reasons, "keywords_all="+strings.Join(r.keywordsAll, ","))
	}
	if r.regex != nil {
		if !r.regex.MatchString(result.Text) {
			return "", false
		}
		reasons = append(reasons, "regex="+r.regex.String())
	}

	if len(reasons) == 0 {
		return "catch-all", true
	}
	return strings.Join(reasons, " "), true
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
