package domain

const DefaultProfileID = "default"

type ClassificationProfile struct {
	ProfileID        string `json:"profile_id" yaml:"id"`
	PromptTemplateID string `json:"prompt_template_id" yaml:"prompt_template"`
	ModelTier        string `json:"model_tier" yaml:"model_tier"`
	Priority         int    `json:"priority" yaml:"priority"`
	MatchReason      string `json:"match_reason" yaml:"-"`
}
