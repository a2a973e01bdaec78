package contracts

// SkillCategory classifies who may request a skill.
type SkillCategory string

const (
	CategoryPublic   SkillCategory = "public"
	CategoryInternal SkillCategory = "internal"
)

// Safety carries the declared safety profile of a skill version.
type Safety struct {
	RequiresApproval  bool `json:"requires_approval"`
	TimeoutSeconds    int  `json:"timeout_seconds"`
	MaxRetries        int  `json:"max_retries"`
	RetryDelaySeconds int  `json:"retry_delay_seconds"`
}

// CostModel declares how a skill's cost is computed, in integer cents.
// MaxInputTokens/MaxOutputTokens are the declared ceilings for token-priced
// skills; they size the upfront reservation so settlement never exceeds it.
type CostModel struct {
	FixedCost       int64 `json:"fixed_cost"`
	PerTokenInput   int64 `json:"per_token_input"`
	PerTokenOutput  int64 `json:"per_token_output"`
	MaxInputTokens  int64 `json:"max_input_tokens,omitempty"`
	MaxOutputTokens int64 `json:"max_output_tokens,omitempty"`
}

// SkillSpec is the declarative profile of one skill version as exposed by the
// registry. The handler itself is resolved separately; specs are read-only at
// runtime.
type SkillSpec struct {
	Key      string        `json:"key"`
	Version  string        `json:"version"`
	Category SkillCategory `json:"category"`

	Safety                      Safety    `json:"safety"`
	RequiredResponsibilityLevel int       `json:"required_responsibility_level"`
	CostModel                   CostModel `json:"cost_model"`
	HasExternalEffect           bool      `json:"has_external_effect"`
}
