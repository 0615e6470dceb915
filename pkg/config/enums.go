package config

// Complexity classifies how demanding a request is for model selection.
type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityComplex Complexity = "complex"
)

// IsValid checks if the complexity value is one of the known values.
func (c Complexity) IsValid() bool {
	return c == ComplexitySimple || c == ComplexityComplex
}

// TaskArea classifies the kind of work a request asks for.
type TaskArea string

const (
	TaskAreaCode        TaskArea = "code"
	TaskAreaMath        TaskArea = "math"
	TaskAreaCreative    TaskArea = "creative"
	TaskAreaInstruction TaskArea = "instruction"
	TaskAreaGeneral     TaskArea = "general"
)

// IsValid checks if the task area is one of the known values.
func (t TaskArea) IsValid() bool {
	switch t {
	case TaskAreaCode, TaskAreaMath, TaskAreaCreative, TaskAreaInstruction, TaskAreaGeneral:
		return true
	default:
		return false
	}
}

// RejectionReason identifies why preprocessing refused a request.
type RejectionReason string

const (
	RejectionInsufficientCredits      RejectionReason = "insufficient_credits"
	RejectionHarmfulOrIllegal         RejectionReason = "harmful_or_illegal_detected"
	RejectionMisuse                   RejectionReason = "misuse_detected"
	RejectionInternalErrorLLM         RejectionReason = "internal_error_llm_preprocessing_failed"
	RejectionInternalErrorUserLookup  RejectionReason = "internal_error_user_lookup_failed"
	RejectionInternalErrorModelConfig RejectionReason = "internal_error_model_config_missing"
)

// DisclaimerType identifies the advice disclaimer a response may require.
type DisclaimerType string

const (
	DisclaimerFinancial    DisclaimerType = "financial"
	DisclaimerMedical      DisclaimerType = "medical"
	DisclaimerLegal        DisclaimerType = "legal"
	DisclaimerMentalHealth DisclaimerType = "mental_health"
)

// disclaimerByCategory maps request categories to the disclaimer they require.
// Hard-coded rather than configured: the set of regulated advice areas is a
// product decision, not a deployment decision.
var disclaimerByCategory = map[string]DisclaimerType{
	"finance":               DisclaimerFinancial,
	"medical_health":        DisclaimerMedical,
	"legal_law":             DisclaimerLegal,
	"life_coach_psychology": DisclaimerMentalHealth,
}

// DisclaimerForCategory returns the disclaimer type required for a request
// category, or false when the category carries no disclaimer.
func DisclaimerForCategory(category string) (DisclaimerType, bool) {
	d, ok := disclaimerByCategory[category]
	return d, ok
}

// SupportedOutputLanguages is the closed set of ISO-639-1 codes the assistant
// may answer in. Unknown codes fall back to "en".
var SupportedOutputLanguages = map[string]bool{
	"en": true, "de": true, "fr": true, "es": true, "it": true,
	"pt": true, "nl": true, "pl": true, "sv": true, "da": true,
	"fi": true, "no": true, "cs": true, "ru": true, "uk": true,
	"tr": true, "ar": true, "he": true, "hi": true, "ja": true,
	"ko": true, "zh": true,
}

// NormalizeOutputLanguage returns lang if supported, otherwise "en".
func NormalizeOutputLanguage(lang string) string {
	if SupportedOutputLanguages[lang] {
		return lang
	}
	return "en"
}

// RatePlan names a provider rate-limit tier.
type RatePlan string

const (
	RatePlanFree RatePlan = "free"
	RatePlanBase RatePlan = "base"
	RatePlanPro  RatePlan = "pro"
)

// IsValid checks if the rate plan is one of the known tiers.
func (p RatePlan) IsValid() bool {
	return p == RatePlanFree || p == RatePlanBase || p == RatePlanPro
}

// GeneralKnowledgeCategory is the fallback request category. It is always a
// member of the available category set even when no mate declares it.
const GeneralKnowledgeCategory = "general_knowledge"
