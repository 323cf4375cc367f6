package models

// VerdictItem is one finding reported by the verification pipeline.
type VerdictItem struct {
	RuleID       string  `yaml:"rule_id" json:"rule_id"`
	Category     string  `yaml:"category" json:"category"` // hint, re-classified by the detector
	Severity     string  `yaml:"severity" json:"severity"`
	File         string  `yaml:"file" json:"file"`
	StartLine    int     `yaml:"start_line" json:"start_line"`
	EndLine      int     `yaml:"end_line" json:"end_line"`
	Message      string  `yaml:"message" json:"message"`
	SuggestedFix string  `yaml:"suggested_fix,omitempty" json:"suggested_fix,omitempty"`
	Confidence   float64 `yaml:"confidence" json:"confidence"`
}

// Verdict is the ordered finding list produced by one verification cycle.
type Verdict struct {
	ID    string        `yaml:"id" json:"id"`
	Items []VerdictItem `yaml:"items" json:"items"`
}
