// Package analysis turns a family's live state into a short safety summary.
// A language model is asked first; a rules engine answers when the model is
// unavailable, fails, or the daily quota is spent.
package analysis

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// RiskLevel grades a summary
type RiskLevel string

const (
	RiskSafe    RiskLevel = "safe"
	RiskCaution RiskLevel = "caution"
	RiskDanger  RiskLevel = "danger"
	// RiskQuota marks a result produced because the daily quota is used up
	RiskQuota RiskLevel = "quota_exhausted"
)

// ParseRiskLevel maps model output onto a RiskLevel, accepting the
// Indonesian labels the original prompts used.
func ParseRiskLevel(s string) (RiskLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "safe", "aman", "low":
		return RiskSafe, nil
	case "caution", "waspada", "warning", "medium":
		return RiskCaution, nil
	case "danger", "bahaya", "high", "critical":
		return RiskDanger, nil
	}
	return "", fmt.Errorf("unknown risk level %q", s)
}

// State is the slice of family state a summary is based on
type State struct {
	BeaconConnected bool `json:"beaconConnected"`
	BeaconBattery   int  `json:"beaconBattery"` // -1 when unknown
	BuzzerOn        bool `json:"buzzerOn"`
	LEDOn           bool `json:"ledOn"`
	ChildOnline     bool `json:"childOnline"`
	PhoneBattery    int  `json:"phoneBattery"`
	HasLocation     bool `json:"hasLocation"`
	SOS             bool `json:"sos"`
}

// Result is one safety summary
type Result struct {
	Message        string    `json:"message"`
	Recommendation string    `json:"recommendation"`
	RiskLevel      RiskLevel `json:"riskLevel"`
	// Source names what produced the result: a model name, "rules" or "quota"
	Source string `json:"source"`
}

// Summarizer produces a Result from a State
type Summarizer interface {
	Summarize(ctx context.Context, s State) (Result, error)
}

// Analyzer asks the model within the quota and falls back to the rules
type Analyzer struct {
	model  Summarizer
	quota  *Quota
	logger *zap.Logger
}

// NewAnalyzer creates an analyzer. model and quota may be nil: without a
// model every answer comes from the rules, without a quota the model is
// never rationed.
func NewAnalyzer(model Summarizer, quota *Quota, logger *zap.Logger) *Analyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyzer{model: model, quota: quota, logger: logger}
}

// Summarize never fails; the rules engine is the last resort
func (a *Analyzer) Summarize(ctx context.Context, s State) Result {
	if a.model == nil {
		return Rules(s)
	}
	if a.quota != nil {
		ok, err := a.quota.Available()
		if err != nil {
			a.logger.Warn("quota unreadable, using rules", zap.Error(err))
			return Rules(s)
		}
		if !ok {
			return QuotaResult(a.quota.Limit())
		}
	}

	res, err := a.model.Summarize(ctx, s)
	if err != nil {
		a.logger.Warn("model summary failed, using rules", zap.Error(err))
		return Rules(s)
	}
	if a.quota != nil {
		if err := a.quota.Consume(); err != nil {
			a.logger.Warn("failed to record AI usage", zap.Error(err))
		}
	}
	return res
}

// QuotaResult is returned instead of calling the model once the day's
// allowance is spent
func QuotaResult(limit int) Result {
	return Result{
		Message:        fmt.Sprintf("The limit of %d AI scans per day has been reached.", limit),
		Recommendation: "Try again tomorrow or use the rule-based status above.",
		RiskLevel:      RiskQuota,
		Source:         "quota",
	}
}

// Rules grades the state without a model. Later rules override earlier
// ones: an active alarm is always danger.
func Rules(s State) Result {
	r := Result{
		Message:        "All systems normal. Every sensor reports safe.",
		Recommendation: "Keep monitoring periodically.",
		RiskLevel:      RiskSafe,
		Source:         "rules",
	}

	if !s.BeaconConnected {
		r.RiskLevel = RiskCaution
		r.Message = "Warning: the beacon connection is unstable."
		r.Recommendation = "Check the beacon link and make sure the child is in range."
	}
	if !s.ChildOnline {
		r.RiskLevel = RiskCaution
		r.Message += " The child's phone is offline."
		r.Recommendation = "Try calling the child or check the last known location."
	}
	if s.PhoneBattery > 0 && s.PhoneBattery < 20 {
		r.RiskLevel = RiskCaution
		r.Message += " The child's phone battery is low."
		r.Recommendation = "Contact the child to charge the phone soon."
	}
	if s.BuzzerOn || s.SOS {
		r.RiskLevel = RiskDanger
		r.Message = "EMERGENCY ALARM ACTIVE! The child may be in danger."
		r.Recommendation = "Check the child's location now or contact someone nearby."
	}
	r.Message = strings.TrimSpace(r.Message)
	return r
}
