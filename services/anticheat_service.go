package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"game-leaderboard-system/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AntiCheatConfig holds the tunables of the validation pipeline.
type AntiCheatConfig struct {
	MaxScore                int64
	MinDurationMs           int64
	MaxDurationMs           int64
	MaxPointsPerSecond      float64
	ImprovementMultiplier   float64
	MinHistorySamples       int
	HistoryWindow           time.Duration
	RateWindow              time.Duration
	MaxSubmissionsPerWindow int
	DuplicateWindow         time.Duration
	FingerprintWindow       time.Duration
	SurvivalTolerance       float64
	ViolationThreshold      int
}

// DefaultAntiCheatConfig returns the production tuning.
func DefaultAntiCheatConfig() AntiCheatConfig {
	return AntiCheatConfig{
		MaxScore:                1_000_000,
		MinDurationMs:           1_000,
		MaxDurationMs:           3_600_000,
		MaxPointsPerSecond:      50.0,
		ImprovementMultiplier:   3.0,
		MinHistorySamples:       3,
		HistoryWindow:           24 * time.Hour,
		RateWindow:              10 * time.Minute,
		MaxSubmissionsPerWindow: 20,
		DuplicateWindow:         time.Hour,
		FingerprintWindow:       7 * 24 * time.Hour,
		SurvivalTolerance:       1.10,
		ViolationThreshold:      3,
	}
}

// Submission is one reported score to validate.
type Submission struct {
	UserID            string
	Score             int64
	SurvivalTimeMs    int64
	GameDurationMs    int64
	DeviceFingerprint string
	SubmittedAt       time.Time
}

// SubmissionHistory is the player's recent record, gathered once and handed
// to every check.
type SubmissionHistory struct {
	SampleCount         int
	AverageScore        float64
	MaxScore            int64
	SubmissionsInWindow int
	DuplicateSeen       bool
	// FingerprintKnown is nil when the submission carries no fingerprint;
	// the drift check is skipped entirely in that case.
	FingerprintKnown *bool
}

// Violation is one failed check.
type Violation struct {
	Rule     string               `json:"rule"`
	Reason   string               `json:"reason"`
	Severity models.CheckSeverity `json:"severity"`
}

// Verdict is the combined decision over all checks.
type Verdict struct {
	Accepted   bool
	Confidence float64
	Severity   models.CheckSeverity
	Violations []Violation
}

// StrongestReason returns the reason of the most severe violation, for the
// caller-visible rejection message.
func (v Verdict) StrongestReason() string {
	reason := ""
	for _, viol := range v.Violations {
		if reason == "" || viol.Severity == models.SeverityCritical {
			reason = viol.Reason
		}
		if viol.Severity == models.SeverityCritical {
			break
		}
	}
	return reason
}

// checkFunc is one independent validation rule. Checks are pure: they see
// the submission and the pre-gathered history, and return nil when the rule
// holds. All checks run; nothing short-circuits, so the caller sees every
// violated rule.
type checkFunc func(cfg AntiCheatConfig, sub Submission, hist SubmissionHistory) *Violation

var antiCheatChecks = []checkFunc{
	checkScoreBounds,
	checkDurationBounds,
	checkScoreTimeRatio,
	checkImprovementPattern,
	checkSubmissionRate,
	checkDuplicateScore,
	checkTimeConsistency,
	checkFingerprintDrift,
}

func checkScoreBounds(cfg AntiCheatConfig, sub Submission, _ SubmissionHistory) *Violation {
	if sub.Score < 0 || sub.Score > cfg.MaxScore {
		return &Violation{
			Rule:     "score_bounds",
			Reason:   fmt.Sprintf("score %d outside [0, %d]", sub.Score, cfg.MaxScore),
			Severity: models.SeverityCritical,
		}
	}
	return nil
}

func checkDurationBounds(cfg AntiCheatConfig, sub Submission, _ SubmissionHistory) *Violation {
	if sub.GameDurationMs < cfg.MinDurationMs || sub.GameDurationMs > cfg.MaxDurationMs {
		return &Violation{
			Rule:     "duration_bounds",
			Reason:   fmt.Sprintf("game duration %dms outside [%dms, %dms]", sub.GameDurationMs, cfg.MinDurationMs, cfg.MaxDurationMs),
			Severity: models.SeverityCritical,
		}
	}
	return nil
}

func checkScoreTimeRatio(cfg AntiCheatConfig, sub Submission, _ SubmissionHistory) *Violation {
	seconds := float64(sub.SurvivalTimeMs) / 1000.0
	if seconds <= 0 {
		if sub.Score > 0 {
			return &Violation{
				Rule:     "score_time_ratio",
				Reason:   fmt.Sprintf("score %d with no survival time", sub.Score),
				Severity: models.SeverityCritical,
			}
		}
		return nil
	}
	rate := float64(sub.Score) / seconds
	if rate > cfg.MaxPointsPerSecond {
		return &Violation{
			Rule:     "score_time_ratio",
			Reason:   fmt.Sprintf("%.2f pts/sec exceeds ceiling %.2f", rate, cfg.MaxPointsPerSecond),
			Severity: models.SeverityCritical,
		}
	}
	return nil
}

func checkImprovementPattern(cfg AntiCheatConfig, sub Submission, hist SubmissionHistory) *Violation {
	if hist.SampleCount < cfg.MinHistorySamples {
		return nil
	}
	beyondAverage := float64(sub.Score) > hist.AverageScore*cfg.ImprovementMultiplier
	beyondMax := float64(sub.Score) > float64(hist.MaxScore)*1.5
	if beyondAverage && beyondMax {
		return &Violation{
			Rule:     "improvement_pattern",
			Reason:   fmt.Sprintf("score %d implausible against recent avg %.0f / max %d", sub.Score, hist.AverageScore, hist.MaxScore),
			Severity: models.SeverityCritical,
		}
	}
	return nil
}

func checkSubmissionRate(cfg AntiCheatConfig, _ Submission, hist SubmissionHistory) *Violation {
	if hist.SubmissionsInWindow > cfg.MaxSubmissionsPerWindow {
		return &Violation{
			Rule:     "submission_rate",
			Reason:   fmt.Sprintf("%d submissions in %s exceeds %d", hist.SubmissionsInWindow, cfg.RateWindow, cfg.MaxSubmissionsPerWindow),
			Severity: models.SeverityWarning,
		}
	}
	return nil
}

func checkDuplicateScore(_ AntiCheatConfig, sub Submission, hist SubmissionHistory) *Violation {
	if hist.DuplicateSeen {
		return &Violation{
			Rule:     "duplicate_score",
			Reason:   fmt.Sprintf("identical score %d / survival %dms seen within the last hour", sub.Score, sub.SurvivalTimeMs),
			Severity: models.SeverityWarning,
		}
	}
	return nil
}

func checkTimeConsistency(cfg AntiCheatConfig, sub Submission, _ SubmissionHistory) *Violation {
	if sub.GameDurationMs <= 0 {
		return nil // duration bounds already flag this
	}
	limit := float64(sub.GameDurationMs) * cfg.SurvivalTolerance
	if float64(sub.SurvivalTimeMs) > limit {
		return &Violation{
			Rule:     "time_consistency",
			Reason:   fmt.Sprintf("survival %dms exceeds game duration %dms beyond tolerance", sub.SurvivalTimeMs, sub.GameDurationMs),
			Severity: models.SeverityCritical,
		}
	}
	return nil
}

func checkFingerprintDrift(_ AntiCheatConfig, _ Submission, hist SubmissionHistory) *Violation {
	if hist.FingerprintKnown == nil || *hist.FingerprintKnown {
		return nil
	}
	return &Violation{
		Rule:     "fingerprint_drift",
		Reason:   "device fingerprint not seen for this user in the last 7 days",
		Severity: models.SeverityWarning,
	}
}

// decideVerdict combines the independent check outcomes into one decision:
// accept on zero violations; reject on any critical violation or when the
// violation count reaches the threshold; otherwise accept with reduced
// confidence.
func decideVerdict(cfg AntiCheatConfig, violations []Violation) Verdict {
	if len(violations) == 0 {
		return Verdict{Accepted: true, Confidence: 1.0, Severity: models.SeverityNone}
	}

	severity := models.SeverityWarning
	critical := false
	for _, v := range violations {
		if v.Severity == models.SeverityCritical {
			severity = models.SeverityCritical
			critical = true
		}
	}

	if critical || len(violations) >= cfg.ViolationThreshold {
		return Verdict{Accepted: false, Confidence: 0, Severity: severity, Violations: violations}
	}

	confidence := 1.0 - 0.2*float64(len(violations))
	if confidence < 0.3 {
		confidence = 0.3
	}
	return Verdict{Accepted: true, Confidence: confidence, Severity: severity, Violations: violations}
}

// AntiCheatService screens score submissions. Validation never blocks
// legitimate play on infrastructure faults: any internal error fails open
// (accepted, confidence 0.5).
type AntiCheatService struct {
	DB  *gorm.DB
	Cfg AntiCheatConfig
	Log *zap.Logger
}

func NewAntiCheatService(db *gorm.DB, cfg AntiCheatConfig, log *zap.Logger) *AntiCheatService {
	return &AntiCheatService{DB: db, Cfg: cfg, Log: log}
}

// Validate runs every check against the submission and the player's recent
// history, writes the decision to the audit log, and returns the verdict.
func (s *AntiCheatService) Validate(ctx context.Context, sub Submission) Verdict {
	if sub.SubmittedAt.IsZero() {
		sub.SubmittedAt = time.Now().UTC()
	}

	hist, err := s.loadHistory(ctx, sub)
	if err != nil {
		s.Log.Warn("anti-cheat history unavailable, failing open",
			zap.String("user_id", sub.UserID), zap.Error(err))
		verdict := Verdict{Accepted: true, Confidence: 0.5, Severity: models.SeverityNone}
		s.writeAudit(ctx, sub, verdict)
		return verdict
	}

	var violations []Violation
	for _, check := range antiCheatChecks {
		if v := check(s.Cfg, sub, hist); v != nil {
			violations = append(violations, *v)
		}
	}
	verdict := decideVerdict(s.Cfg, violations)

	s.touchFingerprint(ctx, sub)

	if err := s.writeAudit(ctx, sub, verdict); err != nil {
		s.Log.Warn("anti-cheat audit write failed, failing open",
			zap.String("user_id", sub.UserID), zap.Error(err))
		return Verdict{Accepted: true, Confidence: 0.5, Severity: models.SeverityNone}
	}
	return verdict
}

func (s *AntiCheatService) loadHistory(ctx context.Context, sub Submission) (SubmissionHistory, error) {
	var hist SubmissionHistory

	type aggregate struct {
		Count int
		Avg   float64
		Max   int64
	}
	var agg aggregate
	err := s.DB.WithContext(ctx).Model(&models.AntiCheatLog{}).
		Select("COUNT(*) as count, COALESCE(AVG(score), 0) as avg, COALESCE(MAX(score), 0) as max").
		Where("user_id = ? AND accepted = ? AND created_at >= ?",
			sub.UserID, true, sub.SubmittedAt.Add(-s.Cfg.HistoryWindow)).
		Scan(&agg).Error
	if err != nil {
		return hist, fmt.Errorf("failed to load score history: %w", err)
	}
	hist.SampleCount = agg.Count
	hist.AverageScore = agg.Avg
	hist.MaxScore = agg.Max

	var inWindow int64
	err = s.DB.WithContext(ctx).Model(&models.AntiCheatLog{}).
		Where("user_id = ? AND created_at >= ?", sub.UserID, sub.SubmittedAt.Add(-s.Cfg.RateWindow)).
		Count(&inWindow).Error
	if err != nil {
		return hist, fmt.Errorf("failed to count recent submissions: %w", err)
	}
	hist.SubmissionsInWindow = int(inWindow) + 1 // include this submission

	var dupes int64
	err = s.DB.WithContext(ctx).Model(&models.AntiCheatLog{}).
		Where("user_id = ? AND score = ? AND survival_time_ms = ? AND created_at >= ?",
			sub.UserID, sub.Score, sub.SurvivalTimeMs, sub.SubmittedAt.Add(-s.Cfg.DuplicateWindow)).
		Count(&dupes).Error
	if err != nil {
		return hist, fmt.Errorf("failed to check duplicate scores: %w", err)
	}
	hist.DuplicateSeen = dupes > 0

	if sub.DeviceFingerprint != "" {
		var seen int64
		err = s.DB.WithContext(ctx).Model(&models.DeviceFingerprint{}).
			Where("user_id = ? AND fingerprint = ? AND last_seen_at >= ?",
				sub.UserID, sub.DeviceFingerprint, sub.SubmittedAt.Add(-s.Cfg.FingerprintWindow)).
			Count(&seen).Error
		if err != nil {
			return hist, fmt.Errorf("failed to check device fingerprint: %w", err)
		}
		known := seen > 0
		hist.FingerprintKnown = &known
	}

	return hist, nil
}

// touchFingerprint records the fingerprint sighting so the drift check only
// warns once per new device. Best effort.
func (s *AntiCheatService) touchFingerprint(ctx context.Context, sub Submission) {
	if sub.DeviceFingerprint == "" {
		return
	}
	fp := models.DeviceFingerprint{
		ID:          uuid.NewString(),
		UserID:      sub.UserID,
		Fingerprint: sub.DeviceFingerprint,
		LastSeenAt:  sub.SubmittedAt,
	}
	err := s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "fingerprint"}},
		DoUpdates: clause.Assignments(map[string]interface{}{"last_seen_at": sub.SubmittedAt}),
	}).Create(&fp).Error
	if err != nil {
		s.Log.Warn("failed to record device fingerprint",
			zap.String("user_id", sub.UserID), zap.Error(err))
	}
}

func (s *AntiCheatService) writeAudit(ctx context.Context, sub Submission, verdict Verdict) error {
	reasons, _ := json.Marshal(verdict.Violations)
	entry := models.AntiCheatLog{
		ID:             uuid.NewString(),
		UserID:         sub.UserID,
		Score:          sub.Score,
		SurvivalTimeMs: sub.SurvivalTimeMs,
		Accepted:       verdict.Accepted,
		Confidence:     verdict.Confidence,
		Severity:       verdict.Severity,
		Reasons:        string(reasons),
	}
	if err := s.DB.WithContext(ctx).Create(&entry).Error; err != nil {
		return fmt.Errorf("failed to write anti-cheat audit: %w", err)
	}
	return nil
}
