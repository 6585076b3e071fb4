// Package ags posts scores to a platform line item (LTI Assignment and Grade
// Services 2.0).
package ags

import (
	"fmt"
	"slices"
	"time"

	"github.com/mind-engage/mindengage-lti/pkg/tool/ltierr"
)

const ScoreMediaType = "application/vnd.ims.lis.v1.score+json"

var (
	ActivityProgress = []string{"Initialized", "Started", "InProgress", "Submitted", "Completed"}
	GradingProgress  = []string{"FullyGraded", "Pending", "PendingManual", "Failed", "NotReady"}
)

// Score is the AGS score payload.
type Score struct {
	UserID           string  `json:"userId"`
	ScoreGiven       float64 `json:"scoreGiven"`
	ScoreMaximum     float64 `json:"scoreMaximum"`
	Comment          string  `json:"comment,omitempty"`
	Timestamp        string  `json:"timestamp"`
	ActivityProgress string  `json:"activityProgress"`
	GradingProgress  string  `json:"gradingProgress"`
}

// Validate checks the score values and replaces a missing or non-RFC 3339
// timestamp with now. It does not look at UserID, which may be filled in
// later from a validated id_token.
func (s *Score) Validate(now time.Time) error {
	if s.ScoreMaximum <= 0 {
		return fmt.Errorf("%w: score_maximum must be positive", ltierr.ErrInvalidValue)
	}
	if s.ScoreGiven < 0 || s.ScoreGiven > 100*s.ScoreMaximum {
		return fmt.Errorf("%w: score_given must be within [0, 100 x score_maximum]", ltierr.ErrInvalidValue)
	}
	if !slices.Contains(ActivityProgress, s.ActivityProgress) {
		return fmt.Errorf("%w: activity_progress %q", ltierr.ErrInvalidValue, s.ActivityProgress)
	}
	if !slices.Contains(GradingProgress, s.GradingProgress) {
		return fmt.Errorf("%w: grading_progress %q", ltierr.ErrInvalidValue, s.GradingProgress)
	}
	if _, err := time.Parse(time.RFC3339, s.Timestamp); err != nil {
		s.Timestamp = now.UTC().Format(time.RFC3339)
	}
	return nil
}
