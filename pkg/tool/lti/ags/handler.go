package ags

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mind-engage/mindengage-lti/pkg/tool/idtoken"
	"github.com/mind-engage/mindengage-lti/pkg/tool/lti"
	"github.com/mind-engage/mindengage-lti/pkg/tool/ltierr"
)

// ScoreRequest is the body of POST /lti/ags/scores.
type ScoreRequest struct {
	lti.ServiceParams
	LineItem         string   `json:"lineitem,omitempty"`
	UserID           string   `json:"user_id,omitempty"`
	ScoreGiven       *float64 `json:"score_given"`
	ScoreMaximum     *float64 `json:"score_maximum"`
	Comment          string   `json:"comment,omitempty"`
	ActivityProgress string   `json:"activity_progress"`
	GradingProgress  string   `json:"grading_progress"`
	Timestamp        string   `json:"timestamp,omitempty"`
}

func (r ScoreRequest) score() (Score, error) {
	if r.ScoreGiven == nil || r.ScoreMaximum == nil {
		return Score{}, fmt.Errorf("%w: score_given and score_maximum are required", ltierr.ErrInvalidValue)
	}
	return Score{
		UserID:           r.UserID,
		ScoreGiven:       *r.ScoreGiven,
		ScoreMaximum:     *r.ScoreMaximum,
		Comment:          r.Comment,
		Timestamp:        r.Timestamp,
		ActivityProgress: r.ActivityProgress,
		GradingProgress:  r.GradingProgress,
	}, nil
}

// Handler submits a score for the learner named by the id_token, or by the
// body when no id_token is sent. Score values always come from the body.
type Handler struct {
	Auth    *lti.ServiceAuth
	Client  *Client
	Log     *slog.Logger
	Observe lti.Observer
	Now     func() time.Time
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp, err := h.submit(w, r)
	if h.Observe != nil {
		h.Observe("ags_score", err)
	}
	if err != nil {
		ltierr.Write(w, r, h.Log, err)
		return
	}
	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) (*Response, error) {
	var req ScoreRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		return nil, fmt.Errorf("%w: bad json body", ltierr.ErrInvalidValue)
	}
	score, err := req.score()
	if err != nil {
		return nil, err
	}
	if err := score.Validate(h.now()); err != nil {
		return nil, err
	}

	ctx := r.Context()
	target, err := h.Auth.Resolve(ctx, req.ServiceParams)
	if err != nil {
		return nil, err
	}
	lineItem := req.LineItem
	if p := target.Payload; p != nil {
		score.UserID = p.Subject()
		lineItem = p.String(idtoken.ClaimAGSEndpoint, "lineitem")
		if lineItem == "" {
			lineItem = p.String(idtoken.ClaimCustom, "lineitem")
		}
	}
	if score.UserID == "" || lineItem == "" {
		return nil, fmt.Errorf("%w: user and lineitem are required", ltierr.ErrInvalidValue)
	}

	token, err := h.Auth.AccessToken(ctx, target.Platform)
	if err != nil {
		return nil, err
	}
	return h.Client.PostScore(ctx, lineItem, token, score)
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}
