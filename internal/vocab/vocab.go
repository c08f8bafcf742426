// Package vocab defines the closed pedagogical action vocabulary and the
// per-action lookup table used by enrichment, state building, and reward.
package vocab

import (
	"errors"
	"fmt"
	"strings"
)

// Action is a normalized pedagogical action token.
type Action string

const (
	ViewContent      Action = "view_content"
	ReadResource     Action = "read_resource"
	WatchVideo       Action = "watch_video"
	DoQuiz           Action = "do_quiz"
	AttemptQuiz      Action = "attempt_quiz"
	SubmitAssignment Action = "submit_assignment"
	ReviewQuiz       Action = "review_quiz"
	ReviewContent    Action = "review_content"
	ParticipateForum Action = "participate_forum"
	ViewReport       Action = "view_report"
	ProgressUpdated  Action = "module_progress_updated"
)

// PhaseClass is the learning-phase vote an action carries.
type PhaseClass int

const (
	PhaseNone PhaseClass = iota
	PhasePre
	PhaseActive
	PhaseReflective
)

func (p PhaseClass) String() string {
	switch p {
	case PhasePre:
		return "pre"
	case PhaseActive:
		return "active"
	case PhaseReflective:
		return "reflective"
	default:
		return "none"
	}
}

// ErrUnknownAction marks tokens outside the closed vocabulary.
var ErrUnknownAction = errors.New("vocab: unknown action token")

// Entry carries everything the pipeline needs to know about one action.
type Entry struct {
	Action           Action
	Phase            PhaseClass
	EngagementWeight float64
	// MinProgress is the progress floor implied by observing the action
	// on a module event that carries no explicit progress.
	MinProgress float64
	// Recommendable actions form the policy's action space;
	// module_progress_updated is synthetic and never recommended.
	Recommendable bool
}

var table = map[Action]Entry{
	ViewContent:      {ViewContent, PhasePre, 1, 0, true},
	ReadResource:     {ReadResource, PhasePre, 1, 0, true},
	WatchVideo:       {WatchVideo, PhasePre, 2, 0, true},
	DoQuiz:           {DoQuiz, PhaseActive, 2, 0.5, true},
	AttemptQuiz:      {AttemptQuiz, PhaseActive, 2, 0.5, true},
	SubmitAssignment: {SubmitAssignment, PhaseActive, 3, 0.5, true},
	ReviewQuiz:       {ReviewQuiz, PhaseReflective, 2, 0.75, true},
	ReviewContent:    {ReviewContent, PhaseReflective, 2, 0.75, true},
	ParticipateForum: {ParticipateForum, PhaseReflective, 2, 0, true},
	ViewReport:       {ViewReport, PhaseReflective, 1, 0, true},
	ProgressUpdated:  {ProgressUpdated, PhaseNone, 0, 0, false},
}

// aliases maps raw LMS tokens to the closed vocabulary. Raw tokens are
// lowercased and space/dash normalized before lookup.
var aliases = map[string]Action{
	"viewed":                  ViewContent,
	"content_viewed":          ViewContent,
	"module_viewed":           ViewContent,
	"page_viewed":             ViewContent,
	"resource_viewed":         ReadResource,
	"book_viewed":             ReadResource,
	"file_viewed":             ReadResource,
	"video_played":            WatchVideo,
	"video_viewed":            WatchVideo,
	"quiz_started":            DoQuiz,
	"quiz_attempted":          AttemptQuiz,
	"attempt_started":         DoQuiz,
	"attempt_submitted":       AttemptQuiz,
	"quiz_attempt_submitted":  AttemptQuiz,
	"assignment_submitted":    SubmitAssignment,
	"submission_created":      SubmitAssignment,
	"quiz_reviewed":           ReviewQuiz,
	"attempt_reviewed":        ReviewQuiz,
	"content_reviewed":        ReviewContent,
	"discussion_created":      ParticipateForum,
	"post_created":            ParticipateForum,
	"forum_post_created":      ParticipateForum,
	"report_viewed":           ViewReport,
	"grade_report_viewed":     ViewReport,
	"module_progress_updated": ProgressUpdated,
	"progress_updated":        ProgressUpdated,
}

// Normalize maps a raw action token to the closed vocabulary.
func Normalize(token string) (Action, error) {
	t := strings.ToLower(strings.TrimSpace(token))
	t = strings.ReplaceAll(t, " ", "_")
	t = strings.ReplaceAll(t, "-", "_")
	if _, ok := table[Action(t)]; ok {
		return Action(t), nil
	}
	if a, ok := aliases[t]; ok {
		return a, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAction, token)
}

// Lookup returns the table entry for a normalized action.
func Lookup(a Action) (Entry, bool) {
	e, ok := table[a]
	return e, ok
}

// IsCourseLevel reports whether a raw token describes a course-level view,
// which triggers per-module fan-out in the enricher.
func IsCourseLevel(token string) bool {
	t := strings.ToLower(token)
	return strings.Contains(t, "course") && strings.Contains(t, "viewed")
}

// Actions returns the recommendable action space in a fixed order.
func Actions() []Action {
	return []Action{
		ViewContent, ReadResource, WatchVideo,
		DoQuiz, AttemptQuiz, SubmitAssignment,
		ReviewQuiz, ReviewContent, ParticipateForum, ViewReport,
	}
}

// Valid reports whether a belongs to the closed vocabulary.
func Valid(a Action) bool {
	_, ok := table[a]
	return ok
}
