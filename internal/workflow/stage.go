package workflow

import "strconv"

// Stage describes how far a workflow has progressed.
type Stage string

const (
	StageIdle       Stage = "idle"
	StageSelected   Stage = "selected"
	StageSubmitting Stage = "submitting"
	StageResults    Stage = "results"
	StageError      Stage = "error"
)

// Tab is one of the three presentation stages of the page.
type Tab string

const (
	TabUpload  Tab = "upload"
	TabPreview Tab = "preview"
	TabResults Tab = "results"
)

// TabState tells the page which tabs may be entered and which one to show.
// Upload is always enabled.
type TabState struct {
	Active  Tab  `json:"active"`
	Preview bool `json:"preview_enabled"`
	Results bool `json:"results_enabled"`
}

// Tabs projects a snapshot onto the tab bar. It is the only source of tab
// state; the page never sets tabs independently of the workflow.
func Tabs(s Snapshot) TabState {
	ts := TabState{
		Preview: s.Preview != nil,
		Results: s.Result != nil,
	}

	switch s.Stage {
	case StageResults:
		ts.Active = TabResults
	case StageSelected, StageSubmitting, StageError:
		ts.Active = TabPreview
	default:
		ts.Active = TabUpload
	}

	switch {
	case ts.Active == TabResults && !ts.Results:
		ts.Active = TabUpload
	case ts.Active == TabPreview && !ts.Preview:
		ts.Active = TabUpload
	}
	return ts
}

// FormatConfidence renders a percentage with one decimal, e.g. "92.3%".
func FormatConfidence(confidence float64) string {
	return strconv.FormatFloat(confidence, 'f', 1, 64) + "%"
}
