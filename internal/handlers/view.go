package handlers

import (
	"github.com/example/medscan/internal/prediction"
	"github.com/example/medscan/internal/workflow"
)

type workflowView struct {
	Stage      workflow.Stage     `json:"stage"`
	Tabs       workflow.TabState  `json:"tabs"`
	File       *workflow.FileInfo `json:"file,omitempty"`
	PreviewURL string             `json:"preview_url,omitempty"`
	Result     *resultView        `json:"result,omitempty"`
	Error      *workflow.Error    `json:"error,omitempty"`
	TaskID     string             `json:"task_id,omitempty"`
}

type resultView struct {
	Label             string              `json:"class"`
	Confidence        float64             `json:"confidence"`
	ConfidenceDisplay string              `json:"confidence_display"`
	Details           *prediction.Details `json:"details,omitempty"`
	Preview           string              `json:"preview,omitempty"`
}

func newWorkflowView(s workflow.Snapshot, task *workflow.Task) workflowView {
	v := workflowView{
		Stage: s.Stage,
		Tabs:  workflow.Tabs(s),
		File:  s.File,
		Error: s.Err,
	}
	if s.Preview != nil {
		v.PreviewURL = s.Preview.URL
	}
	if s.Result != nil {
		v.Result = &resultView{
			Label:             s.Result.Label,
			Confidence:        s.Result.Confidence,
			ConfidenceDisplay: workflow.FormatConfidence(s.Result.Confidence),
			Details:           s.Result.Details,
			Preview:           s.Result.Preview,
		}
	}
	if task != nil {
		v.TaskID = task.ID
	}
	return v
}
