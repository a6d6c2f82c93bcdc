package models

import "github.com/runforge/runforge/ent"

// UpdateStepRequest contains fields for patching a single execution step.
// Nil pointers leave the stored value untouched.
type UpdateStepRequest struct {
	StepNumber int     `json:"step_number"`
	StepType   string  `json:"step_type"`
	Completed  bool    `json:"completed"`
	Success    *bool   `json:"success,omitempty"`
	Output     *string `json:"output,omitempty"`
	Notes      *string `json:"notes,omitempty"`
	Approved   *bool   `json:"approved,omitempty"`
	ApprovedBy string  `json:"approved_by,omitempty"`
}

// StepResponse wraps an ExecutionStep
type StepResponse struct {
	*ent.ExecutionStep
}
