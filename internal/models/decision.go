package models

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// DecisionAction is the verb of a human decision.
type DecisionAction string

const (
	ActionApprove DecisionAction = "approve"
	ActionReject  DecisionAction = "reject"
	ActionEdit    DecisionAction = "edit"
)

// DecisionData is the action-specific payload of a decision.
type DecisionData struct {
	Feedback  string         `json:"feedback,omitempty"`
	ExtraData map[string]any `json:"extra_data,omitempty"`
}

// ValidationDecision is the user input captured at a checkpoint.
type ValidationDecision struct {
	Action DecisionAction `json:"action" validate:"required,oneof=approve reject edit"`
	Data   *DecisionData  `json:"data,omitempty"`
}

// Approve accepts the pipeline output as is.
func Approve() ValidationDecision {
	return ValidationDecision{Action: ActionApprove}
}

// Reject sends the output back with feedback.
func Reject(feedback string) ValidationDecision {
	return ValidationDecision{Action: ActionReject, Data: &DecisionData{Feedback: feedback}}
}

// Edit overrides state fields before continuing.
func Edit(extra map[string]any) ValidationDecision {
	return ValidationDecision{Action: ActionEdit, Data: &DecisionData{ExtraData: extra}}
}

// SelectTopic approves the topic checkpoint with the chosen trend.
func SelectTopic(t Trend) ValidationDecision {
	return ValidationDecision{
		Action: ActionApprove,
		Data:   &DecisionData{ExtraData: map[string]any{"selected_topic": t}},
	}
}

var validate = func() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterStructValidation(decisionRules, ValidationDecision{})
	return v
}()

func decisionRules(sl validator.StructLevel) {
	d := sl.Current().Interface().(ValidationDecision)
	switch d.Action {
	case ActionReject:
		if d.Data == nil || d.Data.Feedback == "" {
			sl.ReportError(d.Data, "Data", "data", "feedback_required", "")
		}
	case ActionEdit:
		if d.Data == nil || len(d.Data.ExtraData) == 0 {
			sl.ReportError(d.Data, "Data", "data", "extra_data_required", "")
		}
	}
}

// Validate checks the decision is well formed for its action.
func (d ValidationDecision) Validate() error {
	if err := validate.Struct(d); err != nil {
		return fmt.Errorf("invalid decision: %w", err)
	}
	return nil
}
