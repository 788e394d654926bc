package server

// Request payloads

type CreateSubmissionRequest struct {
	ID               *string  `json:"id,omitempty"`
	MinistryID       string   `json:"ministry_id"`
	CommitmentLineID string   `json:"commitment_line_id"`
	IndicatorID      string   `json:"indicator_id"`
	Period           string   `json:"period"`
	Value            float64  `json:"value"`
	Unit             *string  `json:"unit,omitempty"`
	Target           *float64 `json:"target,omitempty"`
	Source           *string  `json:"source,omitempty"`
	Responsible      *string  `json:"responsible,omitempty"`
	ResponsibleEmail *string  `json:"responsible_email,omitempty"`
	Notes            *string  `json:"notes,omitempty"`
}

type EditSubmissionRequest struct {
	Period           *string  `json:"period,omitempty"`
	Value            *float64 `json:"value,omitempty"`
	Unit             *string  `json:"unit,omitempty"`
	Target           *float64 `json:"target,omitempty"`
	ClearTarget      bool     `json:"clear_target,omitempty"`
	Source           *string  `json:"source,omitempty"`
	Responsible      *string  `json:"responsible,omitempty"`
	ResponsibleEmail *string  `json:"responsible_email,omitempty"`
	Notes            *string  `json:"notes,omitempty"`
}

type ReviewRequest struct {
	Decision string `json:"decision" enum:"validated,observed,rejected"`
	Notes    string `json:"notes,omitempty"`
}

type SetPublishedRequest struct {
	Published bool `json:"published"`
}
