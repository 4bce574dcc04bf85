package ags

import "time"

// IMS media types.
const (
	MediaTypeLineItem          = "application/vnd.ims.lis.v2.lineitem+json"
	MediaTypeLineItemContainer = "application/vnd.ims.lis.v2.lineitemcontainer+json"
	MediaTypeResultContainer   = "application/vnd.ims.lis.v2.resultcontainer+json"
	MediaTypeScore             = "application/vnd.ims.lis.v1.score+json"
)

// GradedByTool is recorded as the grading actor for every AGS score.
const GradedByTool = "external_tool"

// LineItem is the AGS view of one assignment. ID is the assignment id.
type LineItem struct {
	ID             string
	Label          string
	ScoreMaximum   float64
	ResourceLinkID string
}

// Score is one posted grade.
type Score struct {
	UserID           string
	ScoreGiven       float64
	ScoreMaximum     float64
	Comment          string
	ActivityProgress string
	GradingProgress  string
	Timestamp        time.Time // zero means now
}

// ScoreReceipt locates the result a score wrote.
type ScoreReceipt struct {
	ResultURL string  `json:"resultUrl"`
	Grade     float64 `json:"-"` // stored value after rescaling
}

// Result is the AGS view of a graded submission.
type Result struct {
	ID            string    `json:"id,omitempty"`
	ScoreOf       string    `json:"scoreOf,omitempty"`
	UserID        string    `json:"userId"`
	ResultScore   *float64  `json:"resultScore,omitempty"`
	ResultMaximum float64   `json:"resultMaximum"`
	Comment       string    `json:"comment,omitempty"`
	Timestamp     time.Time `json:"timestamp,omitempty"`
}

// Grant is an authorized bearer token as the gateway sees it. It is derived
// from the token on every request and never stored.
type Grant struct {
	TenantID  string
	ClientID  string
	Scopes    []string
	ExpiresAt time.Time
}
