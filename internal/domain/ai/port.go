package ai

import "context"

// TriageRequest describes one evidence item to an AI model. Excerpt holds
// leading decoded text, empty for binary content.
type TriageRequest struct {
	EvidenceID  string
	Filename    string
	ContentType string
	Size        int64
	SHA256      string
	Excerpt     string
	Truncated   bool
}

type Client interface {
	// Triage returns the model's raw JSON answer.
	Triage(ctx context.Context, req TriageRequest) (string, error)
}
