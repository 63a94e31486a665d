package prompt

import (
	"fmt"
	"strings"

	"github.com/bryanwahyu/custodia/internal/domain/ai"
)

// SystemPrompt fixes the JSON schema the triage model must answer with.
func SystemPrompt() string {
	return `You are a digital forensics examiner triaging evidence for a criminal or civil case. You must produce one valid JSON object only (no markdown, no commentary) that follows the schema below. Do not include code fences.

Requirements:
- Output must be a single JSON object.
- relevance is one of: high, medium, low, none.
- categories uses short lowercase labels (e.g. "financial", "personal_data", "credentials", "communication", "threat").
- indicators lists concrete items seen in the excerpt (names, accounts, amounts, dates, addresses). Never invent indicators that are not in the excerpt.
- If no excerpt is provided, reason only from the file name, type and size, and say so in summary.

Schema (example with empty values):
{
  "summary": "<string>",
  "relevance": "<high|medium|low|none>",
  "categories": ["<string>"],
  "indicators": [
    {"kind": "<string>", "value": "<string>", "note": "<string>"}
  ],
  "next_steps": ["<string>"]
}`
}

// UserPrompt renders the evidence facts and excerpt for the model.
func UserPrompt(req ai.TriageRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Evidence %s\n", req.EvidenceID)
	fmt.Fprintf(&b, "File name: %s\n", req.Filename)
	fmt.Fprintf(&b, "Content type: %s\n", req.ContentType)
	fmt.Fprintf(&b, "Size: %d bytes\n", req.Size)
	fmt.Fprintf(&b, "SHA-256: %s\n", req.SHA256)
	if req.Excerpt == "" {
		b.WriteString("No text excerpt available (binary content).\n")
		return b.String()
	}
	if req.Truncated {
		b.WriteString("Excerpt (truncated):\n")
	} else {
		b.WriteString("Excerpt:\n")
	}
	b.WriteString("<<<\n")
	b.WriteString(req.Excerpt)
	b.WriteString("\n>>>\n")
	return b.String()
}

// Triage is the decoded form of the schema above.
type Triage struct {
	Summary    string      `json:"summary"`
	Relevance  string      `json:"relevance"`
	Categories []string    `json:"categories"`
	Indicators []Indicator `json:"indicators"`
	NextSteps  []string    `json:"next_steps"`
}

type Indicator struct {
	Kind  string `json:"kind"`
	Value string `json:"value"`
	Note  string `json:"note,omitempty"`
}

var relevance = map[string]bool{"high": true, "medium": true, "low": true, "none": true}

// Validate checks the parts of an answer callers rely on.
func (t Triage) Validate() error {
	if strings.TrimSpace(t.Summary) == "" {
		return fmt.Errorf("triage: empty summary")
	}
	if !relevance[strings.ToLower(t.Relevance)] {
		return fmt.Errorf("triage: invalid relevance %q", t.Relevance)
	}
	return nil
}
