package custody

import "time"

type Action string

const (
	ActionUploaded       Action = "UPLOADED"
	ActionViewed         Action = "VIEWED"
	ActionDownloaded     Action = "DOWNLOADED"
	ActionVerified       Action = "VERIFIED"
	ActionAnalyzed       Action = "ANALYZED"
	ActionAnalysisFailed Action = "ANALYSIS_FAILED"
)

func (a Action) Valid() bool {
	switch a {
	case ActionUploaded, ActionViewed, ActionDownloaded, ActionVerified, ActionAnalyzed, ActionAnalysisFailed:
		return true
	}
	return false
}

// Event is one immutable custody ledger entry. Sequence starts at 1 per
// evidence item and has no gaps.
type Event struct {
	EvidenceID   string        `json:"evidence_id"`
	Sequence     int64         `json:"sequence"`
	Action       Action        `json:"action"`
	Actor        string        `json:"actor"`
	ClientOrigin string        `json:"client_origin"`
	UserAgent    string        `json:"user_agent,omitempty"`
	Notes        string        `json:"notes,omitempty"`
	Timestamp    time.Time     `json:"timestamp"`
	Verification *Verification `json:"verification,omitempty"`
	TaskID       string        `json:"task_id,omitempty"`
	ResultID     string        `json:"result_id,omitempty"`
	PrevHash     string        `json:"prev_hash"`
	RecordHash   string        `json:"record_hash"`
	Signature    string        `json:"signature"`
}

// Verification is the digest recomputation attached to VERIFIED events.
type Verification struct {
	SHA256      string `json:"sha256_calculated"`
	SHA512      string `json:"sha512_calculated"`
	SHA256Match bool   `json:"sha256_match"`
	SHA512Match bool   `json:"sha512_match"`
	AuthOK      bool   `json:"auth_ok"`
}

// ChainReport is the outcome of re-deriving an item's record hash chain.
type ChainReport struct {
	EvidenceID string `json:"evidence_id"`
	Events     int64  `json:"events"`
	Valid      bool   `json:"valid"`
	BrokenAt   int64  `json:"broken_at,omitempty"`
	Reason     string `json:"reason,omitempty"`
	LastHash   string `json:"last_hash,omitempty"`
}
