package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/bryanwahyu/custodia/internal/domain/ai"
	"github.com/bryanwahyu/custodia/internal/domain/plugin"
	"github.com/bryanwahyu/custodia/internal/infra/ai/prompt"
)

// AITriage asks a language model to summarize an evidence item and rate its
// relevance. Only a bounded text excerpt leaves the process.
type AITriage struct {
	Client       ai.Client
	ExcerptBytes int
}

func (AITriage) Descriptor() plugin.Descriptor {
	return plugin.Descriptor{
		Name:         "ai_triage",
		Version:      "1.0.0",
		Capability:   plugin.CapTriage,
		Description:  "Summarizes evidence and rates case relevance using an OpenAI-compatible model",
		Extensions:   []string{".txt", ".csv", ".json", ".xml", ".html", ".htm", ".eml", ".log", ".md"},
		ContentTypes: []string{"text/", "application/json", "application/xml", "message/rfc822"},
		Enabled:      true,
	}
}

func (t AITriage) Execute(ctx context.Context, ref plugin.EvidenceRef) plugin.Outcome {
	if t.Client == nil {
		return plugin.Failedf("ai client not configured")
	}
	max := t.ExcerptBytes
	if max <= 0 {
		max = 8 << 10
	}

	rc, err := ref.Open(ctx)
	if err != nil {
		return plugin.Failed(err)
	}
	buf, err := io.ReadAll(io.LimitReader(rc, int64(max)+1))
	rc.Close()
	if err != nil {
		return plugin.Failed(err)
	}
	req := ai.TriageRequest{
		EvidenceID:  ref.ID,
		Filename:    ref.Filename,
		ContentType: ref.ContentType,
		Size:        ref.Size,
		SHA256:      ref.SHA256,
	}
	if len(buf) > max {
		buf, req.Truncated = buf[:max], true
	}
	req.Excerpt = textExcerpt(buf)
	plugin.ReportProgress(ctx, 30)

	raw, err := t.Client.Triage(ctx, req)
	if err != nil {
		return plugin.Failed(err)
	}
	plugin.ReportProgress(ctx, 90)

	var out prompt.Triage
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return plugin.Failedf("ai answer is not valid JSON: %v", err)
	}
	if err := out.Validate(); err != nil {
		return plugin.Failed(err)
	}
	out.Relevance = strings.ToLower(out.Relevance)
	return plugin.Succeeded(out)
}

// textExcerpt returns b as text, or "" when it does not look like text.
func textExcerpt(b []byte) string {
	// potongan bisa memotong rune multibyte di ujung
	for i := 0; i < utf8.UTFMax && len(b) > 0 && !utf8.Valid(b); i++ {
		b = b[:len(b)-1]
	}
	if !utf8.Valid(b) {
		return ""
	}
	s := string(b)
	ctrl := 0
	for _, r := range s {
		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			ctrl++
		}
	}
	if len(s) > 0 && ctrl*10 > len(s) {
		return ""
	}
	return s
}

func (t AITriage) String() string { return fmt.Sprintf("ai_triage(excerpt=%d)", t.ExcerptBytes) }
