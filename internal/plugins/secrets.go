package plugins

import (
	"context"
	"io"
	"regexp"
	"strings"

	"github.com/bryanwahyu/custodia/internal/domain/plugin"
)

// SecretScanner flags credential material (keys, tokens, passwords in URLs)
// inside text evidence.
type SecretScanner struct {
	MaxBytes int64
}

type SecretFinding struct {
	Title    string `json:"title"`
	Severity string `json:"severity"`
	Sample   string `json:"sample"`
	Count    int    `json:"count"`
}

type SecretReport struct {
	Scanned  int64           `json:"bytes_scanned"`
	Critical int             `json:"critical"`
	High     int             `json:"high"`
	Medium   int             `json:"medium"`
	Findings []SecretFinding `json:"findings"`
}

type detector struct {
	re       *regexp.Regexp
	title    string
	severity string
}

var detectors = []detector{
	{regexp.MustCompile(`-----BEGIN (?:RSA |EC |DSA |OPENSSH |PGP )?PRIVATE KEY(?: BLOCK)?-----`), "Private key material", "critical"},
	{regexp.MustCompile(`AKIA[0-9A-Z]{16}`), "AWS access key", "critical"},
	{regexp.MustCompile(`(?i)aws_secret_access_key\s*[:=]\s*["']?[A-Za-z0-9/+=]{20,}`), "AWS secret access key", "critical"},
	{regexp.MustCompile(`gh[pousr]_[A-Za-z0-9_]{20,}`), "GitHub token", "critical"},
	{regexp.MustCompile(`github_pat_[A-Za-z0-9_]{20,}`), "GitHub fine-grained token", "critical"},
	{regexp.MustCompile(`AIza[0-9A-Za-z\-_]{35}`), "Google API key", "high"},
	{regexp.MustCompile(`xox[baprs]-[A-Za-z0-9\-]{10,}`), "Slack token", "high"},
	{regexp.MustCompile(`sk_(?:live|test)_[0-9A-Za-z]{10,}`), "Stripe secret key", "critical"},
	{regexp.MustCompile(`\bsk-[A-Za-z0-9\-_]{20,}`), "OpenAI API key", "high"},
	{regexp.MustCompile(`\beyJ[A-Za-z0-9\-_]{5,}\.eyJ[A-Za-z0-9\-_]{5,}\.[A-Za-z0-9\-_]{10,}`), "JSON Web Token", "medium"},
	{regexp.MustCompile(`(?i)authorization\s*[:=]\s*["']?bearer\s+[A-Za-z0-9\-\._~\+\/]+=*`), "Bearer token", "high"},
	{regexp.MustCompile(`://[^\s/:@]+:[^\s/@]+@`), "Credentials embedded in URL", "high"},
	{regexp.MustCompile(`(?i)(api[_-]?key|client[_-]?secret|password|passwd)\s*[:=]\s*["']?[^\s"']{8,}`), "Credential literal", "medium"},
}

func (SecretScanner) Descriptor() plugin.Descriptor {
	return plugin.Descriptor{
		Name:         "secret_scanner",
		Version:      "1.0.0",
		Capability:   plugin.CapCredentialScan,
		Description:  "Flags private keys, cloud credentials and tokens found in text evidence",
		Extensions:   []string{".txt", ".csv", ".json", ".xml", ".yml", ".yaml", ".env", ".ini", ".conf", ".log", ".eml", ".md"},
		ContentTypes: []string{"text/", "application/json", "application/xml", "application/yaml", "message/rfc822"},
		Enabled:      true,
	}
}

func (s SecretScanner) Execute(ctx context.Context, ref plugin.EvidenceRef) plugin.Outcome {
	rc, err := ref.Open(ctx)
	if err != nil {
		return plugin.Failed(err)
	}
	defer rc.Close()

	limit := s.MaxBytes
	if limit <= 0 {
		limit = 16 << 20
	}
	data, err := io.ReadAll(io.LimitReader(rc, limit))
	if err != nil {
		return plugin.Failed(err)
	}
	return plugin.Succeeded(scanSecrets(ctx, string(data)))
}

func scanSecrets(ctx context.Context, content string) SecretReport {
	rep := SecretReport{Scanned: int64(len(content)), Findings: []SecretFinding{}}
	for i, d := range detectors {
		matches := d.re.FindAllString(content, -1)
		if len(matches) > 0 {
			rep.Findings = append(rep.Findings, SecretFinding{
				Title:    d.title,
				Severity: d.severity,
				Sample:   redact(matches[0]),
				Count:    len(matches),
			})
			switch d.severity {
			case "critical":
				rep.Critical++
			case "high":
				rep.High++
			case "medium":
				rep.Medium++
			}
		}
		plugin.ReportProgress(ctx, (i+1)*100/len(detectors))
	}
	return rep
}

// redact keeps enough of a match to identify it without reproducing the secret.
func redact(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= 12 {
		return s[:len(s)/2] + strings.Repeat("*", len(s)-len(s)/2)
	}
	return s[:8] + strings.Repeat("*", 8) + s[len(s)-4:]
}
