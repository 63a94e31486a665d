package plugins

import (
	"context"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/bryanwahyu/custodia/internal/domain/plugin"
)

const dniLetters = "TRWAGMYFPDXBNJZSQVHLCKE"

var (
	dniPattern = regexp.MustCompile(`\b\d{8}[A-Z]\b`)
	niePattern = regexp.MustCompile(`\b[XYZ]\d{7}[A-Z]\b`)
)

// IdentityValidator finds Spanish DNI and NIE numbers in text evidence and
// checks their control letter (mod 23).
type IdentityValidator struct {
	MaxBytes int64
}

type Identifier struct {
	Identifier     string `json:"identifier"`
	Kind           string `json:"type"`
	Number         string `json:"number"`
	Letter         string `json:"letter"`
	Valid          bool   `json:"valid"`
	ExpectedLetter string `json:"expected_letter,omitempty"`
}

type IdentityReport struct {
	Scanned int64        `json:"bytes_scanned"`
	Found   int          `json:"identifiers_found"`
	Invalid int          `json:"invalid_found"`
	Items   []Identifier `json:"identifiers"`
}

func (IdentityValidator) Descriptor() plugin.Descriptor {
	return plugin.Descriptor{
		Name:         "dni_validator",
		Version:      "1.0.0",
		Capability:   plugin.CapIdentityDocument,
		Description:  "Finds Spanish DNI/NIE numbers and validates their mod-23 control letter",
		Extensions:   []string{".txt", ".csv", ".json", ".xml", ".html", ".htm", ".eml", ".log", ".md"},
		ContentTypes: []string{"text/", "application/json", "application/xml", "message/rfc822"},
		Enabled:      true,
	}
}

func (v IdentityValidator) Execute(ctx context.Context, ref plugin.EvidenceRef) plugin.Outcome {
	rc, err := ref.Open(ctx)
	if err != nil {
		return plugin.Failed(err)
	}
	defer rc.Close()

	limit := v.MaxBytes
	if limit <= 0 {
		limit = 16 << 20
	}
	data, err := io.ReadAll(io.LimitReader(rc, limit))
	if err != nil {
		return plugin.Failed(err)
	}
	plugin.ReportProgress(ctx, 50)

	text := strings.ToUpper(string(data))
	rep := IdentityReport{Scanned: int64(len(data)), Items: []Identifier{}}
	seen := map[string]bool{}
	for _, m := range append(dniPattern.FindAllString(text, -1), niePattern.FindAllString(text, -1)...) {
		if seen[m] {
			continue
		}
		seen[m] = true
		id, ok := ValidateIdentifier(m)
		if !ok {
			continue
		}
		rep.Items = append(rep.Items, id)
		if !id.Valid {
			rep.Invalid++
		}
	}
	rep.Found = len(rep.Items)
	return plugin.Succeeded(rep)
}

// ValidateIdentifier checks a single DNI (8 digits + letter) or NIE
// (X/Y/Z + 7 digits + letter). ok is false when s matches neither format.
func ValidateIdentifier(s string) (Identifier, bool) {
	s = strings.ToUpper(strings.NewReplacer("-", "", " ", "").Replace(strings.TrimSpace(s)))
	if len(s) != 9 {
		return Identifier{}, false
	}
	id := Identifier{Identifier: s, Letter: s[8:]}
	digits := s[:8]
	switch s[0] {
	case 'X', 'Y', 'Z':
		id.Kind = "NIE"
		id.Number = s[1:8]
		digits = string(rune('0'+strings.IndexByte("XYZ", s[0]))) + s[1:8]
	default:
		id.Kind = "DNI"
		id.Number = digits
	}
	n, err := strconv.Atoi(digits)
	if err != nil || !isDigits(digits) || s[8] < 'A' || s[8] > 'Z' {
		return Identifier{}, false
	}
	expected := dniLetters[n%23 : n%23+1]
	id.Valid = expected == id.Letter
	if !id.Valid {
		id.ExpectedLetter = expected
	}
	return id, true
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
