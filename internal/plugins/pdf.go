package plugins

import (
	"bytes"
	"context"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/bryanwahyu/custodia/internal/domain/plugin"
)

// PDFMetadata reads the document information dictionary and header facts of
// a PDF without rendering it.
type PDFMetadata struct {
	MaxBytes int64
}

type PDFReport struct {
	Version      string     `json:"pdf_version"`
	Pages        int        `json:"pages"`
	Encrypted    bool       `json:"encrypted"`
	Title        string     `json:"title,omitempty"`
	Author       string     `json:"author,omitempty"`
	Subject      string     `json:"subject,omitempty"`
	Creator      string     `json:"creator,omitempty"`
	Producer     string     `json:"producer,omitempty"`
	CreationDate *time.Time `json:"creation_date,omitempty"`
	ModDate      *time.Time `json:"mod_date,omitempty"`
	Incremental  int        `json:"incremental_updates"`
	JavaScript   bool       `json:"has_javascript"`
}

var (
	pdfHeader   = regexp.MustCompile(`^%PDF-(\d\.\d)`)
	pdfPage     = regexp.MustCompile(`/Type\s*/Page[^s]`)
	pdfEOF      = regexp.MustCompile(`%%EOF`)
	pdfDate     = regexp.MustCompile(`^D:(\d{4})(\d{2})?(\d{2})?(\d{2})?(\d{2})?(\d{2})?([Zz+\-])?(\d{2})?'?(\d{2})?'?`)
	pdfInfoKeys = []string{"Title", "Author", "Subject", "Creator", "Producer", "CreationDate", "ModDate"}
)

func (PDFMetadata) Descriptor() plugin.Descriptor {
	return plugin.Descriptor{
		Name:         "pdf_metadata",
		Version:      "1.0.0",
		Capability:   plugin.CapDocumentMetadata,
		Description:  "Extracts PDF version, page count, info dictionary and risk markers",
		Extensions:   []string{".pdf"},
		ContentTypes: []string{"application/pdf"},
		Enabled:      true,
	}
}

func (p PDFMetadata) Execute(ctx context.Context, ref plugin.EvidenceRef) plugin.Outcome {
	rc, err := ref.Open(ctx)
	if err != nil {
		return plugin.Failed(err)
	}
	defer rc.Close()

	limit := p.MaxBytes
	if limit <= 0 {
		limit = 64 << 20
	}
	data, err := io.ReadAll(io.LimitReader(rc, limit))
	if err != nil {
		return plugin.Failed(err)
	}
	plugin.ReportProgress(ctx, 50)

	m := pdfHeader.FindSubmatch(data)
	if m == nil {
		return plugin.Failedf("not a PDF: missing %%PDF header")
	}
	rep := PDFReport{
		Version:    string(m[1]),
		Pages:      len(pdfPage.FindAllIndex(data, -1)),
		Encrypted:  bytes.Contains(data, []byte("/Encrypt")),
		JavaScript: bytes.Contains(data, []byte("/JavaScript")) || bytes.Contains(data, []byte("/JS")),
	}
	if n := len(pdfEOF.FindAllIndex(data, -1)); n > 1 {
		rep.Incremental = n - 1
	}

	info := pdfInfo(data)
	rep.Title = info["Title"]
	rep.Author = info["Author"]
	rep.Subject = info["Subject"]
	rep.Creator = info["Creator"]
	rep.Producer = info["Producer"]
	rep.CreationDate = parsePDFDate(info["CreationDate"])
	rep.ModDate = parsePDFDate(info["ModDate"])
	return plugin.Succeeded(rep)
}

// pdfInfo picks the last literal string value of each info key. Later
// occurrences win, matching incremental update semantics.
func pdfInfo(data []byte) map[string]string {
	out := map[string]string{}
	for _, k := range pdfInfoKeys {
		re := regexp.MustCompile(`/` + k + `\s*\(`)
		locs := re.FindAllIndex(data, -1)
		if len(locs) == 0 {
			continue
		}
		if s, ok := pdfLiteral(data[locs[len(locs)-1][1]:]); ok {
			out[k] = s
		}
	}
	return out
}

// pdfLiteral decodes a literal string body up to its balancing ')'.
func pdfLiteral(b []byte) (string, bool) {
	var sb strings.Builder
	depth := 1
	for i := 0; i < len(b); i++ {
		c := b[i]
		switch c {
		case '\\':
			if i+1 >= len(b) {
				return "", false
			}
			i++
			switch b[i] {
			case 'n':
				sb.WriteByte('\n')
			case 'r':
				sb.WriteByte('\r')
			case 't':
				sb.WriteByte('\t')
			case '(', ')', '\\':
				sb.WriteByte(b[i])
			default:
				sb.WriteByte(b[i])
			}
		case '(':
			depth++
			sb.WriteByte(c)
		case ')':
			depth--
			if depth == 0 {
				return decodePDFText(sb.String()), true
			}
			sb.WriteByte(c)
		default:
			sb.WriteByte(c)
		}
	}
	return "", false
}

// decodePDFText handles the UTF-16BE form (BOM FE FF); other strings are
// treated as PDFDocEncoding ~ Latin-1.
func decodePDFText(s string) string {
	if len(s) >= 2 && s[0] == 0xFE && s[1] == 0xFF {
		u := make([]uint16, 0, len(s)/2)
		for i := 2; i+1 < len(s); i += 2 {
			u = append(u, uint16(s[i])<<8|uint16(s[i+1]))
		}
		return strings.TrimSpace(string(utf16.Decode(u)))
	}
	rs := make([]rune, len(s))
	for i := 0; i < len(s); i++ {
		rs[i] = rune(s[i])
	}
	return strings.TrimSpace(string(rs))
}

func parsePDFDate(s string) *time.Time {
	m := pdfDate.FindStringSubmatch(s)
	if m == nil {
		return nil
	}
	n := func(i, def int) int {
		if m[i] == "" {
			return def
		}
		v, _ := strconv.Atoi(m[i])
		return v
	}
	loc := time.UTC
	if m[7] == "+" || m[7] == "-" {
		off := n(8, 0)*3600 + n(9, 0)*60
		if m[7] == "-" {
			off = -off
		}
		loc = time.FixedZone("", off)
	}
	t := time.Date(n(1, 0), time.Month(n(2, 1)), n(3, 1), n(4, 0), n(5, 0), n(6, 0), 0, loc).UTC()
	return &t
}
