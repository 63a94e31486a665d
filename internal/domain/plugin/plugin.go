package plugin

import (
	"context"
	"errors"
	"fmt"
	"io"
)

type Capability string

const (
	CapImageMetadata    Capability = "image_metadata"
	CapDocumentMetadata Capability = "document_metadata"
	CapIdentityDocument Capability = "identity_validator"
	CapCredentialScan   Capability = "credential_scanner"
	CapTriage           Capability = "ai_triage"
	CapExternalTool     Capability = "external_tool"
)

type Descriptor struct {
	Name         string     `json:"name"`
	Version      string     `json:"version"`
	Capability   Capability `json:"capability"`
	Description  string     `json:"description"`
	Extensions   []string   `json:"supported_extensions,omitempty"`
	ContentTypes []string   `json:"supported_content_types,omitempty"`
	Enabled      bool       `json:"enabled"`
}

// EvidenceRef is what a plugin sees of an evidence item. Open yields the
// decrypted content; callers must close it.
type EvidenceRef struct {
	ID          string
	Filename    string
	ContentType string
	Size        int64
	SHA256      string
	Open        func(ctx context.Context) (io.ReadCloser, error)
}

// Outcome is either a success carrying a JSON-encodable payload or a failure
// carrying an error message.
type Outcome struct {
	Success bool
	Payload any
	Error   string
}

func Succeeded(payload any) Outcome { return Outcome{Success: true, Payload: payload} }

func Failed(err error) Outcome {
	if err == nil {
		err = errors.New("unknown plugin failure")
	}
	return Outcome{Error: err.Error()}
}

func Failedf(format string, args ...any) Outcome { return Failed(fmt.Errorf(format, args...)) }

type Plugin interface {
	Descriptor() Descriptor
	Execute(ctx context.Context, ref EvidenceRef) Outcome
}

var (
	ErrUnknownPlugin   = errors.New("unknown plugin")
	ErrPluginDisabled  = errors.New("plugin disabled")
	ErrDuplicatePlugin = errors.New("plugin already registered")
)

type progressKey struct{}

// WithProgress attaches a progress reporter for Execute to call.
func WithProgress(ctx context.Context, report func(percent int)) context.Context {
	return context.WithValue(ctx, progressKey{}, report)
}

// ReportProgress forwards percent (0-100) to the reporter on ctx, if any.
func ReportProgress(ctx context.Context, percent int) {
	if f, ok := ctx.Value(progressKey{}).(func(int)); ok && f != nil {
		f(percent)
	}
}

// ToolSpec describes an external analysis tool run in a container against a
// read-only copy of the evidence. "{file}" in Args is replaced with the
// in-container path of the evidence file.
type ToolSpec struct {
	Image string
	Args  []string
}

type ToolResult struct {
	Stdout     []byte
	Stderr     string
	ExitCode   int
	DurationMS int64
}

type ToolRunner interface {
	Run(ctx context.Context, spec ToolSpec, filename string, src io.Reader) (ToolResult, error)
}
