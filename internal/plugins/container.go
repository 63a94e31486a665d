package plugins

import (
	"context"
	"encoding/json"
	"slices"

	"github.com/bryanwahyu/custodia/internal/domain/plugin"
)

// ContainerTool runs an external analysis tool in a container through
// Runner. The plugin's identity comes from configuration.
type ContainerTool struct {
	Name         string
	Version      string
	Description  string
	Extensions   []string
	ContentTypes []string
	Spec         plugin.ToolSpec
	// OKExitCodes lists exit codes that still count as success. Scanners
	// like gitleaks exit 1 when they find something. Default {0}.
	OKExitCodes []int
	// JSONOutput means stdout must parse as JSON and is stored as is.
	JSONOutput bool
	Runner     plugin.ToolRunner
}

type ToolReport struct {
	Image      string          `json:"image"`
	ExitCode   int             `json:"exit_code"`
	DurationMS int64           `json:"duration_ms"`
	Output     json.RawMessage `json:"output,omitempty"`
	Text       string          `json:"text,omitempty"`
	Stderr     string          `json:"stderr,omitempty"`
}

func (c ContainerTool) Descriptor() plugin.Descriptor {
	v := c.Version
	if v == "" {
		v = "0.0.0"
	}
	return plugin.Descriptor{
		Name:         c.Name,
		Version:      v,
		Capability:   plugin.CapExternalTool,
		Description:  c.Description,
		Extensions:   c.Extensions,
		ContentTypes: c.ContentTypes,
		Enabled:      true,
	}
}

func (c ContainerTool) Execute(ctx context.Context, ref plugin.EvidenceRef) plugin.Outcome {
	if c.Runner == nil {
		return plugin.Failedf("tool runner not configured")
	}
	rc, err := ref.Open(ctx)
	if err != nil {
		return plugin.Failed(err)
	}
	defer rc.Close()
	plugin.ReportProgress(ctx, 10)

	res, err := c.Runner.Run(ctx, c.Spec, ref.Filename, rc)
	if err != nil {
		return plugin.Failed(err)
	}
	plugin.ReportProgress(ctx, 90)

	ok := c.OKExitCodes
	if len(ok) == 0 {
		ok = []int{0}
	}
	if !slices.Contains(ok, res.ExitCode) {
		return plugin.Failedf("%s exited with code %d: %s", c.Spec.Image, res.ExitCode, truncate(res.Stderr, 512))
	}

	rep := ToolReport{
		Image:      c.Spec.Image,
		ExitCode:   res.ExitCode,
		DurationMS: res.DurationMS,
		Stderr:     truncate(res.Stderr, 4096),
	}
	if c.JSONOutput {
		if len(res.Stdout) > 0 && !json.Valid(res.Stdout) {
			return plugin.Failedf("%s output is not valid JSON", c.Spec.Image)
		}
		rep.Output = res.Stdout
	} else {
		rep.Text = string(res.Stdout)
	}
	return plugin.Succeeded(rep)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
