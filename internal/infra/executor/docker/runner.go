package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	domain "github.com/bryanwahyu/custodia/internal/domain/plugin"
)

const evidenceMount = "/evidence"

// Runner executes analysis tools with `docker run`. The evidence plaintext
// is staged in a private temp dir, mounted read-only, and removed when the
// run ends. Containers get no network and no capabilities.
type Runner struct {
	Binary    string // default "docker"
	TempDir   string // default ./temp
	MaxOutput int64  // stdout cap, default 4 MiB
	Memory    string // e.g. "512m"; empty means no limit
	CPUs      string
}

func NewRunner(tempDir string) *Runner {
	return &Runner{Binary: "docker", TempDir: tempDir, MaxOutput: 4 << 20}
}

func (r *Runner) Run(ctx context.Context, spec domain.ToolSpec, filename string, src io.Reader) (domain.ToolResult, error) {
	if spec.Image == "" {
		return domain.ToolResult{}, errors.New("tool image is required")
	}
	base := r.TempDir
	if base == "" {
		// Use ./temp directory instead of system temp
		base = filepath.Join(".", "temp")
	}
	if err := os.MkdirAll(base, 0o700); err != nil {
		return domain.ToolResult{}, err
	}
	dir, err := os.MkdirTemp(base, "tool-")
	if err != nil {
		return domain.ToolResult{}, err
	}
	defer os.RemoveAll(dir)
	// images running as a non-root uid still need to list /evidence
	if err := os.Chmod(dir, 0o755); err != nil {
		return domain.ToolResult{}, err
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return domain.ToolResult{}, err
	}
	name := stagedName(filename)
	if err := stage(filepath.Join(abs, name), src); err != nil {
		return domain.ToolResult{}, fmt.Errorf("stage evidence: %w", err)
	}

	container := "custodia-" + uuid.NewString()
	args := []string{"run", "--rm", "--name", container, "--network", "none", "--read-only",
		"--cap-drop", "ALL", "--security-opt", "no-new-privileges",
		"-v", abs + ":" + evidenceMount + ":ro"}
	if r.Memory != "" {
		args = append(args, "--memory", r.Memory)
	}
	if r.CPUs != "" {
		args = append(args, "--cpus", r.CPUs)
	}
	args = append(args, spec.Image)
	for _, a := range spec.Args {
		args = append(args, strings.ReplaceAll(a, "{file}", evidenceMount+"/"+name))
	}

	bin := r.Binary
	if bin == "" {
		bin = "docker"
	}
	maxOut := r.MaxOutput
	if maxOut <= 0 {
		maxOut = 4 << 20
	}
	stdout := &capped{max: maxOut}
	stderr := &capped{max: 64 << 10}
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// killing the CLI alone leaves the container running
	cmd.Cancel = func() error {
		kill(bin, container)
		return cmd.Process.Kill()
	}
	cmd.WaitDelay = 5 * time.Second

	start := time.Now()
	err = cmd.Run()
	res := domain.ToolResult{
		Stdout:     stdout.buf.Bytes(),
		Stderr:     strings.TrimSpace(stderr.buf.String()),
		DurationMS: time.Since(start).Milliseconds(),
	}
	if err != nil {
		if ctx.Err() != nil {
			return res, context.Cause(ctx)
		}
		// ambil exit code
		var ee *exec.ExitError
		if !errors.As(err, &ee) {
			return res, fmt.Errorf("run error: %w", err)
		}
		res.ExitCode = ee.ExitCode()
	}
	if stdout.truncated {
		return res, fmt.Errorf("tool output exceeds %d bytes", maxOut)
	}
	return res, nil
}

func kill(bin, container string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = exec.CommandContext(ctx, bin, "kill", container).Run()
}

func stage(path string, src io.Reader) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Chmod(path, 0o444)
}

// stagedName keeps the extension, tools often dispatch on it.
func stagedName(filename string) string {
	ext := strings.ToLower(filepath.Ext(filepath.Base(filename)))
	for _, c := range ext[min(1, len(ext)):] {
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') {
			return "evidence"
		}
	}
	return "evidence" + ext
}

// capped keeps the first max bytes and discards the rest.
type capped struct {
	buf       bytes.Buffer
	max       int64
	truncated bool
}

func (c *capped) Write(p []byte) (int, error) {
	room := c.max - int64(c.buf.Len())
	if int64(len(p)) > room {
		c.truncated = true
		if room > 0 {
			c.buf.Write(p[:room])
		}
		return len(p), nil
	}
	return c.buf.Write(p)
}
