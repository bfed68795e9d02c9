package ldref

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/grailbio/base/log"
)

// Names of the external binaries the adapter delegates to.
const (
	ToolPlink       = "plink"
	ToolGCTA        = "gcta64"
	ToolFinemap     = "finemap"
	ToolPaintor     = "PAINTOR"
	ToolCaviarbf    = "caviarbf"
	ToolModelSearch = "model_search"
)

// Runner executes one external tool invocation. Implementations must return
// a *ToolError when the tool exits non-zero.
type Runner interface {
	Run(ctx context.Context, tool string, args ...string) error
}

// ToolError reports a failed external tool invocation, carrying the tool's
// captured standard error.
type ToolError struct {
	Tool   string
	Args   []string
	Stderr string
	Err    error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s %s: %v: %s", e.Tool, strings.Join(e.Args, " "), e.Err, strings.TrimSpace(e.Stderr))
}

type execRunner struct{}

// NewExecRunner returns a Runner that invokes real binaries found on PATH.
func NewExecRunner() Runner { return execRunner{} }

func (execRunner) Run(ctx context.Context, tool string, args ...string) error {
	path, err := exec.LookPath(tool)
	if err != nil {
		return fmt.Errorf("%s is not installed; install it and make sure it is in your PATH", tool)
	}
	cmd := exec.CommandContext(ctx, path, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	log.Debug.Printf("ldref: run %s %s", tool, strings.Join(args, " "))
	if err := cmd.Run(); err != nil {
		return &ToolError{Tool: tool, Args: args, Stderr: stderr.String(), Err: err}
	}
	return nil
}
