// Package compiler implements the agent-written-code compilation pipeline
// (§4.5): wrap a function body in a fixed template, content-address the
// wrapped source, and produce a verified guest binary through lint and
// release-build steps, cached behind a concurrent LRU with per-key
// single-writer coalescing.
//
// No teacher or pack example implements an agent-code compiler pipeline
// (the teacher's sandbox package only runs pre-built guest images), so this
// package is grounded on the teacher's general error-taxonomy and
// scratch-directory conventions (internal/tools/sandbox/executor.go) rather
// than a single file, generalized into the five-step pipeline the
// specification describes.
package compiler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
)

// ErrorType classifies a compiler pipeline failure (§4.5).
type ErrorType string

const (
	ErrTemplateFailed    ErrorType = "template_failed"
	ErrLinterFailed      ErrorType = "linter_failed"
	ErrCompilationFailed ErrorType = "compilation_failed"
	ErrToolchainMissing  ErrorType = "toolchain_missing"
	ErrIO                ErrorType = "io"
)

// Error is the compiler pipeline's structured error type.
type Error struct {
	Type       ErrorType
	Message    string
	Output     string
	ErrorCount int
	InstallHint string
	Cause      error
}

func (e *Error) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("compiler: %s: %s (output: %s)", e.Type, e.Message, e.Output)
	}
	return fmt.Sprintf("compiler: %s: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Template wraps a function body into a complete, no-heap-runtime source
// file that forbids unsafe and exposes a single run_code entry point.
// Grounded in spec §4.5 step 1; the concrete wrapping is this runtime's own
// template since no example provides one.
type Template func(functionBody string) (string, error)

// DefaultTemplate wraps functionBody as a #![no_std]-equivalent Go program:
// a single package main exposing run_code(input string) string, with the
// agent's body spliced into that function. It rejects bodies that mention
// "unsafe".
func DefaultTemplate(functionBody string) (string, error) {
	if containsUnsafe(functionBody) {
		return "", &Error{Type: ErrTemplateFailed, Message: "guest function body must not use unsafe"}
	}
	return fmt.Sprintf(guestTemplate, functionBody), nil
}

func containsUnsafe(body string) bool {
	for i := 0; i+6 <= len(body); i++ {
		if body[i:i+6] == "unsafe" {
			return true
		}
	}
	return false
}

const guestTemplate = `package main

func run_code(input string) string {
%s
}

func main() {}
`

// Toolchain runs the external linter and builder a compiled guest needs.
// The Firecracker-targeting production toolchain shells out to `go vet`
// (warnings-as-errors stand-in for a linter) and `go build`; tests
// substitute a fake.
type Toolchain interface {
	Lint(ctx context.Context, sourceDir string) (output string, errorCount int, err error)
	Build(ctx context.Context, sourceDir, outputPath string) (output string, err error)
}

// GoToolchain shells out to the go toolchain found on PATH.
type GoToolchain struct{}

func (GoToolchain) Lint(ctx context.Context, sourceDir string) (string, int, error) {
	if _, err := exec.LookPath("go"); err != nil {
		return "", 0, &Error{Type: ErrToolchainMissing, Message: "go toolchain not found on PATH", InstallHint: "install Go from https://go.dev/dl/"}
	}
	cmd := exec.CommandContext(ctx, "go", "vet", "./...")
	cmd.Dir = sourceDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), 1, err
	}
	return string(out), 0, nil
}

func (GoToolchain) Build(ctx context.Context, sourceDir, outputPath string) (string, error) {
	if _, err := exec.LookPath("go"); err != nil {
		return "", &Error{Type: ErrToolchainMissing, Message: "go toolchain not found on PATH", InstallHint: "install Go from https://go.dev/dl/"}
	}
	cmd := exec.CommandContext(ctx, "go", "build", "-o", outputPath, ".")
	cmd.Dir = sourceDir
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// CacheConfig bounds the LRU artifact cache (§4.5 step 4).
type CacheConfig struct {
	MaxEntries   int
	MaxTotalSize int64
}

// Pipeline implements the compile-agent-code pipeline.
type Pipeline struct {
	template  Template
	toolchain Toolchain
	cache     *lru
	scratch   string

	keyLocks sync.Map // content hash -> *sync.Mutex, coalesces concurrent compiles of the same source.
}

// NewPipeline constructs a Pipeline. scratchDir is the parent directory
// under which per-compile scratch projects are created and removed.
func NewPipeline(template Template, toolchain Toolchain, cacheCfg CacheConfig, scratchDir string) *Pipeline {
	if template == nil {
		template = DefaultTemplate
	}
	if toolchain == nil {
		toolchain = GoToolchain{}
	}
	return &Pipeline{
		template:  template,
		toolchain: toolchain,
		cache:     newLRU(cacheCfg),
		scratch:   scratchDir,
	}
}

// Compile wraps functionBody, checks the content-addressed cache, and
// otherwise builds a fresh artifact, inserting it into the cache before
// returning. Concurrent Compile calls for the same functionBody coalesce
// onto a single build via a per-hash lock.
func (p *Pipeline) Compile(ctx context.Context, functionBody string) ([]byte, error) {
	wrapped, err := p.template(functionBody)
	if err != nil {
		if cErr, ok := err.(*Error); ok {
			return nil, cErr
		}
		return nil, &Error{Type: ErrTemplateFailed, Message: "template wrapping failed", Cause: err}
	}

	hash := contentHash(wrapped)

	if bytes, ok := p.cache.get(hash); ok {
		return bytes, nil
	}

	lockAny, _ := p.keyLocks.LoadOrStore(hash, &sync.Mutex{})
	lock := lockAny.(*sync.Mutex)
	lock.Lock()
	defer lock.Unlock()
	defer p.keyLocks.Delete(hash)

	// Re-check after acquiring the lock: a concurrent compile may have
	// populated the cache while we waited.
	if bytes, ok := p.cache.get(hash); ok {
		return bytes, nil
	}

	artifact, err := p.build(ctx, hash, wrapped)
	if err != nil {
		return nil, err
	}

	p.cache.put(hash, artifact)
	return artifact, nil
}

func (p *Pipeline) build(ctx context.Context, hash, wrapped string) ([]byte, error) {
	scratchDir, err := os.MkdirTemp(p.scratch, "sandbox-compile-"+hash[:12]+"-")
	if err != nil {
		return nil, &Error{Type: ErrIO, Message: "failed to create scratch directory", Cause: err}
	}
	defer os.RemoveAll(scratchDir)

	sourcePath := filepath.Join(scratchDir, "main.go")
	if err := os.WriteFile(sourcePath, []byte(wrapped), 0o600); err != nil {
		return nil, &Error{Type: ErrIO, Message: "failed to write guest source", Cause: err}
	}
	modPath := filepath.Join(scratchDir, "go.mod")
	if err := os.WriteFile(modPath, []byte("module guest\n\ngo 1.24\n"), 0o600); err != nil {
		return nil, &Error{Type: ErrIO, Message: "failed to write guest go.mod", Cause: err}
	}

	if out, errCount, err := p.toolchain.Lint(ctx, scratchDir); err != nil {
		if tErr, ok := err.(*Error); ok {
			return nil, tErr
		}
		return nil, &Error{Type: ErrLinterFailed, Message: "lint failed", Output: out, ErrorCount: errCount, Cause: err}
	}

	outputPath := filepath.Join(scratchDir, "guest.bin")
	out, err := p.toolchain.Build(ctx, scratchDir, outputPath)
	if err != nil {
		if tErr, ok := err.(*Error); ok {
			return nil, tErr
		}
		return nil, &Error{Type: ErrCompilationFailed, Message: "build failed", Output: out, Cause: err}
	}

	artifact, err := os.ReadFile(outputPath)
	if err != nil {
		return nil, &Error{Type: ErrIO, Message: "failed to read build artifact", Cause: err}
	}
	return artifact, nil
}

func contentHash(source string) string {
	sum := sha256.Sum256([]byte(source))
	return hex.EncodeToString(sum[:])
}
