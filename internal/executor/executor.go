// Package executor runs candidate strategies inside a sandboxed Go
// interpreter. Interpreting instead of compiling keeps a broken candidate
// from touching the toolchain or the filesystem: no build step, no binary,
// no process to clean up.
package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
	"go.uber.org/zap"

	"alphaforge/internal/config"
	"alphaforge/internal/genome"
)

// Strategies must define:
//
//	func RunStrategy(input string) (string, error)
//
// input is the serialized market data window; the returned string is the
// backtest report with a trailing JSON metrics object.
const entrypoint = "main.RunStrategy"

// allowedPackages is the stdlib whitelist. Everything touching the
// filesystem, network, processes or unsafe memory stays blocked.
var allowedPackages = map[string]bool{
	"errors":        true,
	"fmt":           true,
	"math":          true,
	"sort":          true,
	"strings":       true,
	"strconv":       true,
	"encoding/json": true,
	"encoding/csv":  true,
	"time":          true,
}

// Sandbox interprets strategy source with a fresh interpreter per run so no
// state leaks between candidates.
type Sandbox struct {
	timeout time.Duration
	retries int
	logger  *zap.Logger
}

// NewSandbox builds a Sandbox from executor config.
func NewSandbox(cfg config.ExecutorConfig, logger *zap.Logger) (*Sandbox, error) {
	timeout, err := time.ParseDuration(cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("invalid executor timeout %q: %w", cfg.Timeout, err)
	}
	return &Sandbox{timeout: timeout, retries: cfg.Retries, logger: logger}, nil
}

// Execute runs one candidate against the given input. It never returns an
// error for a misbehaving strategy; strategy failures are reported inside
// the result so the control loop can grade them.
func (s *Sandbox) Execute(ctx context.Context, g *genome.Genome, input string) *genome.ExecutionResult {
	var res *genome.ExecutionResult
	for attempt := 0; ; attempt++ {
		res = s.runOnce(ctx, g, input)
		if res.Success || attempt >= s.retries || ctx.Err() != nil {
			return res
		}
		s.logger.Debug("retrying candidate execution",
			zap.String("genome", g.ID),
			zap.Int("attempt", attempt+1),
			zap.String("error", res.Error))
	}
}

func (s *Sandbox) runOnce(ctx context.Context, g *genome.Genome, input string) *genome.ExecutionResult {
	start := time.Now()
	fail := func(format string, args ...any) *genome.ExecutionResult {
		return &genome.ExecutionResult{
			Error:    fmt.Sprintf(format, args...),
			Duration: time.Since(start),
		}
	}

	if err := validateImports(g.Source); err != nil {
		return fail("rejected source: %v", err)
	}

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return fail("interpreter setup failed: %v", err)
	}

	if _, err := i.Eval(wrapSource(g.Source)); err != nil {
		return fail("source does not evaluate: %v", err)
	}

	fn, err := i.Eval(entrypoint)
	if err != nil {
		return fail("RunStrategy not defined: %v", err)
	}
	run, ok := fn.Interface().(func(string) (string, error))
	if !ok {
		return fail("RunStrategy has wrong signature, want func(string) (string, error)")
	}

	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	type outcome struct {
		output string
		err    error
	}
	done := make(chan outcome, 1)

	// The interpreter cannot be preempted; on timeout the goroutine is
	// abandoned and its eventual result discarded via the buffered channel.
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("strategy panicked: %v", r)}
			}
		}()
		out, err := run(input)
		done <- outcome{output: out, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return fail("strategy error: %v", o.err)
		}
		return &genome.ExecutionResult{
			Success:   true,
			RawOutput: o.output,
			Duration:  time.Since(start),
		}
	case <-runCtx.Done():
		s.logger.Warn("candidate execution timed out",
			zap.String("genome", g.ID),
			zap.Duration("timeout", s.timeout))
		return fail("execution timed out after %s", s.timeout)
	}
}

// validateImports rejects source importing anything off the whitelist before
// the interpreter ever sees it.
func validateImports(source string) error {
	var imports []string
	inBlock := false
	for _, line := range strings.Split(source, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "import ("):
			inBlock = true
		case inBlock && strings.HasPrefix(trimmed, ")"):
			inBlock = false
		case inBlock:
			if pkg := importPath(trimmed); pkg != "" {
				imports = append(imports, pkg)
			}
		case strings.HasPrefix(trimmed, "import "):
			if pkg := importPath(strings.TrimPrefix(trimmed, "import ")); pkg != "" {
				imports = append(imports, pkg)
			}
		}
	}

	var forbidden []string
	for _, pkg := range imports {
		if !allowedPackages[pkg] {
			forbidden = append(forbidden, pkg)
		}
	}
	if len(forbidden) > 0 {
		return fmt.Errorf("forbidden imports: %v", forbidden)
	}
	return nil
}

// importPath strips an optional alias and quotes from one import line.
func importPath(line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return ""
	}
	return strings.Trim(fields[len(fields)-1], `"`)
}

// wrapSource puts bare strategy bodies into a main package.
func wrapSource(source string) string {
	if strings.Contains(source, "package main") {
		return source
	}
	return "package main\n\n" + source
}
