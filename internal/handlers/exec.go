package handlers

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/docker/go-units"

	"github.com/ChamsBouzaiene/taskloop/internal/workspace"
)

const minCommandTimeout = time.Second

// RunCommand runs an allowlisted command. Shell syntax is not interpreted;
// the command line is split on spaces with single and double quotes
// grouping words.
func (w *Workspace) RunCommand(ctx context.Context, p map[string]string) (string, error) {
	args := splitArgs(p["command"])
	if len(args) == 0 {
		return failure("empty command"), nil
	}
	if !slices.Contains(w.opts.AllowCommands, args[0]) {
		return failure("command %q is not in allowlist; allowed: %s", args[0], strings.Join(w.opts.AllowCommands, ", ")), nil
	}
	timeout, err := w.timeout(p["timeout"])
	if err != nil {
		return failure("%v", err), nil
	}

	res, err := w.opts.Runner.RunCmd(ctx, w.root, args[0], args[1:], timeout)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return failure("%s: %v", args[0], err), nil
	}
	w.log.Debug("command finished", "command", args[0], "code", res.Code, "duration", res.Duration, "timed_out", res.TimedOut)

	var b strings.Builder
	switch {
	case res.TimedOut:
		fmt.Fprintf(&b, "error: command timed out after %s\n", timeout)
	case res.Code != 0:
		fmt.Fprintf(&b, "failed: exit status %d\n", res.Code)
	}
	fmt.Fprintf(&b, "$ %s\n", strings.Join(args, " "))
	b.WriteString(w.clip(res.Combined()))
	return b.String(), nil
}

// RunTests runs the workspace's test command. The output ends with a PASS
// or FAIL line so the outcome reads the same for every toolchain.
func (w *Workspace) RunTests(ctx context.Context, p map[string]string) (string, error) {
	name, args, err := w.testCommand(p["target"], p["run"])
	if err != nil {
		return failure("%v", err), nil
	}
	timeout := w.opts.CommandTimeout

	res, err := w.opts.Runner.RunCmd(ctx, w.root, name, args, timeout)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return failure("%s: %v", name, err), nil
	}
	w.log.Debug("tests finished", "command", name, "code", res.Code, "duration", res.Duration, "timed_out", res.TimedOut)

	var b strings.Builder
	if res.TimedOut {
		fmt.Fprintf(&b, "error: tests timed out after %s\n", timeout)
	}
	fmt.Fprintf(&b, "$ %s\n", strings.Join(append([]string{name}, args...), " "))
	out := w.clip(res.Combined())
	b.WriteString(out)
	if out != "" && !strings.HasSuffix(out, "\n") {
		b.WriteByte('\n')
	}
	if res.Code == 0 && !res.TimedOut {
		b.WriteString("PASS\n")
	} else {
		b.WriteString("FAIL\n")
	}
	return b.String(), nil
}

func (w *Workspace) testCommand(target, run string) (string, []string, error) {
	var name string
	var args []string
	kind := workspace.Detect(w.root)
	if w.opts.TestCommand != "" {
		parts := splitArgs(w.opts.TestCommand)
		if len(parts) == 0 {
			return "", nil, fmt.Errorf("handlers.test_command is blank")
		}
		name, args = parts[0], parts[1:]
	} else {
		var ok bool
		name, args, ok = workspace.TestCommand(kind)
		if !ok {
			return "", nil, fmt.Errorf("no test command known for this workspace; configure handlers.test_command")
		}
	}
	if target != "" {
		if _, err := w.resolve(strings.TrimSuffix(target, "/...")); err != nil {
			return "", nil, err
		}
		if kind == workspace.KindGo && w.opts.TestCommand == "" {
			args = slices.DeleteFunc(args, func(a string) bool { return a == "./..." })
		}
		args = append(args, target)
	}
	if run != "" {
		switch kind {
		case workspace.KindGo:
			args = append(args, "-run", run)
		case workspace.KindPython:
			args = append(args, "-k", run)
		case workspace.KindRust:
			args = append(args, run)
		default:
			args = append(args, "--", run)
		}
	}
	return name, args, nil
}

func (w *Workspace) timeout(s string) (time.Duration, error) {
	if s == "" {
		return w.opts.CommandTimeout, nil
	}
	if !strings.HasSuffix(s, "s") && !strings.HasSuffix(s, "m") {
		s += "s"
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout %q", s)
	}
	return min(max(d, minCommandTimeout), w.opts.CommandTimeout), nil
}

// clip keeps the head and the larger tail of out within the output limit.
// Failures usually show up at the end of a run.
func (w *Workspace) clip(out string) string {
	limit := int(w.opts.OutputLimit)
	if len(out) <= limit {
		return out
	}
	head := limit / 4
	tail := limit - head
	omitted := len(out) - head - tail
	return out[:head] + fmt.Sprintf("\n[... %s omitted ...]\n", units.HumanSize(float64(omitted))) + out[len(out)-tail:]
}

// splitArgs splits a command line on spaces; quotes group words.
func splitArgs(s string) []string {
	var args []string
	var cur strings.Builder
	var quote byte
	inWord := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			} else {
				cur.WriteByte(c)
			}
		case c == '"' || c == '\'':
			quote, inWord = c, true
		case c == ' ' || c == '\t' || c == '\n':
			if inWord {
				args = append(args, cur.String())
				cur.Reset()
				inWord = false
			}
		default:
			cur.WriteByte(c)
			inWord = true
		}
	}
	if inWord {
		args = append(args, cur.String())
	}
	return args
}
