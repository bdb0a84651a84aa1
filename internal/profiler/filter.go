package profiler

import (
	"fmt"
	"strings"

	"github.com/perfstream/perfstream/internal/safe"
)

// Mode selects what happens to stack frames matched by a filter.
type Mode string

const (
	// ModeAllow keeps only matching frames.
	ModeAllow Mode = "allow"
	// ModeDeny drops matching frames.
	ModeDeny Mode = "deny"
)

// ConditionType is the frame attribute a condition matches on.
type ConditionType string

const (
	// ConditionSymbol matches the frame's symbol name.
	ConditionSymbol ConditionType = "SYM"
	// ConditionExecutable matches the executable or library the frame
	// belongs to.
	ConditionExecutable ConditionType = "EXEC"
	// ConditionAny matches the pattern against any frame attribute.
	ConditionAny ConditionType = "ANY"
)

// Condition matches one stack frame attribute against a pattern.
type Condition struct {
	Type    ConditionType
	Pattern string
}

// Filter is the opaque stack-filter blob attached to a profiler. The
// matching engine lives outside this module; the blob only carries what
// the user configured. A frame matches when every condition of at least
// one group matches it.
type Filter struct {
	Mode Mode
	// Mark tags matched frames in the results instead of cutting them.
	Mark   bool
	Groups [][]Condition
}

// ParseFilterFile reads a filter definition: one condition per line in
// the form "SYM <pattern>", "EXEC <pattern>" or "ANY <pattern>", with
// "OR" lines separating alternative groups and "#" starting a comment
// line.
func ParseFilterFile(path string, mode Mode, mark bool) (*Filter, error) {
	data, err := safe.ReadFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("read filter file: %w", err)
	}
	f := &Filter{Mode: mode, Mark: mark}
	var group []Condition
	for i, raw := range strings.Split(string(data), "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if line == "OR" {
			if len(group) == 0 {
				return nil, fmt.Errorf("filter line %d: empty condition group", i+1)
			}
			f.Groups = append(f.Groups, group)
			group = nil
			continue
		}
		typ, pattern, _ := strings.Cut(line, " ")
		pattern = strings.TrimSpace(pattern)
		switch ConditionType(typ) {
		case ConditionSymbol, ConditionExecutable, ConditionAny:
			if pattern == "" {
				return nil, fmt.Errorf("filter line %d: %s condition needs a pattern", i+1, typ)
			}
			group = append(group, Condition{Type: ConditionType(typ), Pattern: pattern})
		default:
			return nil, fmt.Errorf("filter line %d: unknown condition type %q", i+1, typ)
		}
	}
	if len(group) > 0 {
		f.Groups = append(f.Groups, group)
	}
	if len(f.Groups) == 0 {
		return nil, fmt.Errorf("filter file %s defines no conditions", path)
	}
	return f, nil
}

// String renders the filter back in the file format, one group per "OR"
// section. The rendering round-trips through ParseFilterFile.
func (f *Filter) String() string {
	var b strings.Builder
	for gi, group := range f.Groups {
		if gi > 0 {
			b.WriteString("OR\n")
		}
		for _, c := range group {
			b.WriteString(string(c.Type))
			if c.Pattern != "" {
				b.WriteByte(' ')
				b.WriteString(c.Pattern)
			}
			b.WriteByte('\n')
		}
	}
	return b.String()
}
