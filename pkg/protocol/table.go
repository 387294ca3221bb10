package protocol

import (
	"regexp"

	pkgerrors "github.com/pkg/errors"

	"github.com/dcal-project/dcal/pkg/transport"
)

// Event-kind keys used in recognizer tables. Precedence is fixed: error
// patterns are tested before readings, readings before prompts, so an error
// line near an expected reading is never misread as success.
var kindOrder = []string{"error", "reading", "prompt"}

// Table maps stage -> event kind -> compiled recognizers. Stages not present
// fall back to the "default" entry.
type Table struct {
	stages   map[string]map[string][]transport.Pattern
	channels map[string]int
}

// DefaultTable returns the built-in recognizer set, modeled on the prompts
// and reading lines of Argyll-style measurement tools. Real deployments
// override entries per tool version via configuration.
func DefaultTable() Table {
	mk := func(kind string, exprs ...string) []transport.Pattern {
		ps := make([]transport.Pattern, 0, len(exprs))
		for _, e := range exprs {
			ps = append(ps, transport.Pattern{Name: kind, Expr: regexp.MustCompile(e)})
		}
		return ps
	}

	def := map[string][]transport.Pattern{
		"error": mk("error",
			`^Error - ([A-Z0-9_]+)`,
			`^Instrument Access Failed`,
			`^Instrument initialisation failed`,
		),
		"reading": mk("reading",
			`^Result is XYZ: ([-\d.,]+) ([-\d.,]+) ([-\d.,]+)`,
			`^Patch read XYZ: ([-\d.,]+) ([-\d.,]+) ([-\d.,]+)`,
		),
		"prompt": mk("prompt",
			`[Pp]ress a key to continue`,
			`to continue:`,
			`^Place (?:the )?instrument`,
			`^Ready to read`,
		),
	}

	ambient := map[string][]transport.Pattern{
		"error": def["error"],
		"reading": mk("reading",
			`^Ambient = ([-\d.,]+) lux`,
			`^Result is Y: ([-\d.,]+)`,
		),
		"prompt": def["prompt"],
	}

	return Table{
		stages: map[string]map[string][]transport.Pattern{
			"default": def,
			"ambient": ambient,
		},
		channels: map[string]int{
			"default": 3,
			"ambient": 1,
		},
	}
}

// Merge overlays configuration-supplied patterns (stage -> kind -> regexes)
// on top of the table. An override replaces the whole kind entry for that
// stage, so a new tool version can swap its reading format wholesale.
func (t Table) Merge(overrides map[string]map[string][]string) (Table, error) {
	if len(overrides) == 0 {
		return t, nil
	}

	merged := Table{
		stages:   make(map[string]map[string][]transport.Pattern, len(t.stages)),
		channels: t.channels,
	}
	for stage, kinds := range t.stages {
		cp := make(map[string][]transport.Pattern, len(kinds))
		for k, v := range kinds {
			cp[k] = v
		}
		merged.stages[stage] = cp
	}

	for stage, kinds := range overrides {
		if _, ok := merged.stages[stage]; !ok {
			merged.stages[stage] = make(map[string][]transport.Pattern)
		}
		for kind, exprs := range kinds {
			var ps []transport.Pattern
			for _, e := range exprs {
				re, err := regexp.Compile(e)
				if err != nil {
					return Table{}, pkgerrors.Wrapf(err, "bad recognizer for stage %s kind %s", stage, kind)
				}
				ps = append(ps, transport.Pattern{Name: kind, Expr: re})
			}
			merged.stages[stage][kind] = ps
		}
	}
	return merged, nil
}

// Patterns returns the ordered recognizer list for a stage: errors, then
// readings, then prompts. Unknown stages use the default entry.
func (t Table) Patterns(stage string) []transport.Pattern {
	kinds, ok := t.stages[stage]
	if !ok {
		kinds = t.stages["default"]
	}
	var out []transport.Pattern
	for _, kind := range kindOrder {
		// Stage entries may override only some kinds; fall through to the
		// defaults for the rest.
		ps, ok := kinds[kind]
		if !ok {
			ps = t.stages["default"][kind]
		}
		out = append(out, ps...)
	}
	return out
}

// Channels returns the expected number of numeric components in a reading
// for the given stage.
func (t Table) Channels(stage string) int {
	if n, ok := t.channels[stage]; ok {
		return n
	}
	return t.channels["default"]
}
