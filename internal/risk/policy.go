// Package risk classifies every subtask before it runs and decides whether it
// executes, needs the user's confirmation, runs as a dry run first, or is
// refused outright.
package risk

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/vinayprograms/agentloop/internal/config"
)

// Tier is the risk level of an operation.
type Tier string

const (
	TierLow    Tier = "low"
	TierMedium Tier = "medium"
	TierHigh   Tier = "high"
)

// ParseTier maps a config string to a tier. Unknown values are medium.
func ParseTier(s string) Tier {
	switch Tier(strings.ToLower(strings.TrimSpace(s))) {
	case TierLow:
		return TierLow
	case TierHigh:
		return TierHigh
	default:
		return TierMedium
	}
}

// Action is what the gate decided.
type Action string

const (
	ActionExecute          Action = "execute"
	ActionConfirmOnce      Action = "confirm_once"
	ActionConfirmEveryTime Action = "confirm_every_time"
	ActionDryRunFirst      Action = "dry_run_first"
	ActionBlock            Action = "block"
)

// Gated reports whether the action stops the subtask from running unattended.
func (a Action) Gated() bool { return a != ActionExecute }

// Policy is the operator-tunable part of the gate. Built-in patterns are
// always active; the pattern lists here extend them.
type Policy struct {
	DefaultTier     Tier
	Tiers           map[string]Tier
	ShellOperations []string
	DenyPatterns    []string
	DryRunPatterns  []string
	AskOncePatterns []string
	EditableFields  map[string][]string
}

// PolicyFromConfig converts the [risk] config section.
func PolicyFromConfig(c config.RiskConfig) Policy {
	p := Policy{
		DefaultTier:     ParseTier(c.DefaultTier),
		Tiers:           make(map[string]Tier, len(c.Tiers)),
		ShellOperations: append([]string(nil), c.ShellOperations...),
		DenyPatterns:    append([]string(nil), c.DenyPatterns...),
		DryRunPatterns:  append([]string(nil), c.DryRunPatterns...),
		AskOncePatterns: append([]string(nil), c.AskOncePatterns...),
		EditableFields:  make(map[string][]string, len(c.EditableFields)),
	}
	for op, tier := range c.Tiers {
		p.Tiers[op] = ParseTier(tier)
	}
	for op, fields := range c.EditableFields {
		p.EditableFields[op] = append([]string(nil), fields...)
	}
	return p
}

type pattern struct {
	name string
	re   *regexp.Regexp
}

// Built-in command patterns. Names become part of confirm-once memory keys.
var (
	builtinDeny = []pattern{
		{"rm-root", regexp.MustCompile(`\brm\s+(?:-\S+\s+)*(?:/[.*]?/?|~/?|\$\{?HOME\}?/?)(?:\s|;|&|\||$)`)},
		{"mkfs", regexp.MustCompile(`\bmkfs(?:\.\w+)?\b`)},
		{"dd-device", regexp.MustCompile(`\bdd\b.*\bof=/dev/`)},
		{"fork-bomb", regexp.MustCompile(`:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`)},
		{"pipe-to-shell", regexp.MustCompile(`\b(?:curl|wget)\b[^|]*\|\s*(?:sudo\s+)?(?:ba|z|da)?sh\b`)},
		{"shred-device", regexp.MustCompile(`\bshred\b.*\s/dev/`)},
		{"overwrite-disk", regexp.MustCompile(`>\s*/dev/[sh]d[a-z]`)},
		{"chmod-root", regexp.MustCompile(`\bchmod\s+(?:-\S+\s+)*-R\s+(?:-\S+\s+)*0?777\s+/(?:\s|$)`)},
	}
	builtinDryRun = []pattern{
		{"rm", regexp.MustCompile(`(?:^|[;&|]\s*)(?:sudo\s+)?rm\s`)},
		{"mv", regexp.MustCompile(`(?:^|[;&|]\s*)(?:sudo\s+)?mv\s`)},
		{"git-reset-hard", regexp.MustCompile(`\bgit\s+reset\s+--hard\b`)},
		{"git-force-push", regexp.MustCompile(`\bgit\s+push\b.*(?:--force\b|\s-f\b)`)},
		{"git-rebase", regexp.MustCompile(`\bgit\s+rebase\b`)},
		{"git-clean", regexp.MustCompile(`\bgit\s+clean\s+(?:\S+\s+)*-\w*f`)},
		{"find-delete", regexp.MustCompile(`\bfind\b.*\s-delete\b`)},
		{"sed-in-place", regexp.MustCompile(`\bsed\s+(?:\S+\s+)*-i`)},
	}
	builtinAskOnce = []pattern{
		{"package-install", regexp.MustCompile(`\b(?:apt|apt-get|pip3?|npm|brew|go)\s+install\b`)},
		{"kill-process", regexp.MustCompile(`\b(?:kill|pkill|killall)\b`)},
	}
)

// shellQuotes removes quoting so `rm -rf "/"` is matched like `rm -rf /`.
var shellQuotes = strings.NewReplacer(`"`, "", `'`, "", `\`, "")

// unquote strips shell quoting characters from a command.
func unquote(command string) string {
	return shellQuotes.Replace(command)
}

// compiled is an immutable, ready-to-use policy.
type compiled struct {
	defaultTier Tier
	tiers       map[string]Tier
	shellOps    map[string]bool
	deny        []pattern
	dryRun      []pattern
	askOnce     []pattern
	editable    map[string][]string
}

func compile(p Policy) (*compiled, error) {
	c := &compiled{
		defaultTier: p.DefaultTier,
		tiers:       make(map[string]Tier, len(p.Tiers)),
		shellOps:    make(map[string]bool),
		editable:    make(map[string][]string, len(p.EditableFields)),
	}
	if c.defaultTier == "" {
		c.defaultTier = TierMedium
	}
	for op, t := range p.Tiers {
		c.tiers[op] = t
	}
	for op, fields := range p.EditableFields {
		c.editable[op] = append([]string(nil), fields...)
	}
	shellOps := p.ShellOperations
	if len(shellOps) == 0 {
		shellOps = []string{"shell"}
	}
	for _, op := range shellOps {
		c.shellOps[op] = true
	}

	var err error
	if c.deny, err = extend(builtinDeny, p.DenyPatterns); err != nil {
		return nil, err
	}
	if c.dryRun, err = extend(builtinDryRun, p.DryRunPatterns); err != nil {
		return nil, err
	}
	if c.askOnce, err = extend(builtinAskOnce, p.AskOncePatterns); err != nil {
		return nil, err
	}
	return c, nil
}

func extend(builtin []pattern, extra []string) ([]pattern, error) {
	out := append([]pattern(nil), builtin...)
	for _, src := range extra {
		re, err := regexp.Compile(src)
		if err != nil {
			return nil, fmt.Errorf("invalid risk pattern %q: %w", src, err)
		}
		out = append(out, pattern{name: src, re: re})
	}
	return out, nil
}

func match(patterns []pattern, command string) (pattern, bool) {
	for _, p := range patterns {
		if p.re.MatchString(command) {
			return p, true
		}
	}
	return pattern{}, false
}

func (c *compiled) tier(op string) Tier {
	if t, ok := c.tiers[op]; ok {
		return t
	}
	return c.defaultTier
}
