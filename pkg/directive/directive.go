// Package directive decodes the control sentinels an advisor may embed
// in generated reply text. The wire convention is a bare
// VERB:argument substring, e.g. "SWITCH_MODE:computer". Sentinels are
// never shown to the end user: Decode strips them and hands them back
// as structured values for the orchestrator to act on.
package directive

import (
	"regexp"
	"strings"
)

type Kind int

const (
	// ModeSwitch asks the orchestrator to transition to the named mode.
	ModeSwitch Kind = iota
	// PersonaSwitch asks the context store to swap the persona for the
	// conversation the reply belongs to.
	PersonaSwitch
)

func (k Kind) String() string {
	switch k {
	case ModeSwitch:
		return "mode_switch"
	case PersonaSwitch:
		return "persona_switch"
	default:
		return "unknown"
	}
}

// Directive is one decoded sentinel in reply order.
type Directive struct {
	Kind Kind
	Arg  string
}

// Decoded is the result of one decode pass: user-visible text with all
// sentinels removed, and the sentinels themselves.
type Decoded struct {
	Text       string
	Directives []Directive
}

var (
	sentinelRe = regexp.MustCompile(`(SWITCH_MODE|SWITCH_PERSONA):([A-Za-z0-9_.-]+)`)
	spacesRe   = regexp.MustCompile(`[ \t]{2,}`)
)

var verbs = map[string]Kind{
	"SWITCH_MODE":    ModeSwitch,
	"SWITCH_PERSONA": PersonaSwitch,
}

// Decode extracts every known sentinel from reply text. Text with no
// sentinels comes back unchanged. Only the verbs above are treated as
// directives; any other WORD:arg substring is ordinary text (URLs,
// timestamps and the like must survive).
func Decode(reply string) Decoded {
	matches := sentinelRe.FindAllStringSubmatch(reply, -1)
	if len(matches) == 0 {
		return Decoded{Text: reply}
	}

	out := Decoded{}
	for _, m := range matches {
		kind, ok := verbs[m[1]]
		if !ok {
			continue
		}
		out.Directives = append(out.Directives, Directive{Kind: kind, Arg: m[2]})
	}

	text := sentinelRe.ReplaceAllString(reply, "")
	text = spacesRe.ReplaceAllString(text, " ")
	out.Text = strings.TrimSpace(text)
	return out
}

// Only reports whether text is a single bare directive and nothing
// else. Inbound messages of this shape short-circuit the reply
// pipeline and are applied directly.
func Only(text string) (Directive, bool) {
	dec := Decode(strings.TrimSpace(text))
	if len(dec.Directives) == 1 && dec.Text == "" {
		return dec.Directives[0], true
	}
	return Directive{}, false
}
