package action

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

type Kind string

const (
	KindKeypress Kind = "keypress"
	KindURL      Kind = "url"
	KindShell    Kind = "shell"
	KindMessage  Kind = "message"
)

// Descriptor is one side-effecting operation resolved from the command
// table. Immutable after config load; the executor never mutates it.
type Descriptor struct {
	Kind    Kind
	Payload string
	Timeout time.Duration
	Capture bool // shell only: include command output in the result message
}

// UnmarshalYAML accepts both descriptor schemas. The tagged form names
// the kind explicitly:
//
//	open_dashboard: {kind: url, payload: "http://host/dash", timeout: 5s}
//
// The legacy flat form implies the kind from the single field present:
//
//	mute: {keys: ctrl+shift+m}
//	lights: {url: "http://host/lights/on"}
//	backup: {shell: "systemctl start backup", capture: true}
//	hello:  {message: "hi there"}
func (d *Descriptor) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Kind    string `yaml:"kind"`
		Payload string `yaml:"payload"`
		Timeout string `yaml:"timeout"`
		Capture bool   `yaml:"capture"`

		Keys    string `yaml:"keys"`
		URL     string `yaml:"url"`
		Shell   string `yaml:"shell"`
		Message string `yaml:"message"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	legacy := []struct {
		kind Kind
		val  string
	}{
		{KindKeypress, raw.Keys},
		{KindURL, raw.URL},
		{KindShell, raw.Shell},
		{KindMessage, raw.Message},
	}

	var set int
	for _, l := range legacy {
		if l.val != "" {
			set++
			d.Kind = l.kind
			d.Payload = l.val
		}
	}

	switch {
	case raw.Kind != "" && set > 0:
		return fmt.Errorf("action mixes tagged and flat schema")
	case raw.Kind != "":
		d.Kind = Kind(raw.Kind)
		d.Payload = raw.Payload
	case set > 1:
		return fmt.Errorf("action sets %d of keys/url/shell/message, want one", set)
	case set == 0:
		return fmt.Errorf("action needs a kind or one of keys/url/shell/message")
	}

	d.Capture = raw.Capture

	if raw.Timeout != "" {
		timeout, err := time.ParseDuration(raw.Timeout)
		if err != nil {
			return fmt.Errorf("action timeout: %w", err)
		}
		d.Timeout = timeout
	}

	return d.Validate()
}

// Validate rejects descriptors the executor would refuse anyway, so a
// bad table entry surfaces at load instead of first use.
func (d Descriptor) Validate() error {
	switch d.Kind {
	case KindKeypress, KindURL, KindShell, KindMessage:
	default:
		return fmt.Errorf("unknown action kind %q", d.Kind)
	}
	if d.Payload == "" {
		return fmt.Errorf("%s action has empty payload", d.Kind)
	}
	if d.Timeout < 0 {
		return fmt.Errorf("%s action has negative timeout", d.Kind)
	}
	if d.Kind == KindKeypress {
		if _, err := ParseChord(d.Payload); err != nil {
			return err
		}
	}
	return nil
}
