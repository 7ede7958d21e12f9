// Package greetings holds the fixed phrases Dora speaks: the conversation
// greeting, the apology, and extra lines worth pre-synthesizing.
package greetings

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"ask-dora/internal/domain"
)

//go:embed default.toml
var defaultTable []byte

const (
	namePlaceholder = "{name}"

	KeyGreeting = "greeting"
	KeyApology  = "apology"
)

type greetingSchema struct {
	Default string `toml:"default"`
	Named   string `toml:"named"`
}

type tableSchema struct {
	Apology  string            `toml:"apology"`
	Greeting greetingSchema    `toml:"greeting"`
	Phrases  map[string]string `toml:"phrases"`
}

type Table struct {
	apology  string
	greeting string
	named    string
	phrases  map[string]string
}

// Default returns the embedded phrase table.
func Default() *Table {
	t, err := Parse(defaultTable)
	if err != nil {
		panic(fmt.Sprintf("greetings: embedded table: %v", err))
	}
	return t
}

// Load reads a phrase table from path. An empty path yields Default.
func Load(path string) (*Table, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("greetings: read %s: %w", path, err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Table, error) {
	var file tableSchema
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("greetings: decode: %w", err)
	}
	t := &Table{
		apology:  strings.TrimSpace(file.Apology),
		greeting: strings.TrimSpace(file.Greeting.Default),
		named:    strings.TrimSpace(file.Greeting.Named),
		phrases:  make(map[string]string, len(file.Phrases)),
	}
	if t.greeting == "" {
		return nil, errors.New("greetings: greeting.default must not be empty")
	}
	if t.apology == "" {
		return nil, errors.New("greetings: apology must not be empty")
	}
	for k, v := range file.Phrases {
		if v = strings.TrimSpace(v); v != "" {
			t.phrases[k] = v
		}
	}
	return t, nil
}

func (t *Table) Apology() string {
	return t.apology
}

// Greeting personalizes the named greeting when a child name is known.
func (t *Table) Greeting(h domain.Hints) string {
	name := strings.TrimSpace(h.ChildName)
	if name == "" || t.named == "" {
		return t.greeting
	}
	return strings.ReplaceAll(t.named, namePlaceholder, name)
}

// WarmPhrases lists every fixed phrase keyed by name, for pre-synthesis.
func (t *Table) WarmPhrases() map[string]string {
	out := make(map[string]string, len(t.phrases)+2)
	for k, v := range t.phrases {
		out["phrases."+k] = v
	}
	out[KeyGreeting] = t.greeting
	out[KeyApology] = t.apology
	return out
}
