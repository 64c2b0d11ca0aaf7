package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

// Separator is the token that delimits stages in a flat argument list.
const Separator = "|"

var (
	// ErrNoStages reports a pipeline description with zero stages.
	ErrNoStages = errors.New("pipeline: no stages")
	// ErrEmptyStage reports a stage with no argv tokens.
	ErrEmptyStage = errors.New("pipeline: empty stage")
)

// Command is the argv for a single stage. The first token names the program,
// resolved through PATH when the stage is launched.
type Command []string

// NewCommand builds a Command from argv tokens.
func NewCommand(tokens ...string) Command {
	return Command(tokens)
}

// Program returns the executable token.
func (c Command) Program() string {
	if len(c) == 0 {
		return ""
	}
	return c[0]
}

// Args returns the tokens after the program.
func (c Command) Args() []string {
	if len(c) <= 1 {
		return nil
	}
	return c[1:]
}

// Clone returns an independent copy of the argv.
func (c Command) Clone() Command {
	if c == nil {
		return nil
	}
	return append(Command(nil), c...)
}

// String renders the argv for display.
func (c Command) String() string {
	return strings.Join(c, " ")
}

// Split divides a flat token list into stage commands on the "|" token. Zero
// tokens, a leading or trailing separator, and two adjacent separators are
// all reported as errors: every stage must carry at least a program token.
func Split(tokens []string) ([]Command, error) {
	if len(tokens) == 0 {
		return nil, ErrNoStages
	}
	var stages []Command
	var current Command
	for _, tok := range tokens {
		if tok != Separator {
			current = append(current, tok)
			continue
		}
		if len(current) == 0 {
			return nil, fmt.Errorf("%w before %q", ErrEmptyStage, Separator)
		}
		stages = append(stages, current)
		current = nil
	}
	if len(current) == 0 {
		return nil, fmt.Errorf("%w after %q", ErrEmptyStage, Separator)
	}
	return append(stages, current), nil
}

// SplitLine tokenizes a whitespace-separated command line and splits it into
// stages. The separator must stand alone ("sort | uniq", not "sort|uniq");
// there is no quoting.
func SplitLine(line string) ([]Command, error) {
	return Split(strings.Fields(line))
}
