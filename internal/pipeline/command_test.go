package pipeline

import (
	"errors"
	"reflect"
	"testing"
)

func TestSplitSingleStage(t *testing.T) {
	stages, err := Split([]string{"ls", "-l", "/tmp"})
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	want := []Command{{"ls", "-l", "/tmp"}}
	if !reflect.DeepEqual(stages, want) {
		t.Fatalf("stages = %v, want %v", stages, want)
	}
}

func TestSplitChain(t *testing.T) {
	stages, err := Split([]string{"cat", "access.log", "|", "grep", "500", "|", "wc", "-l"})
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	want := []Command{
		{"cat", "access.log"},
		{"grep", "500"},
		{"wc", "-l"},
	}
	if !reflect.DeepEqual(stages, want) {
		t.Fatalf("stages = %v, want %v", stages, want)
	}
}

func TestSplitRejectsEmptyInput(t *testing.T) {
	if _, err := Split(nil); !errors.Is(err, ErrNoStages) {
		t.Fatalf("err = %v, want ErrNoStages", err)
	}
}

func TestSplitRejectsDanglingSeparators(t *testing.T) {
	cases := []struct {
		name   string
		tokens []string
	}{
		{"leading", []string{"|", "cat"}},
		{"trailing", []string{"cat", "|"}},
		{"adjacent", []string{"cat", "|", "|", "wc"}},
		{"lone", []string{"|"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Split(tc.tokens); !errors.Is(err, ErrEmptyStage) {
				t.Fatalf("Split(%v) err = %v, want ErrEmptyStage", tc.tokens, err)
			}
		})
	}
}

func TestSplitLine(t *testing.T) {
	stages, err := SplitLine("  sort   -u |  head -3 ")
	if err != nil {
		t.Fatalf("split line: %v", err)
	}
	want := []Command{{"sort", "-u"}, {"head", "-3"}}
	if !reflect.DeepEqual(stages, want) {
		t.Fatalf("stages = %v, want %v", stages, want)
	}
}

func TestCommandAccessors(t *testing.T) {
	cmd := NewCommand("grep", "-v", "debug")
	if got := cmd.Program(); got != "grep" {
		t.Fatalf("program = %q, want %q", got, "grep")
	}
	if got := cmd.Args(); !reflect.DeepEqual(got, []string{"-v", "debug"}) {
		t.Fatalf("args = %v", got)
	}
	if got := cmd.String(); got != "grep -v debug" {
		t.Fatalf("string = %q", got)
	}

	var empty Command
	if got := empty.Program(); got != "" {
		t.Fatalf("empty program = %q, want empty", got)
	}
	if got := empty.Args(); got != nil {
		t.Fatalf("empty args = %v, want nil", got)
	}
}

func TestCommandCloneIsIndependent(t *testing.T) {
	orig := NewCommand("tr", "a-z", "A-Z")
	clone := orig.Clone()
	clone[0] = "sed"
	if orig[0] != "tr" {
		t.Fatalf("clone mutation leaked into original: %v", orig)
	}
}
