package app

import (
	"regexp"
	"strings"
	"testing"
)

var labelPattern = regexp.MustCompile(`^[A-Z]+-\d{4}$`)

func TestStoryNamerDeterministic(t *testing.T) {
	a, b := NewStoryNamer(7, 11), NewStoryNamer(7, 11)
	for range 20 {
		la, ta := a()
		lb, tb := b()
		if la != lb || ta != tb {
			t.Fatalf("same seed diverged: %s/%s vs %s/%s", la, ta, lb, tb)
		}
		if !labelPattern.MatchString(la) {
			t.Fatalf("unexpected label %q", la)
		}
		if parts := strings.Fields(ta); len(parts) != 3 {
			t.Fatalf("expected three-word title, got %q", ta)
		}
	}
}

func TestRandomStoryNamer(t *testing.T) {
	label, title := RandomStoryNamer()()
	if !labelPattern.MatchString(label) || title == "" {
		t.Fatalf("unexpected %q %q", label, title)
	}
}
