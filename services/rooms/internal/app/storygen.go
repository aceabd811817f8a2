package app

import (
	"fmt"
	"math/rand/v2"
	"sync"
)

// StoryNamer produces a placeholder label and title for stories added
// without either.
type StoryNamer func() (label, title string)

var (
	storyPrefixes   = []string{"PP", "STORY", "TASK", "FEAT", "SPIKE", "BUG"}
	storyAdjectives = []string{"Sleepy", "Caffeinated", "Wobbly", "Sneaky", "Heroic", "Grumpy", "Shiny", "Legacy", "Turbo", "Mysterious"}
	storyNouns      = []string{"Unicorn", "Database", "Penguin", "Button", "Dragon", "Spreadsheet", "Robot", "Cache", "Llama", "Widget"}
	storyActions    = []string{"Refactor", "Migration", "Rescue", "Makeover", "Upgrade", "Cleanup", "Rollout", "Audit", "Dance", "Handshake"}
)

// NewStoryNamer returns a namer drawing from a PCG source seeded with
// (seed1, seed2). Equal seeds give equal sequences.
func NewStoryNamer(seed1, seed2 uint64) StoryNamer {
	var mu sync.Mutex
	rng := rand.New(rand.NewPCG(seed1, seed2))
	pick := func(words []string) string { return words[rng.IntN(len(words))] }
	return func() (string, string) {
		mu.Lock()
		defer mu.Unlock()
		label := fmt.Sprintf("%s-%d", pick(storyPrefixes), 1000+rng.IntN(9000))
		title := fmt.Sprintf("%s %s %s", pick(storyAdjectives), pick(storyNouns), pick(storyActions))
		return label, title
	}
}

// RandomStoryNamer returns a namer with a random seed.
func RandomStoryNamer() StoryNamer {
	return NewStoryNamer(rand.Uint64(), rand.Uint64())
}
