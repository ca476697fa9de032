package console

import (
	"os"
	"time"

	"github.com/briandowns/spinner"
)

// Spinner wraps briandowns/spinner with AGPM's TTY/accessibility gating:
// disabled outright when stderr isn't a terminal, or when ACCESSIBLE is
// set (screen readers and CI logs should see discrete status lines, not
// an animation), mirroring the teacher's spinner component's same two
// checks.
type Spinner struct {
	s       *spinner.Spinner
	enabled bool
}

// NewSpinner returns a spinner with the given initial suffix message.
func NewSpinner(message string) *Spinner {
	enabled := isTTY() && os.Getenv("ACCESSIBLE") == ""
	sp := &Spinner{enabled: enabled}
	if !enabled {
		return sp
	}
	s := spinner.New(spinner.CharSets[11], 100*time.Millisecond)
	s.Suffix = " " + message
	s.Color("cyan")
	sp.s = s
	return sp
}

// Start begins the animation; a no-op when disabled.
func (sp *Spinner) Start() {
	if sp.enabled {
		sp.s.Start()
	}
}

// UpdateMessage changes the spinner's suffix text mid-flight.
func (sp *Spinner) UpdateMessage(message string) {
	if sp.enabled {
		sp.s.Suffix = " " + message
	}
}

// Stop halts the animation, leaving the line clear for a final status
// message printed by the caller.
func (sp *Spinner) Stop() {
	if sp.enabled {
		sp.s.Stop()
	}
}
