package testutil

import "testing"

// Given, When and Then name nested subtests so a scenario reads as a story
// in go test -v output.
func Given(t *testing.T, context string, fn func(t *testing.T)) {
	t.Helper()
	step(t, "Given", context, fn)
}

func When(t *testing.T, action string, fn func(t *testing.T)) {
	t.Helper()
	step(t, "When", action, fn)
}

func Then(t *testing.T, outcome string, fn func(t *testing.T)) {
	t.Helper()
	step(t, "Then", outcome, fn)
}

func step(t *testing.T, keyword, desc string, fn func(t *testing.T)) {
	t.Helper()
	if !t.Run(keyword+" "+desc, fn) {
		t.Logf("%s step failed: %s", keyword, desc)
	}
}
