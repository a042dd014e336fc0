// Package transcript turns finalized utterances into session commands.
//
// Command words are matched exactly after normalization. "please undo that"
// is a generation prompt, not a command.
package transcript

import "strings"

type Action string

const (
	NavigateBack    Action = "navigate_back"
	NavigateForward Action = "navigate_forward"
	Generate        Action = "generate"
)

type Command struct {
	Action Action
	// Text is the original utterance, set only for Generate.
	Text string
}

var (
	backWords    = map[string]bool{"undo": true, "go back": true, "back": true, "previous": true}
	forwardWords = map[string]bool{"redo": true, "go forward": true, "forward": true, "next": true}
)

var punctuation = strings.NewReplacer(".", "", ",", "", "!", "", "?", "")

// Normalize lower-cases, trims, and strips . , ! ? from an utterance.
func Normalize(utterance string) string {
	return strings.TrimSpace(punctuation.Replace(strings.ToLower(strings.TrimSpace(utterance))))
}

// Interpret classifies an utterance. ok is false for empty input.
func Interpret(utterance string) (Command, bool) {
	if strings.TrimSpace(utterance) == "" {
		return Command{}, false
	}
	norm := Normalize(utterance)
	switch {
	case backWords[norm]:
		return Command{Action: NavigateBack}, true
	case forwardWords[norm]:
		return Command{Action: NavigateForward}, true
	}
	return Command{Action: Generate, Text: utterance}, true
}
