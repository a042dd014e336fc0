// Package continuity derives the narrative context and visual reference that
// carry a scene from one generated frame to the next.
package continuity

import "dreamstream/server/internal/model"

const separator = ". "

// Accumulate appends newText to the established scene context.
func Accumulate(sceneContext, newText string) string {
	if sceneContext == "" {
		return newText
	}
	return sceneContext + separator + newText
}

// Reference returns the result of the active item when it can serve as a
// continuity reference. Pending and failed items never do.
func Reference(active *model.MediaItem) (string, bool) {
	if active == nil || !active.IsReady() {
		return "", false
	}
	return active.ResultRef, true
}
