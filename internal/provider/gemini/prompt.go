package gemini

import (
	"fmt"
	"strings"

	"dreamstream/server/internal/model"
)

// imagePrompt builds the text part of an image request. With a reference the
// instruction keeps the look of the reference but swaps in the new subject.
func imagePrompt(rawText, sceneContext string, style model.Style, hasReference bool) string {
	var b strings.Builder
	if hasReference {
		b.WriteString("Create a new image based on this description.\n")
		fmt.Fprintf(&b, "Description: %q\n\n", rawText)
		b.WriteString("Instruction: Use the provided image as a reference for STYLE and ATMOSPHERE only. ")
		b.WriteString("The description is the SUBJECT of the new image. ")
		b.WriteString("If the description names a new subject, replace the old subject completely.\n")
		if style != model.StyleNone && style != "" {
			fmt.Fprintf(&b, "Target Style: %s\n", style)
		}
		return b.String()
	}

	fmt.Fprintf(&b, "Generate an image of: %s\n", sceneContext)
	if style != model.StyleNone && style != "" {
		fmt.Fprintf(&b, "Style: %s", style)
	}
	return b.String()
}

func videoPrompt(rawText, sceneContext string, style model.Style, hasReference bool) string {
	var prompt string
	if hasReference {
		prompt = fmt.Sprintf("Animate the following scene: %s. Use the image as a style reference.", rawText)
	} else {
		prompt = "Create a video of: " + sceneContext
	}
	if style != model.StyleNone && style != "" {
		prompt += " Style: " + string(style) + "."
	}
	return prompt
}
