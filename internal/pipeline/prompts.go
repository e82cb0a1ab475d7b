package pipeline

import (
	"fmt"
	"strings"
)

const explainSystem = `You are an expert educator. Explain the requested topic clearly and
accurately for a short narrated animation. Use plain language, build from
intuition to detail and keep it under 400 words. Return prose only.`

const refineSystem = `You are an editor for educational video narration. Tighten the
explanation you are given: remove repetition, fix inaccuracies and keep a
natural spoken rhythm. Return the revised explanation only.`

const scriptSystem = `You write Manim Community Edition scripts.
Requirements:
- Start with: from manim import *
- Define exactly one class that inherits from Scene
- Implement construct(self) with clear, well-paced animations
- Keep every object inside the frame and avoid overlapping text
- Do not use external assets, files or network access
Return only Python code.`

const reviewSystem = `You review Manim Community Edition scripts for errors that would
stop rendering: undefined names, wrong method signatures, deprecated APIs and
objects leaving the frame. Return the corrected script, or the original
script unchanged when it is already correct. Return only Python code.`

func scriptPrompt(prompt, explanation, voice string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Create an educational animation about:\n%s\n", strings.TrimSpace(prompt))
	if explanation = strings.TrimSpace(explanation); explanation != "" {
		fmt.Fprintf(&b, "\nBase the visuals on this explanation:\n%s\n", explanation)
	}
	if voice = strings.TrimSpace(voice); voice != "" {
		fmt.Fprintf(&b, "\nNarration will be voiced by %s; pace scenes for spoken narration.\n", voice)
	}
	return b.String()
}
