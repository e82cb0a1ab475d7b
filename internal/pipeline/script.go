package pipeline

import (
	"regexp"
	"strings"
)

var (
	fencePattern     = regexp.MustCompile("(?m)^```[a-zA-Z]*[ \t]*$")
	sceneClass       = regexp.MustCompile(`(?m)^class\s+(\w+)\s*\([^)]*Scene[^)]*\)\s*:`)
	constructMethod  = regexp.MustCompile(`(?m)^\s+def\s+construct\s*\(\s*self\b`)
	mobjectsGroup    = regexp.MustCompile(`VGroup\(\*self\.mobjects\)`)
	mobjectsFallback = `Group(*[mob for mob in self.mobjects if hasattr(mob, "animate")])`
)

// CleanScript strips markdown fences and rewrites constructs known to break
// the renderer.
func CleanScript(script string) string {
	script = fencePattern.ReplaceAllString(script, "")
	script = strings.TrimSpace(script)
	script = mobjectsGroup.ReplaceAllLiteralString(script, mobjectsFallback)
	return script
}

// SceneName returns the first Scene subclass declared in script.
func SceneName(script string) (string, bool) {
	match := sceneClass.FindStringSubmatch(script)
	if len(match) != 2 {
		return "", false
	}
	return match[1], true
}

// CheckScript reports why script cannot be rendered, or "" when it has a
// Scene subclass with a construct method.
func CheckScript(script string) string {
	switch {
	case strings.TrimSpace(script) == "":
		return "script is empty"
	case !sceneClass.MatchString(script):
		return "script declares no Scene subclass"
	case !constructMethod.MatchString(script):
		return "script has no construct method"
	}
	return ""
}
