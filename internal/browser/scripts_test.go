package browser

import (
	"testing"

	"calsync/internal/config"
	"calsync/internal/locator"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestScriptsEscapeRuleValues(t *testing.T) {
	r := locator.WithText(`button[aria-label="Log in"]`, `It's "Next"`)

	script := countScript(r)
	assert.Contains(t, script, `"button[aria-label=\"Log in\"]"`)
	assert.Contains(t, script, `"it's \"next\""`, "text is matched lower-cased")

	tag := tagScript(r, "m1")
	assert.Contains(t, tag, `"data-calsync-match"`)
	assert.Contains(t, tag, `"m1"`)
}

func TestSelectorOnlyRuleMatchesAnyText(t *testing.T) {
	script := textsScript(locator.Sel(".error"))
	assert.Contains(t, script, `const want = "";`)
}

func TestAllocatorOptions(t *testing.T) {
	logger := zerolog.Nop()
	base := NewLauncher(config.HarvesterConfig{Headless: true}, &logger).allocatorOptions()
	withUA := NewLauncher(config.HarvesterConfig{Headless: true, UserAgent: "calsync/1.0"}, &logger).allocatorOptions()
	assert.Len(t, withUA, len(base)+1)
}
