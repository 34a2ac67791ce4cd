package analyzer

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnalyzeFlagsBuiltinDangers(t *testing.T) {
	a := New()
	res := a.Analyze("echo hi\nrm -rf /\necho bye", 0)

	require.False(t, res.IsValid)
	require.Len(t, res.Dangers, 1)
	assert.Equal(t, "filesystem", res.Dangers[0].Category)
	assert.Equal(t, 2, res.Dangers[0].Line)
}

func TestAnalyzeCleanScriptIsValid(t *testing.T) {
	a := New()
	res := a.Analyze("echo hi\nls -la\n", 0)
	assert.True(t, res.IsValid)
	assert.Empty(t, res.Dangers)
}

func TestValidate(t *testing.T) {
	a := New()
	assert.True(t, a.Validate("echo hi"))
	assert.False(t, a.Validate("rm -rf /"))
}

func TestAddPatternDetectsNewCategory(t *testing.T) {
	a := New()
	require.NoError(t, a.AddPattern(`shutdown\s+-h`, "power"))

	res := a.Analyze("shutdown -h now", 0)
	require.Len(t, res.Dangers, 1)
	assert.Equal(t, "power", res.Dangers[0].Category)
}

func TestAddPatternInvalidRegex(t *testing.T) {
	a := New()
	err := a.AddPattern("(", "broken")
	assert.Error(t, err)
}

func TestSafeVersionCommentsOutDangerousLines(t *testing.T) {
	a := New()
	out := a.SafeVersion("echo hi\nrm -rf /\n")
	assert.Contains(t, out, "# DISABLED")
	assert.Contains(t, out, "echo hi")
}

func TestComplexityGrowsWithStructure(t *testing.T) {
	simple := complexity("echo hi")
	nested := complexity("if foo {\nfor bar {\necho hi\n}\n}\n")
	assert.Greater(t, nested, simple)
}

func TestStatsAccumulate(t *testing.T) {
	a := New()
	a.Analyze("echo hi", 0)
	a.Analyze("echo bye", 0)

	stats := a.Stats()
	assert.EqualValues(t, 2, stats.TotalAnalyzed)
}

func TestAnalyzeTimeoutStopsEarly(t *testing.T) {
	a := New()
	text := ""
	for i := 0; i < 1000; i++ {
		text += "echo line\n"
	}
	res := a.Analyze(text, time.Nanosecond)
	assert.True(t, res.TimeoutOccurred)
}

func TestUpdateConfigLoadsRulesFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.json")
	content := `{"rules":[{"pattern":"nc\\s+-l","category":"network","reason":"opens a listening backdoor"}]}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	a := New()
	require.NoError(t, a.UpdateConfig(path))

	res := a.Analyze("nc -l 4444", 0)
	require.Len(t, res.Dangers, 1)
	assert.Equal(t, "network", res.Dangers[0].Category)
}
