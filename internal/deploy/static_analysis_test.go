package deploy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTscOutput(t *testing.T) {
	out := `
src/App.tsx(12,5): error TS2307: Cannot find module 'lodash' or its corresponding type declarations.
src/util.ts(3,1): warning TS6133: 'helper' is declared but its value is never read.
not a diagnostic line
`
	issues := parseTscOutput(out)
	require.Len(t, issues, 2)

	assert.Equal(t, "src/App.tsx", issues[0].File)
	assert.Equal(t, 12, issues[0].Line)
	assert.Equal(t, 5, issues[0].Column)
	assert.Equal(t, "TS2307", issues[0].Code)
	assert.Equal(t, "error", issues[0].Severity)
	assert.Contains(t, issues[0].Message, "Cannot find module 'lodash'")

	assert.Equal(t, "TS6133", issues[1].Code)
	assert.Equal(t, "warning", issues[1].Severity)
}

func TestParseESLintJSON(t *testing.T) {
	out := `[
		{"filePath": "src/App.tsx", "messages": [
			{"ruleId": "no-unused-vars", "severity": 2, "message": "x is unused", "line": 4, "column": 7},
			{"ruleId": "semi", "severity": 1, "message": "missing semicolon", "line": 9, "column": 1}
		]},
		{"filePath": "src/clean.ts", "messages": []}
	]`
	issues := parseESLintJSON(out)
	require.Len(t, issues, 2)
	assert.Equal(t, "no-unused-vars", issues[0].Code)
	assert.Equal(t, "error", issues[0].Severity)
	assert.Equal(t, "warning", issues[1].Severity)
}

func TestParseESLintJSONGarbage(t *testing.T) {
	assert.Empty(t, parseESLintJSON(""))
	assert.Empty(t, parseESLintJSON("error: eslint crashed"))
	assert.Empty(t, parseESLintJSON("[{not json"))
}

func TestClassifyLogLine(t *testing.T) {
	cases := []struct {
		line     string
		match    bool
		severity string
	}{
		{"Error: connection refused", true, "error"},
		{"Uncaught TypeError: x is not a function", true, "error"},
		{"[warn] deprecated API in use", true, "warning"},
		{"panic: runtime error: index out of range", true, "fatal"},
		{"FATAL could not bind port", true, "fatal"},
		{"listening on :8100", false, ""},
		{"   ", false, ""},
	}
	for _, tc := range cases {
		re, ok := classifyLogLine(tc.line)
		assert.Equal(t, tc.match, ok, "line %q", tc.line)
		if ok {
			assert.Equal(t, tc.severity, string(re.Severity), "line %q", tc.line)
			assert.NotZero(t, re.Timestamp)
		}
	}
}
