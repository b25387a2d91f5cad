// internal/llmutil/parser.go
package llmutil

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var (
	// Regex definitions use \x60 (hex representation) for backticks because Go raw strings cannot contain backticks.

	// jsonObjectRegex extracts a JSON object if the response is wrapped in markdown.
	jsonObjectRegex = regexp.MustCompile("(?s)\x60\x60\x60(?:json)?\\s*({.*})\\s*\x60\x60\x60")
	// jsonArrayRegex extracts a JSON array if the response is wrapped in markdown.
	jsonArrayRegex = regexp.MustCompile("(?s)\x60\x60\x60(?:json)?\\s*(\\[.*\\])\\s*\x60\x60\x60")

	// codeBlockRegex extracts content wrapped in markdown, supporting language tags (tsx, json, diff, etc.).
	codeBlockRegex = regexp.MustCompile("(?s)\x60\x60\x60[a-zA-Z]*\\s*(.*?)\\s*\x60\x60\x60")
)

// ParseJSONResponse parses an LLM response string into a target Go type. It
// tolerates the usual model formatting quirks: markdown code fences around
// the JSON and conversational text before or after the structure.
func ParseJSONResponse[T any](response string) (*T, error) {
	response = strings.TrimSpace(response)
	jsonStringToParse := response

	isObject := strings.Contains(response, "{")
	isArray := strings.Contains(response, "[")

	if strings.HasPrefix(response, "```") {
		var matches []string
		if isObject {
			matches = jsonObjectRegex.FindStringSubmatch(response)
		}
		if len(matches) <= 1 && isArray {
			matches = jsonArrayRegex.FindStringSubmatch(response)
		}
		if len(matches) > 1 {
			jsonStringToParse = matches[1]
		}
	} else if (isObject || isArray) && (!strings.HasPrefix(response, "{") && !strings.HasPrefix(response, "[")) {
		// The structure is embedded in prose; take the widest bracket span.
		first, last := -1, -1
		if isObject {
			fb := strings.Index(response, "{")
			lb := strings.LastIndex(response, "}")
			if fb != -1 && lb > fb {
				first, last = fb, lb+1
			}
		}
		if first == -1 && isArray {
			fb := strings.Index(response, "[")
			lb := strings.LastIndex(response, "]")
			if fb != -1 && lb > fb {
				first, last = fb, lb+1
			}
		}
		if first != -1 {
			jsonStringToParse = response[first:last]
		}
	}

	var result T
	if err := json.Unmarshal([]byte(jsonStringToParse), &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal LLM JSON response: %w. Extracted JSON (truncated): %s", err, truncateString(jsonStringToParse, 500))
	}
	return &result, nil
}

// CleanCodeOutput removes markdown fences from a generated source file body.
func CleanCodeOutput(content string) string {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		matches := codeBlockRegex.FindStringSubmatch(content)
		if len(matches) > 1 {
			return strings.TrimSpace(matches[1])
		}
	}
	return content
}

// truncateString truncates a string for error logging.
func truncateString(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
