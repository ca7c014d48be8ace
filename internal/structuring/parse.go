package structuring

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/reelnotes/sessioncore/pkg/types"
)

// parseCompletion extracts the category/confidence/text lines the system
// prompt instructs the model to produce. Malformed output (missing fields,
// confidence out of range) is reported as an error so the caller treats it
// as an upstream_error and retries.
func parseCompletion(content string) (types.StructureResult, error) {
	var res types.StructureResult
	for _, line := range strings.Split(content, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(strings.ToLower(key))
		value = strings.TrimSpace(value)
		switch key {
		case "category":
			res.Category = value
		case "confidence":
			v, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return types.StructureResult{}, fmt.Errorf("parse confidence: %w", err)
			}
			res.Confidence = v
		case "text":
			res.Text = value
		}
	}

	if res.Text == "" {
		return types.StructureResult{}, fmt.Errorf("missing text field")
	}
	if res.Category == "" {
		return types.StructureResult{}, fmt.Errorf("missing category field")
	}
	if res.Confidence < 0 || res.Confidence > 1 {
		return types.StructureResult{}, fmt.Errorf("confidence %.3f out of range [0,1]", res.Confidence)
	}
	return res, nil
}
