package classify

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"sortbox/internal/model"
)

const systemPrompt = `You sort email. For every message you receive, decide:
- category: one short lowercase word such as newsletter, receipt, personal, work, notification, promotion, social, finance, travel
- tags: up to three short lowercase keywords
- suggestedFolder: a folder name in Title Case that a tidy person would file it under
- summary: one sentence
- sentiment: positive, neutral or negative

Answer with a JSON array only, one object per message, in the form
[{"id":"...","category":"...","tags":["..."],"suggestedFolder":"...","summary":"...","sentiment":"..."}]
Use the message ids exactly as given.`

func userPrompt(reqs []Request) (string, error) {
	b, err := json.MarshalIndent(reqs, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode messages: %w", err)
	}
	return "Classify these messages:\n" + string(b), nil
}

type verdict struct {
	ID string `json:"id"`
	model.Analysis
}

// parseVerdicts reads the JSON array out of a model reply, tolerating prose
// or code fences around it. Verdicts for ids not in reqs are dropped.
func parseVerdicts(text string, reqs []Request) (map[string]model.Analysis, error) {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start < 0 || end < start {
		return nil, errors.New("no JSON array in model reply")
	}
	var vs []verdict
	if err := json.Unmarshal([]byte(text[start:end+1]), &vs); err != nil {
		return nil, fmt.Errorf("decode model reply: %w", err)
	}
	want := make(map[string]bool, len(reqs))
	for _, r := range reqs {
		want[r.ID] = true
	}
	out := make(map[string]model.Analysis, len(vs))
	for _, v := range vs {
		if want[v.ID] {
			out[v.ID] = v.Analysis
		}
	}
	return out, nil
}
