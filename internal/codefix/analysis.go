package codefix

import (
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/bissquit/incident-autopilot/internal/domain"
)

// Analysis errors.
var (
	ErrMalformedOutput = errors.New("malformed analysis output")
	ErrNoPatches       = errors.New("analysis contains no patches")
	ErrInvalidPatch    = errors.New("invalid patch")
)

// Analysis is the structured reasoning-engine answer.
type Analysis struct {
	Diagnosis      string              `json:"diagnosis"`
	FixDescription string              `json:"fix_description"`
	PRTitle        string              `json:"pr_title"`
	PRBody         string              `json:"pr_body"`
	Patches        []domain.FileChange `json:"patches"`
}

// Paths returns the patched file paths.
func (a *Analysis) Paths() []string {
	paths := make([]string, len(a.Patches))
	for i, p := range a.Patches {
		paths[i] = p.Path
	}
	return paths
}

// ParseAnalysis extracts the JSON object from raw engine output. Markdown
// fences and surrounding prose are tolerated.
func ParseAnalysis(raw string) (*Analysis, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("%w: no JSON object found", ErrMalformedOutput)
	}

	var a Analysis
	if err := json.Unmarshal([]byte(raw[start:end+1]), &a); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedOutput, err)
	}

	if strings.TrimSpace(a.Diagnosis) == "" {
		return nil, fmt.Errorf("%w: empty diagnosis", ErrMalformedOutput)
	}
	if len(a.Patches) == 0 {
		return nil, ErrNoPatches
	}

	seen := make(map[string]struct{}, len(a.Patches))
	for i := range a.Patches {
		p, err := cleanPath(a.Patches[i].Path)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[p]; dup {
			return nil, fmt.Errorf("%w: %s patched twice", ErrInvalidPatch, p)
		}
		if strings.TrimSpace(a.Patches[i].Content) == "" {
			return nil, fmt.Errorf("%w: %s has no content", ErrInvalidPatch, p)
		}
		seen[p] = struct{}{}
		a.Patches[i].Path = p
	}

	return &a, nil
}

func cleanPath(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidPatch)
	}
	cleaned := path.Clean(strings.TrimPrefix(p, "./"))
	if path.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, "../") || cleaned == "." {
		return "", fmt.Errorf("%w: path %q escapes the repository", ErrInvalidPatch, p)
	}
	return cleaned, nil
}
