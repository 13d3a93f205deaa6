package codefix

import (
	"bytes"
	"embed"
	"fmt"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/bissquit/incident-autopilot/internal/domain"
)

//go:embed templates/prompt.tmpl
var templatesFS embed.FS

const systemPrompt = "You are a site reliability engineer. You read workload logs and source code, " +
	"find the cause of sustained resource pressure and propose a minimal code change. " +
	"You always answer with a single JSON object."

var promptTemplate = template.Must(template.ParseFS(templatesFS, "templates/prompt.tmpl"))

// History is the restart history handed to the pipeline.
type History struct {
	RestartCount int
	// Recent holds earlier incidents of the workload, newest first.
	Recent []*domain.Incident
	// OpenFixes are pull requests of unresolved escalations still awaiting review.
	OpenFixes []domain.ExternalRef
}

type promptFile struct {
	Path    string
	Content string
}

type promptData struct {
	Issue        domain.Issue
	RestartCount int
	Logs         string
	Revision     string
	Files        []promptFile
	Truncated    bool
}

// buildPrompt renders the analysis prompt. Source files are added in path
// order until maxSourceBytes is reached.
func buildPrompt(issue domain.Issue, restarts int, logs string, source domain.SourceSnapshot, maxSourceBytes int) (string, error) {
	data := promptData{
		Issue:        issue,
		RestartCount: restarts,
		Logs:         strings.TrimSpace(logs),
		Revision:     source.Revision,
	}

	paths := make([]string, 0, len(source.Files))
	for p := range source.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	budget := maxSourceBytes
	for _, p := range paths {
		content := source.Files[p]
		if maxSourceBytes > 0 && len(content) > budget {
			data.Truncated = true
			continue
		}
		budget -= len(content)
		data.Files = append(data.Files, promptFile{Path: p, Content: content})
	}

	var buf bytes.Buffer
	if err := promptTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return buf.String(), nil
}

// historyMessages turns earlier incidents into reasoning-engine history,
// oldest first.
func historyMessages(issue domain.Issue, h History) []domain.Message {
	msgs := []domain.Message{{Role: domain.RoleSystem, Content: systemPrompt}}

	if len(h.Recent) == 0 {
		return appendOpenFixes(msgs, h.OpenFixes)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Earlier incidents for %s:\n", issue.Ref())
	for i := len(h.Recent) - 1; i >= 0; i-- {
		inc := h.Recent[i]
		fmt.Fprintf(&b, "- %s: %s at %.2f/%.2f, action %s",
			inc.CreatedAt.UTC().Format(time.RFC3339), inc.Issue.Type, inc.Issue.Value, inc.Issue.Threshold, inc.ActionTaken)
		if inc.PullRequest != nil {
			fmt.Fprintf(&b, ", pull request %s", inc.PullRequest.URL)
		}
		if inc.Resolved {
			b.WriteString(", resolved")
		}
		b.WriteByte('\n')
	}
	msgs = append(msgs, domain.Message{Role: domain.RoleUser, Content: strings.TrimRight(b.String(), "\n")})
	return appendOpenFixes(msgs, h.OpenFixes)
}

// appendOpenFixes tells the engine which proposed fixes are still unmerged so
// the new patch builds on them instead of repeating them.
func appendOpenFixes(msgs []domain.Message, open []domain.ExternalRef) []domain.Message {
	if len(open) == 0 {
		return msgs
	}
	var b strings.Builder
	b.WriteString("Fixes already proposed and awaiting review:")
	for _, pr := range open {
		fmt.Fprintf(&b, "\n- %s", pr.URL)
	}
	return append(msgs, domain.Message{Role: domain.RoleUser, Content: b.String()})
}
