package domain

import "time"

// TicketPayload describes an issue-tracker ticket.
type TicketPayload struct {
	Title  string
	Body   string
	Labels []string
}

// PullRequestPayload describes a pull request to open.
type PullRequestPayload struct {
	Title string
	Body  string
	Head  string
	Base  string
}

// ChatMessage is a notification posted to a chat channel.
type ChatMessage struct {
	Subject string
	Body    string
}

// FileChange is the full new content of one file in a patch.
type FileChange struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// SourceSnapshot is the source code retrieved for a workload.
type SourceSnapshot struct {
	Revision string
	Files    map[string]string
}

// Annotation is a dashboard annotation.
type Annotation struct {
	Time time.Time
	Text string
	Tags []string
}

// MessageRole is the author of a reasoning-engine message.
type MessageRole string

// Message roles.
const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Message is one turn of reasoning-engine history.
type Message struct {
	Role    MessageRole
	Content string
}
