package activity

import (
	"fmt"
	"strings"
)

// Role tags who a constructed message speaks as.
type Role string

const (
	RoleUser   Role = "user"
	RoleSystem Role = "system"
)

// Message is the unit handed to an LLM collaborator. Construction is the
// only LLM-facing surface this package exposes.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ConstructMessage renders the asset as a user message describing what the
// user is engaged with.
func (a Asset) ConstructMessage() Message {
	switch a.Kind {
	case KindVideo:
		if a.Video == nil {
			break
		}
		var sb strings.Builder
		fmt.Fprintf(&sb, "I am watching a video titled %q and have a question about it.", a.Video.Title)
		if len(a.Video.Transcript) > 0 {
			sb.WriteString(" Here is the transcript:\n")
			for _, line := range a.Video.Transcript {
				fmt.Fprintf(&sb, "%s (%.0fs)\n", line.Text, line.Start)
			}
		}
		return Message{Role: RoleUser, Content: sb.String()}
	case KindArticle:
		if a.Article == nil {
			break
		}
		var sb strings.Builder
		fmt.Fprintf(&sb, "I am reading an article titled %q", a.Article.Title)
		if a.Article.Author != "" {
			fmt.Fprintf(&sb, " by %s", a.Article.Author)
		}
		sb.WriteString(" and have a question about it. Here is the article text:\n")
		sb.WriteString(a.Article.Content)
		return Message{Role: RoleUser, Content: sb.String()}
	case KindThread:
		if a.Thread == nil {
			break
		}
		var sb strings.Builder
		fmt.Fprintf(&sb, "I am reading a discussion thread titled %q. Here are the posts:\n", a.Thread.Title)
		for _, post := range a.Thread.Posts {
			fmt.Fprintf(&sb, "%s: %s\n", post.Author, post.Content)
		}
		return Message{Role: RoleUser, Content: sb.String()}
	case KindPDF:
		if a.Pdf == nil {
			break
		}
		var sb strings.Builder
		fmt.Fprintf(&sb, "I am reading a PDF titled %q and have a question about it.", a.Pdf.Title)
		sb.WriteString(" Here is the text content:\n")
		sb.WriteString(a.Pdf.Content)
		return Message{Role: RoleUser, Content: sb.String()}
	case KindDefault:
		if a.Default == nil {
			break
		}
		return Message{
			Role:    RoleUser,
			Content: fmt.Sprintf("I am currently using %q.", a.Default.Name),
		}
	}
	return Message{Role: RoleUser, Content: "I am looking at something, but no details were captured."}
}

// ConstructMessage renders the snapshot as a user message describing current
// engagement state.
func (s Snapshot) ConstructMessage() Message {
	switch s.Kind {
	case KindVideo:
		if s.Video == nil {
			break
		}
		content := fmt.Sprintf("The video is currently at %.0f seconds.", s.Video.CurrentTime)
		if s.Video.Duration > 0 {
			content = fmt.Sprintf("The video is currently at %.0f of %.0f seconds.",
				s.Video.CurrentTime, s.Video.Duration)
		}
		return Message{Role: RoleUser, Content: content}
	case KindArticle:
		if s.Article == nil {
			break
		}
		if s.Article.Selection != "" {
			return Message{
				Role:    RoleUser,
				Content: fmt.Sprintf("I have highlighted this passage: %q", s.Article.Selection),
			}
		}
		return Message{
			Role:    RoleUser,
			Content: fmt.Sprintf("I have read %.0f%% of the article.", s.Article.ScrollProgress*100),
		}
	case KindThread:
		if s.Thread == nil {
			break
		}
		var sb strings.Builder
		sb.WriteString("These posts are currently on my screen:\n")
		for _, post := range s.Thread.VisiblePosts {
			fmt.Fprintf(&sb, "%s: %s\n", post.Author, post.Content)
		}
		return Message{Role: RoleUser, Content: sb.String()}
	}
	return Message{Role: RoleUser, Content: "I am still on the same content."}
}

// ConstructMessages renders the activity's captures in order: every asset,
// then the latest snapshot if any.
func (a *Activity) ConstructMessages() []Message {
	out := make([]Message, 0, len(a.Assets)+1)
	for _, asset := range a.Assets {
		out = append(out, asset.ConstructMessage())
	}
	if n := len(a.Snapshots); n > 0 {
		out = append(out, a.Snapshots[n-1].ConstructMessage())
	}
	return out
}
