// Package issue turns a tracked issue's markdown body into a structured
// prompt for the coding agent.
package issue

import (
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"

	"github.com/webedt/autodev/internal/models"
)

// Criterion is one task-list item from the issue body. Unchecked items are
// treated as acceptance criteria for the change.
type Criterion struct {
	Text    string
	Checked bool
}

// CodeBlock is a fenced code block from the issue body.
type CodeBlock struct {
	Language string
	Content  string
}

// Details is the structured view of an issue body.
type Details struct {
	Sections   []string // Heading texts, in document order
	Criteria   []Criterion
	CodeBlocks []CodeBlock
}

// PromptBuilder parses issue bodies and renders agent prompts.
type PromptBuilder struct {
	markdown goldmark.Markdown
}

// NewPromptBuilder creates a PromptBuilder with task-list support.
func NewPromptBuilder() *PromptBuilder {
	return &PromptBuilder{
		markdown: goldmark.New(goldmark.WithExtensions(extension.TaskList)),
	}
}

// Parse extracts the structured details from an issue body.
func (b *PromptBuilder) Parse(body string) (*Details, error) {
	source := []byte(body)
	doc := b.markdown.Parser().Parse(text.NewReader(source))

	details := &Details{}
	err := ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}

		switch node := n.(type) {
		case *ast.Heading:
			details.Sections = append(details.Sections, extractText(node, source))
		case *ast.ListItem:
			if checkbox := findTaskCheckBox(node); checkbox != nil {
				details.Criteria = append(details.Criteria, Criterion{
					Text:    extractText(node, source),
					Checked: checkbox.IsChecked,
				})
				return ast.WalkSkipChildren, nil
			}
		case *ast.FencedCodeBlock:
			lang := ""
			if l := node.Language(source); l != nil {
				lang = string(l)
			}
			details.CodeBlocks = append(details.CodeBlocks, CodeBlock{
				Language: lang,
				Content:  extractLines(node, source),
			})
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk issue body: %w", err)
	}

	return details, nil
}

// Build renders the agent prompt for an issue. The prompt leads with the
// issue text and calls out unchecked task-list items so the agent first
// investigates whether the work is already done.
func (b *PromptBuilder) Build(issue models.IssueRef) (string, error) {
	details, err := b.Parse(issue.Body)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Resolve issue #%d: %s\n\n", issue.Number, issue.Title)
	sb.WriteString("First investigate whether the requested change already exists in the codebase. ")
	sb.WriteString("If it does, make no edits and report that it is already implemented. ")
	sb.WriteString("Otherwise implement the change described below.\n\n")

	if strings.TrimSpace(issue.Body) != "" {
		sb.WriteString("## Issue description\n\n")
		sb.WriteString(strings.TrimSpace(issue.Body))
		sb.WriteString("\n")
	}

	var open []Criterion
	for _, c := range details.Criteria {
		if !c.Checked {
			open = append(open, c)
		}
	}
	if len(open) > 0 {
		sb.WriteString("\n## Acceptance criteria\n\n")
		sb.WriteString("The change is complete when each of these holds:\n")
		for _, c := range open {
			fmt.Fprintf(&sb, "- %s\n", c.Text)
		}
	}

	return sb.String(), nil
}

// findTaskCheckBox returns the item's checkbox node, if the list item is a
// task-list entry.
func findTaskCheckBox(item *ast.ListItem) *east.TaskCheckBox {
	for child := item.FirstChild(); child != nil; child = child.NextSibling() {
		for grand := child.FirstChild(); grand != nil; grand = grand.NextSibling() {
			if checkbox, ok := grand.(*east.TaskCheckBox); ok {
				return checkbox
			}
		}
	}
	return nil
}

// extractText collects the plain text beneath a node.
func extractText(n ast.Node, source []byte) string {
	var sb strings.Builder
	_ = ast.Walk(n, func(child ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if txt, ok := child.(*ast.Text); ok {
			sb.Write(txt.Segment.Value(source))
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(sb.String())
}

// extractLines collects the raw lines of a code block.
func extractLines(n ast.Node, source []byte) string {
	var sb strings.Builder
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		segment := lines.At(i)
		sb.Write(segment.Value(source))
	}
	return sb.String()
}
