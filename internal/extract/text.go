package extract

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	appErr "github.com/xxxsen/voicekb/internal/pkg/errors"
)

var (
	utf8BOM    = []byte{0xEF, 0xBB, 0xBF}
	blankLines = regexp.MustCompile(`\n{3,}`)
)

func readFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", appErr.ErrExtraction, path, err)
	}
	return bytes.TrimPrefix(data, utf8BOM), nil
}

func extractText(_ context.Context, path string) (*Content, error) {
	data, err := readFile(path)
	if err != nil {
		return nil, err
	}
	return &Content{Text: string(data)}, nil
}

func extractMarkdown(_ context.Context, path string) (*Content, error) {
	data, err := readFile(path)
	if err != nil {
		return nil, err
	}
	return &Content{Text: MarkdownToText(data)}, nil
}

// MarkdownToText drops markup and keeps the readable text of every block,
// with blocks separated by blank lines.
func MarkdownToText(source []byte) string {
	doc := goldmark.New().Parser().Parse(text.NewReader(source))
	blocks := make([]string, 0, doc.ChildCount())
	for node := doc.FirstChild(); node != nil; node = node.NextSibling() {
		if txt := blockText(node, source); txt != "" {
			blocks = append(blocks, txt)
		}
	}
	return strings.Join(blocks, "\n\n")
}

func blockText(n ast.Node, source []byte) string {
	var sb strings.Builder
	_ = ast.Walk(n, func(node ast.Node, entering bool) (ast.WalkStatus, error) {
		switch v := node.(type) {
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			if entering {
				lines := v.Lines()
				for i := 0; i < lines.Len(); i++ {
					line := lines.At(i)
					sb.Write(line.Value(source))
				}
				sb.WriteString("\n")
			}
			return ast.WalkSkipChildren, nil
		case *ast.HTMLBlock, *ast.RawHTML:
			return ast.WalkSkipChildren, nil
		case *ast.AutoLink:
			if entering {
				sb.Write(v.Label(source))
			}
			return ast.WalkSkipChildren, nil
		case *ast.Text:
			if entering {
				sb.Write(v.Segment.Value(source))
				if v.SoftLineBreak() || v.HardLineBreak() {
					sb.WriteString("\n")
				}
			}
		case *ast.String:
			if entering {
				sb.Write(v.Value)
			}
		case *ast.Paragraph, *ast.TextBlock, *ast.Heading:
			if !entering {
				sb.WriteString("\n")
			}
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(blankLines.ReplaceAllString(sb.String(), "\n\n"))
}
