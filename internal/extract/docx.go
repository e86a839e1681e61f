package extract

import (
	"archive/zip"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	appErr "github.com/xxxsen/voicekb/internal/pkg/errors"
)

const docxBody = "word/document.xml"

func extractDOCX(_ context.Context, path string) (*Content, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open docx %s: %w", appErr.ErrExtraction, path, err)
	}
	defer zr.Close()
	for _, f := range zr.File {
		if f.Name != docxBody {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("%w: open %s in %s: %w", appErr.ErrExtraction, docxBody, path, err)
		}
		defer rc.Close()
		txt, err := docxText(rc)
		if err != nil {
			return nil, fmt.Errorf("%w: parse docx %s: %w", appErr.ErrExtraction, path, err)
		}
		return &Content{Text: txt}, nil
	}
	return nil, fmt.Errorf("%w: %s has no %s", appErr.ErrExtraction, path, docxBody)
}

// docxText walks the WordprocessingML body: w:t runs carry text, w:p ends a
// paragraph, w:tab and w:br/w:cr map to tab and newline.
func docxText(r io.Reader) (string, error) {
	dec := xml.NewDecoder(r)
	var sb strings.Builder
	inText := false
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				sb.WriteString("\t")
			case "br", "cr":
				sb.WriteString("\n")
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				sb.WriteString("\n")
			}
		case xml.CharData:
			if inText {
				sb.Write(t)
			}
		}
	}
	return strings.TrimSpace(blankLines.ReplaceAllString(sb.String(), "\n\n")), nil
}
