package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	appErr "github.com/xxxsen/voicekb/internal/pkg/errors"
)

const (
	defaultFetchTimeout = 10 * time.Second
	defaultMaxBody      = 10 << 20
	defaultUserAgent    = "voicekb/1.0 (+knowledge-base fetcher)"
)

var (
	spaceRun   = regexp.MustCompile(`[ \t\f\v\x{00a0}]+`)
	strippedEl = "script, style, noscript, nav, header, footer, iframe, svg, form"
	blockEl    = "p, div, li, br, tr, h1, h2, h3, h4, h5, h6, pre, blockquote, section, article, dt, dd"
)

type FetchResult struct {
	URL         string
	Title       string
	Content     string
	ContentType string
	Metadata    map[string]interface{}
	FetchedAt   time.Time
}

type Fetcher struct {
	client    *http.Client
	maxBody   int64
	userAgent string
}

type FetcherOption func(f *Fetcher)

func WithTimeout(d time.Duration) FetcherOption {
	return func(f *Fetcher) {
		if d > 0 {
			f.client.Timeout = d
		}
	}
}

func WithMaxBodyBytes(n int64) FetcherOption {
	return func(f *Fetcher) {
		if n > 0 {
			f.maxBody = n
		}
	}
}

func WithUserAgent(ua string) FetcherOption {
	return func(f *Fetcher) {
		if ua != "" {
			f.userAgent = ua
		}
	}
}

func WithHTTPClient(c *http.Client) FetcherOption {
	return func(f *Fetcher) {
		if c != nil {
			f.client = c
		}
	}
}

func NewFetcher(opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		client:    &http.Client{Timeout: defaultFetchTimeout},
		maxBody:   defaultMaxBody,
		userAgent: defaultUserAgent,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch validates rawURL, downloads it and returns its readable text.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*FetchResult, error) {
	u, err := ValidateURL(rawURL)
	if err != nil {
		return nil, err
	}
	logger := logutil.GetLogger(ctx).With(zap.String("url", u.String()))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", appErr.ErrInvalidURL, err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain,application/json,application/pdf;q=0.9,*/*;q=0.5")
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch %s: %w", appErr.ErrExtraction, u, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: fetch %s: http status %d", appErr.ErrExtraction, u, resp.StatusCode)
	}
	if resp.ContentLength > f.maxBody {
		return nil, fmt.Errorf("%w: fetch %s: body too large (%d bytes)", appErr.ErrExtraction, u, resp.ContentLength)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", appErr.ErrExtraction, u, err)
	}
	if int64(len(body)) > f.maxBody {
		return nil, fmt.Errorf("%w: fetch %s: body exceeds %d bytes", appErr.ErrExtraction, u, f.maxBody)
	}
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "" {
		mediaType = http.DetectContentType(body)
		mediaType, _, _ = mime.ParseMediaType(mediaType)
	}
	res := &FetchResult{
		URL:         u.String(),
		ContentType: mediaType,
		FetchedAt:   time.Now().UTC(),
		Metadata: map[string]interface{}{
			"statusCode": resp.StatusCode,
			"finalUrl":   resp.Request.URL.String(),
		},
	}
	switch {
	case mediaType == "text/html" || mediaType == "application/xhtml+xml":
		err = parseHTML(body, res)
	case mediaType == "application/json" || strings.HasSuffix(mediaType, "+json"):
		err = parseJSONBody(body, res)
	case mediaType == "application/pdf":
		err = parsePDFBody(ctx, body, res)
	case mediaType == "text/markdown" || mediaType == "text/x-markdown":
		res.Content = MarkdownToText(body)
	case strings.HasPrefix(mediaType, "text/") || utf8.Valid(body):
		res.Content = string(body)
	default:
		err = fmt.Errorf("%w: unsupported content type %q", appErr.ErrExtraction, mediaType)
	}
	if err != nil {
		return nil, err
	}
	res.Content = strings.TrimSpace(res.Content)
	if res.Content == "" {
		return nil, fmt.Errorf("%w: %s has no readable content", appErr.ErrExtraction, u)
	}
	if res.Title == "" {
		res.Title = titleFromPath(u.Path, u.Hostname())
	}
	logger.Debug("url fetched", zap.String("content_type", mediaType), zap.Int("bytes", len(body)))
	return res, nil
}

func parseHTML(body []byte, res *FetchResult) error {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: parse html: %w", appErr.ErrExtraction, err)
	}
	title := strings.TrimSpace(doc.Find(`meta[property="og:title"]`).AttrOr("content", ""))
	if title == "" {
		title = strings.TrimSpace(doc.Find("title").First().Text())
	}
	res.Title = title
	if desc := strings.TrimSpace(doc.Find(`meta[name="description"]`).AttrOr("content", "")); desc != "" {
		res.Metadata["description"] = desc
	}
	if site := strings.TrimSpace(doc.Find(`meta[property="og:site_name"]`).AttrOr("content", "")); site != "" {
		res.Metadata["siteName"] = site
	}
	doc.Find(strippedEl).Remove()
	root := doc.Find("article").First()
	if root.Length() == 0 {
		root = doc.Find("main").First()
	}
	if root.Length() == 0 {
		root = doc.Find("body").First()
	}
	root.Find(blockEl).Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml("\n")
	})
	res.Content = normalizeText(root.Text())
	return nil
}

func parseJSONBody(body []byte, res *FetchResult) error {
	var v interface{}
	if err := json.Unmarshal(body, &v); err != nil {
		return fmt.Errorf("%w: decode json: %w", appErr.ErrExtraction, err)
	}
	res.Content = FlattenJSON(v)
	return nil
}

func parsePDFBody(ctx context.Context, body []byte, res *FetchResult) error {
	tmp, err := os.CreateTemp("", "voicekb-*.pdf")
	if err != nil {
		return fmt.Errorf("%w: temp pdf: %w", appErr.ErrExtraction, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(body); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("%w: temp pdf: %w", appErr.ErrExtraction, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: temp pdf: %w", appErr.ErrExtraction, err)
	}
	c, err := extractPDF(ctx, tmp.Name())
	if err != nil {
		return err
	}
	res.Content = c.Text
	for k, v := range c.Metadata {
		res.Metadata[k] = v
	}
	return nil
}

// normalizeText collapses horizontal whitespace and drops blank lines.
func normalizeText(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(spaceRun.ReplaceAllString(line, " "))
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

func titleFromPath(p, host string) string {
	base := path.Base(strings.TrimRight(p, "/"))
	if base == "." || base == "/" || base == "" {
		return host
	}
	return base
}
