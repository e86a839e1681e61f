package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	appErr "github.com/xxxsen/voicekb/internal/pkg/errors"
)

const TypeMemory = "memory"

type memoryRecord struct {
	ID      interface{} `json:"id"`
	Title   string      `json:"title"`
	Date    string      `json:"date"`
	Tags    []string    `json:"tags"`
	Content string      `json:"content"`
	Text    string      `json:"text"`
}

func (m *memoryRecord) body() string {
	if strings.TrimSpace(m.Content) != "" {
		return m.Content
	}
	return m.Text
}

func (m *memoryRecord) render() string {
	lines := make([]string, 0, 4)
	if m.Title != "" {
		lines = append(lines, "Memory: "+m.Title)
	}
	if m.Date != "" {
		lines = append(lines, "Date: "+m.Date)
	}
	if len(m.Tags) > 0 {
		lines = append(lines, "Tags: "+strings.Join(m.Tags, ", "))
	}
	if body := strings.TrimSpace(m.body()); body != "" {
		lines = append(lines, body)
	}
	return strings.Join(lines, "\n")
}

func extractJSON(ctx context.Context, path string) (*Content, error) {
	data, err := readFile(path)
	if err != nil {
		return nil, err
	}
	var probe struct {
		Memories []json.RawMessage `json:"memories"`
	}
	if err := json.Unmarshal(data, &probe); err == nil && probe.Memories != nil {
		return memoriesContent(ctx, path, probe.Memories), nil
	}
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("%w: decode json %s: %w", appErr.ErrExtraction, path, err)
	}
	return &Content{Text: FlattenJSON(v)}, nil
}

func memoriesContent(ctx context.Context, path string, raw []json.RawMessage) *Content {
	logger := logutil.GetLogger(ctx).With(zap.String("file", path))
	out := &Content{Type: TypeMemory, Metadata: map[string]interface{}{"memoryCount": 0}}
	for idx, item := range raw {
		var m memoryRecord
		if err := json.Unmarshal(item, &m); err != nil {
			logger.Warn("skip undecodable memory", zap.Int("index", idx), zap.Error(err))
			continue
		}
		if strings.TrimSpace(m.body()) == "" && m.Title == "" {
			logger.Warn("skip empty memory", zap.Int("index", idx))
			continue
		}
		meta := map[string]interface{}{
			"title": m.Title,
			"date":  m.Date,
			"tags":  strings.Join(m.Tags, ","),
		}
		if m.ID != nil {
			meta["memoryId"] = fmt.Sprint(m.ID)
		} else {
			meta["memoryId"] = fmt.Sprint(idx)
		}
		out.Sections = append(out.Sections, Section{Text: m.render(), Metadata: meta})
	}
	out.Metadata["memoryCount"] = len(out.Sections)
	return out
}

// FlattenJSON renders a decoded JSON value as "path: value" lines, e.g. "a.b[0]: v".
// Object keys are visited in sorted order.
func FlattenJSON(v interface{}) string {
	var lines []string
	flatten("", v, &lines)
	return strings.Join(lines, "\n")
}

func flatten(prefix string, v interface{}, lines *[]string) {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			next := k
			if prefix != "" {
				next = prefix + "." + k
			}
			flatten(next, val[k], lines)
		}
	case []interface{}:
		for i, item := range val {
			flatten(fmt.Sprintf("%s[%d]", prefix, i), item, lines)
		}
	case nil:
		if prefix != "" {
			*lines = append(*lines, prefix+": null")
		}
	default:
		s := fmt.Sprint(val)
		if f, ok := val.(float64); ok {
			s = strconv.FormatFloat(f, 'f', -1, 64)
		}
		if prefix == "" {
			*lines = append(*lines, s)
			return
		}
		*lines = append(*lines, prefix+": "+s)
	}
}
