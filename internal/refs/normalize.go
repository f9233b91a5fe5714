// Package refs normalizes citation sources into a single clean shape:
// {title, url, score}. Upstream producers hand back a mix of strings,
// maps and already-clean references, sometimes with a serialized map
// stuffed into the title; everything funnels through Normalize so the
// report never shows raw dict text or zero-score noise.
package refs

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/fapiaoAI/invoice-audit-service/internal/models"
)

// UnknownSource is the title used when a source cannot be recovered.
const UnknownSource = "未知来源"

// Structural context sources never show a similarity score.
var structuralTitles = map[string]struct{}{
	"系统当前时间":       {},
	"结构化规则-审批阈值":   {},
	"结构化-调用侧上下文汇总": {},
	"结构化规则-验真有效期":  {},
}

var (
	singleQuotedTitleRe = regexp.MustCompile(`'title'\s*:\s*'([^']+)'`)
	doubleQuotedTitleRe = regexp.MustCompile(`"title"\s*:\s*"([^"]+)"`)
	docExtRe            = regexp.MustCompile(`(?i)\.(md|txt|pdf|docx?)$`)
)

// Normalize coerces a heterogeneous source list into clean references,
// deduplicated by (title, url) in first-seen order. It is idempotent:
// running it over its own output changes nothing.
func Normalize(items []any) []models.Reference {
	var out []models.Reference
	seen := make(map[string]struct{})
	for _, it := range items {
		ref, ok := coerce(it)
		if !ok {
			continue
		}
		key := ref.Title + "\x00" + ref.URL
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, ref)
	}
	return out
}

// Merge normalizes and deduplicates two already-typed reference lists.
func Merge(a, b []models.Reference) []models.Reference {
	items := make([]any, 0, len(a)+len(b))
	for _, r := range a {
		items = append(items, r)
	}
	for _, r := range b {
		items = append(items, r)
	}
	return Normalize(items)
}

// FromTitles builds scoreless references from bare titles.
func FromTitles(titles []string) []models.Reference {
	items := make([]any, len(titles))
	for i, t := range titles {
		items[i] = t
	}
	return Normalize(items)
}

func coerce(v any) (models.Reference, bool) {
	switch s := v.(type) {
	case nil:
		return models.Reference{}, false
	case models.Reference:
		s.Title = ScrubTitle(s.Title)
		s.Score = suppress(s.Title, s.Score)
		return s, s.Title != ""
	case string:
		t := ScrubTitle(s)
		if t == "" {
			return models.Reference{}, false
		}
		return models.Reference{Title: t}, true
	case map[string]any:
		title := firstString(s, "title", "source", "doc", "file", "name")
		if title == "" {
			return models.Reference{}, false
		}
		url, _ := s["url"].(string)
		ref := models.Reference{
			Title: ScrubTitle(title),
			URL:   url,
			Score: safeScore(s["score"]),
		}
		ref.Score = suppress(ref.Title, ref.Score)
		return ref, true
	default:
		return models.Reference{}, false
	}
}

// ScrubTitle recovers a clean document title from whatever landed in the
// title slot. It unwraps serialized maps like
// "{'title': '公司报销规则', 'url': ''}" (a known producer defect; the fix
// belongs upstream, this keeps old payloads readable), then strips any
// path and document extension. An unrecoverable title becomes
// UnknownSource; an empty one stays empty.
func ScrubTitle(title string) string {
	t := strings.TrimSpace(title)
	if t == "" {
		return ""
	}

	if m := singleQuotedTitleRe.FindStringSubmatch(t); m != nil {
		return strings.TrimSpace(m[1])
	}
	if m := doubleQuotedTitleRe.FindStringSubmatch(t); m != nil {
		return strings.TrimSpace(m[1])
	}
	if strings.HasPrefix(t, "{") && strings.HasSuffix(t, "}") {
		return UnknownSource
	}

	if i := strings.LastIndexAny(t, "/\\"); i >= 0 {
		t = t[i+1:]
	}
	t = docExtRe.ReplaceAllString(t, "")
	if t == "" {
		return UnknownSource
	}
	return t
}

// safeScore converts any score value to a float pointer. Unparseable
// values and zero collapse to nil so the report renders null instead of
// a meaningless 0.
func safeScore(v any) *float64 {
	var f float64
	switch s := v.(type) {
	case nil:
		return nil
	case float64:
		f = s
	case float32:
		f = float64(s)
	case int:
		f = float64(s)
	case int64:
		f = float64(s)
	case string:
		t := strings.TrimSpace(strings.ToLower(s))
		if t == "" || t == "none" || t == "null" || t == "nan" {
			return nil
		}
		parsed, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return nil
		}
		f = parsed
	default:
		return nil
	}
	if f == 0 {
		return nil
	}
	return &f
}

func suppress(title string, score *float64) *float64 {
	if _, structural := structuralTitles[strings.TrimSpace(title)]; structural {
		return nil
	}
	if score != nil && *score == 0 {
		return nil
	}
	return score
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}
