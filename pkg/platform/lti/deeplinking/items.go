package deeplinking

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// TypeResourceLink is the only content item type the platform places.
const TypeResourceLink = "ltiResourceLink"

// ContentItem is one piece of tool content to place.
type ContentItem struct {
	Type   string            `json:"type,omitempty"`
	Title  string            `json:"title"`
	URL    string            `json:"url"`
	Custom map[string]string `json:"custom,omitempty"`
}

// ErrInvalidContentItem rejects items that cannot become resource links.
var ErrInvalidContentItem = errors.New("deeplinking: invalid content item")

// normalize trims the item and fills the type. url must be absolute http(s).
func normalize(it ContentItem) (ContentItem, error) {
	it.Type = strings.TrimSpace(it.Type)
	if it.Type == "" {
		it.Type = TypeResourceLink
	}
	if it.Type != TypeResourceLink {
		return ContentItem{}, fmt.Errorf("%w: unsupported type %q", ErrInvalidContentItem, it.Type)
	}
	it.Title = strings.TrimSpace(it.Title)
	it.URL = strings.TrimSpace(it.URL)
	if !isHTTPURL(it.URL) {
		return ContentItem{}, fmt.Errorf("%w: url must be an absolute http(s) URL", ErrInvalidContentItem)
	}
	if len(it.Custom) == 0 {
		it.Custom = nil
	}
	return it, nil
}

// claim renders the item as it appears in the content_items claim.
func (it ContentItem) claim() map[string]any {
	m := map[string]any{
		"type":  it.Type,
		"title": it.Title,
		"url":   it.URL,
	}
	if len(it.Custom) > 0 {
		custom := make(map[string]any, len(it.Custom))
		for k, v := range it.Custom {
			custom[k] = v
		}
		m["custom"] = custom
	}
	return m
}

// rawItem tolerates the shapes tools and UIs send: "custom" or
// "custom_params", and non-string custom values.
type rawItem struct {
	Type         string         `json:"type"`
	Title        string         `json:"title"`
	URL          string         `json:"url"`
	Custom       map[string]any `json:"custom"`
	CustomParams map[string]any `json:"custom_params"`
}

func (r rawItem) item() ContentItem {
	custom := toStringMap(r.Custom)
	if custom == nil {
		custom = toStringMap(r.CustomParams)
	}
	return ContentItem{Type: r.Type, Title: r.Title, URL: r.URL, Custom: custom}
}

func parseItems(raw json.RawMessage) ([]ContentItem, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: content_items is required", ErrInvalidContentItem)
	}
	var arr []rawItem
	if err := json.Unmarshal(raw, &arr); err != nil {
		return nil, fmt.Errorf("%w: content_items must be an array of objects", ErrInvalidContentItem)
	}
	out := make([]ContentItem, 0, len(arr))
	for _, r := range arr {
		out = append(out, r.item())
	}
	return out, nil
}

func toStringMap(m map[string]any) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		switch t := v.(type) {
		case string:
			out[k] = t
		case float64:
			out[k] = strconv.FormatFloat(t, 'f', -1, 64)
		case bool:
			out[k] = strconv.FormatBool(t)
		case nil:
		default:
			if b, err := json.Marshal(t); err == nil {
				out[k] = string(b)
			}
		}
	}
	return out
}

func isHTTPURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
