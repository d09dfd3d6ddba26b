package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// The upstream has shipped at least three envelope shapes over time:
//
//	{"data":{"entries":[...]}}          entries under a named key
//	[...]                               a flat array of entries
//	{"sections":[{"section":"featured","items":[...]}]}   section-discriminated
//
// Normalize accepts all of them and flattens to []Item.
func (c *Cache) Normalize(body []byte) ([]Item, error) {
	entries, err := extractEntries(body)
	if err != nil {
		return nil, err
	}
	items := make([]Item, 0, len(entries))
	for _, entry := range entries {
		if item, ok := c.normalizeEntry(entry); ok {
			items = append(items, item)
		}
	}
	return items, nil
}

func extractEntries(body []byte) ([]map[string]any, error) {
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "[") {
		var flat []map[string]any
		if err := json.Unmarshal(body, &flat); err != nil {
			return nil, fmt.Errorf("catalog: flat array: %w", err)
		}
		return flat, nil
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("catalog: envelope: %w", err)
	}

	// Entries nested under a named key, possibly one level deep.
	for _, key := range []string{"entries", "shop", "items"} {
		if raw, ok := envelope[key]; ok {
			var entries []map[string]any
			if err := json.Unmarshal(raw, &entries); err == nil {
				return entries, nil
			}
		}
	}
	if raw, ok := envelope["data"]; ok {
		var inner map[string]json.RawMessage
		if err := json.Unmarshal(raw, &inner); err == nil {
			for _, key := range []string{"entries", "shop", "items"} {
				if rawInner, ok := inner[key]; ok {
					var entries []map[string]any
					if err := json.Unmarshal(rawInner, &entries); err == nil {
						return entries, nil
					}
				}
			}
		}
	}

	// Section-discriminated: flatten every section's items, tagging each
	// entry with its section name.
	if raw, ok := envelope["sections"]; ok {
		var sections []struct {
			Section string           `json:"section"`
			Items   []map[string]any `json:"items"`
		}
		if err := json.Unmarshal(raw, &sections); err != nil {
			return nil, fmt.Errorf("catalog: sections: %w", err)
		}
		var entries []map[string]any
		for _, s := range sections {
			for _, item := range s.Items {
				item["section"] = s.Section
				entries = append(entries, item)
			}
		}
		return entries, nil
	}

	return nil, errors.New("catalog: unrecognized payload shape")
}

// normalizeEntry resolves each field through an ordered list of extraction
// strategies; the first present value wins.
func (c *Cache) normalizeEntry(entry map[string]any) (Item, bool) {
	item := Item{
		ID: firstString(entry,
			path("items", 0, "id"),
			path("itemId"),
			path("id"),
		),
		OfferID: firstString(entry,
			path("offerId"),
			path("mainId"),
			path("id"),
		),
	}
	if item.ID == "" {
		return Item{}, false
	}

	item.Name = firstString(entry,
		path("bundle", "name"),
		path("displayName"),
		path("items", 0, "name"),
		path("name"),
	)
	if item.Name == "" {
		item.Name = cleanupID(item.ID)
	}

	item.Price = firstInt(entry,
		path("price", "finalPrice"),
		path("finalPrice"),
		path("price"),
	)
	item.OriginalPrice = firstInt(entry,
		path("price", "regularPrice"),
		path("regularPrice"),
		path("price", "finalPrice"),
		path("finalPrice"),
		path("price"),
	)

	item.Rarity = firstString(entry,
		path("rarity", "value"),
		path("rarity"),
		path("items", 0, "rarity", "value"),
		path("items", 0, "rarity"),
	)
	item.Type = firstString(entry,
		path("type", "value"),
		path("type"),
		path("items", 0, "type", "value"),
		path("items", 0, "type"),
	)

	item.ImageURL = firstString(entry,
		path("displayAssets", 0, "url"),
		path("bundle", "image"),
		path("items", 0, "images", "icon"),
		path("items", 0, "icon"),
		path("image"),
	)
	if item.ImageURL == "" && c.cfg.ImageCDN != "" {
		item.ImageURL = strings.TrimRight(c.cfg.ImageCDN, "/") + "/" + item.ID + "/icon.png"
	}

	return item, true
}

// path is one extraction strategy: a sequence of map keys and array
// indices walked in order.
func path(steps ...any) []any { return steps }

func dig(entry map[string]any, steps []any) (any, bool) {
	var cur any = entry
	for _, step := range steps {
		switch s := step.(type) {
		case string:
			m, ok := cur.(map[string]any)
			if !ok {
				return nil, false
			}
			cur, ok = m[s]
			if !ok {
				return nil, false
			}
		case int:
			arr, ok := cur.([]any)
			if !ok || s >= len(arr) {
				return nil, false
			}
			cur = arr[s]
		default:
			return nil, false
		}
	}
	return cur, true
}

func firstString(entry map[string]any, strategies ...[]any) string {
	for _, steps := range strategies {
		if v, ok := dig(entry, steps); ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

func firstInt(entry map[string]any, strategies ...[]any) int {
	for _, steps := range strategies {
		if v, ok := dig(entry, steps); ok {
			if f, ok := v.(float64); ok {
				return int(f)
			}
		}
	}
	return 0
}

// cleanupID turns an item id like "pickaxe_winter_blade" or
// "CID_028_Hero" into a presentable name.
func cleanupID(id string) string {
	s := strings.NewReplacer("_", " ", "-", " ").Replace(id)
	words := strings.Fields(s)
	for i, w := range words {
		if len(w) > 1 && w == strings.ToUpper(w) {
			continue // keep acronym-ish tokens as-is
		}
		words[i] = strings.ToUpper(w[:1]) + strings.ToLower(w[1:])
	}
	return strings.Join(words, " ")
}
