// Package keywords groups digest keywords into configured categories.
package keywords

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Uncategorized names the trailing group of keywords no category claims.
const Uncategorized = "未分类"

// EnvCategories is the environment variable holding the category map as a JSON
// object of category name to keyword list.
const EnvCategories = "NEWS_DIGEST_KEYWORD_CATEGORIES"

// ErrInvalidCategories indicates that a category document is not a JSON object of
// string arrays.
var ErrInvalidCategories = errors.New("invalid keyword categories")

// Category is a named keyword group.
type Category struct {
	Name     string   `json:"name"     toml:"name"`
	Keywords []string `json:"keywords" toml:"keywords"`
}

// Categorize partitions keywords by categories. Categories keep their configured
// order and only list keywords present in the input, in input order; a keyword may
// belong to several categories. Keywords matched by none are collected into a final
// Uncategorized group. Empty groups are omitted.
func Categorize(keywords []string, categories []Category) []Category {
	grouped := make([]Category, 0, len(categories)+1)
	used := make(map[string]struct{}, len(keywords))

	for _, category := range categories {
		members := make(map[string]struct{}, len(category.Keywords))
		for _, keyword := range category.Keywords {
			members[keyword] = struct{}{}
		}

		var matched []string

		for _, keyword := range keywords {
			if _, ok := members[keyword]; ok {
				matched = append(matched, keyword)
				used[keyword] = struct{}{}
			}
		}

		if len(matched) > 0 {
			grouped = append(grouped, Category{Name: category.Name, Keywords: matched})
		}
	}

	var rest []string

	for _, keyword := range keywords {
		if _, ok := used[keyword]; !ok {
			rest = append(rest, keyword)
		}
	}

	if len(rest) > 0 {
		grouped = append(grouped, Category{Name: Uncategorized, Keywords: rest})
	}

	return grouped
}

// ParseCategories decodes a JSON object such as {"AI":["大模型","芯片"]} into
// categories, preserving the key order of the document. An empty document yields no
// categories.
func ParseCategories(document string) ([]Category, error) {
	trimmed := bytes.TrimSpace([]byte(document))
	if len(trimmed) == 0 {
		return nil, nil
	}

	decoder := json.NewDecoder(bytes.NewReader(trimmed))

	token, err := decoder.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCategories, err)
	}

	if delim, ok := token.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("%w: expected a JSON object", ErrInvalidCategories)
	}

	var categories []Category

	for decoder.More() {
		keyToken, keyErr := decoder.Token()
		if keyErr != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCategories, keyErr)
		}

		name, ok := keyToken.(string)
		if !ok {
			return nil, fmt.Errorf("%w: category name must be a string", ErrInvalidCategories)
		}

		var members []string

		decodeErr := decoder.Decode(&members)
		if decodeErr != nil {
			return nil, fmt.Errorf("%w: category %q: %w", ErrInvalidCategories, name, decodeErr)
		}

		categories = append(categories, Category{Name: name, Keywords: members})
	}

	_, err = decoder.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCategories, err)
	}

	return categories, nil
}
