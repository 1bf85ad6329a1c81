package feishu

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// NormalizeDate rewrites YYYY-MM-DD as YYYY/MM/DD, the form dates are compared in.
func NormalizeDate(date string) string {
	return strings.ReplaceAll(strings.TrimSpace(date), "-", "/")
}

// fieldDate renders a date cell as YYYY/MM/DD. Date-typed cells hold epoch
// milliseconds; text cells are normalized.
func fieldDate(value any, location *time.Location) string {
	switch typed := value.(type) {
	case float64:
		return time.UnixMilli(int64(typed)).In(location).Format(dateLayout)
	case json.Number:
		millis, err := typed.Int64()
		if err != nil {
			return ""
		}

		return time.UnixMilli(millis).In(location).Format(dateLayout)
	default:
		return NormalizeDate(fieldText(value))
	}
}

// fieldText flattens a cell to plain text. Text cells come back either as a plain
// string or as a list of rich-text segments.
func fieldText(value any) string {
	switch typed := value.(type) {
	case nil:
		return ""
	case string:
		return typed
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case json.Number:
		return typed.String()
	case bool:
		return strconv.FormatBool(typed)
	case map[string]any:
		if text, ok := typed["text"].(string); ok {
			return text
		}

		if link, ok := typed["link"].(string); ok {
			return link
		}

		return ""
	case []any:
		var builder strings.Builder
		for _, segment := range typed {
			builder.WriteString(fieldText(segment))
		}

		return builder.String()
	default:
		return ""
	}
}

// fieldLink returns the URL of a link cell, which is either a plain string or a
// {link, text} object.
func fieldLink(value any) string {
	switch typed := value.(type) {
	case string:
		return typed
	case map[string]any:
		if link, ok := typed["link"].(string); ok {
			return link
		}

		if text, ok := typed["text"].(string); ok {
			return text
		}
	case []any:
		for _, segment := range typed {
			link := fieldLink(segment)
			if link != "" {
				return link
			}
		}
	}

	return ""
}
