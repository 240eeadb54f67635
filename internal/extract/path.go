package extract

import (
	"fmt"
	"strconv"
	"strings"
)

// ErrMaxDepth reports that a path had more components than the configured
// recursion limit allows. Only the one metric using that path fails; the
// surrounding extraction continues.
type ErrMaxDepth struct {
	Path     string
	MaxDepth int
}

func (e *ErrMaxDepth) Error() string {
	return fmt.Sprintf("path %q exceeds max depth %d", e.Path, e.MaxDepth)
}

// ExtractByPath resolves a dot-separated path with optional bracketed
// indices against decoded JSON data. "$" is the root alias. Missing keys
// resolve to nil (a valid Null metric), not an error; a trailing dot is
// malformed and resolves to ok=false; exceeding maxDepth returns ErrMaxDepth.
func ExtractByPath(data any, path string, maxDepth int) (any, bool, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, false, nil
	}
	if trimmed == "$" {
		return data, true, nil
	}
	if strings.HasSuffix(trimmed, ".") {
		return nil, false, nil
	}

	parts := strings.Split(trimmed, ".")
	depth := 0
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" || p == "$" {
			continue
		}
		depth++
	}
	if depth == 0 {
		return nil, false, nil
	}
	if maxDepth > 0 && depth > maxDepth {
		return nil, false, &ErrMaxDepth{Path: trimmed, MaxDepth: maxDepth}
	}

	current := data
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" || part == "$" {
			continue
		}

		if start := strings.IndexByte(part, '['); start >= 0 {
			end := strings.IndexByte(part, ']')
			if end < start {
				return nil, false, nil
			}
			key := part[:start]
			if key != "" {
				switch node := current.(type) {
				case map[string]any:
					// A merely-missing key resolves to null, same as the
					// plain-key branch; the rest of the walk stays null.
					val, exists := node[key]
					if !exists {
						current = nil
						continue
					}
					current = val
				case nil:
					continue
				default:
					return nil, false, nil
				}
			}
			idx, err := strconv.Atoi(part[start+1 : end])
			if err != nil || idx < 0 {
				return nil, false, nil
			}
			if current == nil {
				continue
			}
			arr, ok := current.([]any)
			if !ok || idx >= len(arr) {
				return nil, false, nil
			}
			current = arr[idx]

			// Chained indices: sensors[0][1].
			rest := part[end+1:]
			for strings.HasPrefix(rest, "[") {
				close := strings.IndexByte(rest, ']')
				if close < 0 {
					return nil, false, nil
				}
				idx, err := strconv.Atoi(rest[1:close])
				if err != nil || idx < 0 {
					return nil, false, nil
				}
				arr, ok := current.([]any)
				if !ok || idx >= len(arr) {
					return nil, false, nil
				}
				current = arr[idx]
				rest = rest[close+1:]
			}
			continue
		}

		switch node := current.(type) {
		case map[string]any:
			val, ok := node[part]
			if !ok {
				current = nil
			} else {
				current = val
			}
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(node) {
				current = nil
			} else {
				current = node[idx]
			}
		default:
			// Already at null or a primitive: cannot navigate further.
			// Null remains a valid metric value, so keep walking.
			current = nil
		}
	}

	return current, true, nil
}
