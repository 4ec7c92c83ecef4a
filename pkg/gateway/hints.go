package gateway

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/cuemby/shardsql/pkg/cache"
	"github.com/cuemby/shardsql/pkg/types"
)

// hintPattern matches one or more MySQL-style `/*+ ... */` comments.
var hintPattern = regexp.MustCompile(`/\*\+\s*(.*?)\s*\*/`)

// ParsedHints is the result of stripping and interpreting every
// `/*+ ... */` comment in a request's SQL text.
type ParsedHints struct {
	Cache    *cache.HintMode
	ShardKey string
}

// ParseHints strips every `/*+ ... */` hint comment from sqlText and
// returns the remaining SQL plus the parsed hints. Unrecognized hint
// bodies are ignored rather than rejected, since future hint vocabulary
// should not break older clients.
func ParseHints(sqlText string) (string, ParsedHints) {
	var hints ParsedHints

	stripped := hintPattern.ReplaceAllStringFunc(sqlText, func(m string) string {
		groups := hintPattern.FindStringSubmatch(m)
		if len(groups) != 2 {
			return ""
		}
		applyHint(strings.TrimSpace(groups[1]), &hints)
		return ""
	})

	return strings.TrimSpace(stripped), hints
}

func applyHint(body string, hints *ParsedHints) {
	switch {
	case body == "strong":
		hints.Cache = &cache.HintMode{Mode: types.CacheModeStrong}
	case body == "weak":
		hints.Cache = &cache.HintMode{Mode: types.CacheModeCached}
	case strings.HasPrefix(body, "bounded"):
		ms := int64(0)
		if _, rest, ok := strings.Cut(body, "="); ok {
			if v, err := strconv.ParseInt(strings.TrimSpace(rest), 10, 64); err == nil {
				ms = v
			}
		}
		hints.Cache = &cache.HintMode{Mode: types.CacheModeBounded, BoundedMs: ms}
	case strings.HasPrefix(body, "shard:"):
		rest := strings.TrimPrefix(body, "shard:")
		if _, val, ok := strings.Cut(rest, "="); ok {
			hints.ShardKey = strings.TrimSpace(val)
		}
	}
}
