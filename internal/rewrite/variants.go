package rewrite

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// DefaultVariants is the number of alternative phrasings requested when the
// caller asks for none.
const DefaultVariants = 3

const variantsInstruction = `你是一个检索助手。请为用户的问题生成 %d 个不同表述的版本，用于从向量数据库中检索相关文档。
从不同角度改写问题，帮助克服基于距离的相似度搜索的局限。每行输出一个问题，不要编号，不要输出其他内容。`

var listMarker = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.、)）:：]|[（(]\d+[)）])\s*`)

// ExpandQuery returns query followed by up to n distinct alternative
// phrasings for multi-query retrieval. Without a generator only query is
// returned. Replies may be one question per line or a JSON array.
func (r *Rewriter) ExpandQuery(ctx context.Context, query string, n int) ([]string, error) {
	query = strings.TrimSpace(query)
	if n <= 0 {
		n = DefaultVariants
	}
	if r.gen == nil {
		return []string{query}, nil
	}
	prompt := buildPrompt(fmt.Sprintf(variantsInstruction, n), "", query, "改写后的问题")
	raw, err := r.gen.Generate(ctx, prompt)
	if err != nil {
		return nil, err
	}
	items, perr := parseList(raw)
	if perr != nil {
		items = strings.Split(stripFences(raw), "\n")
	}

	out := []string{query}
	seen := map[string]bool{query: true}
	for _, it := range items {
		it = strings.TrimSpace(listMarker.ReplaceAllString(it, ""))
		if it == "" || seen[it] {
			continue
		}
		seen[it] = true
		out = append(out, it)
		if len(out) == n+1 {
			break
		}
	}
	r.logger.Debug("query expanded", "variants", len(out)-1)
	return out, nil
}
