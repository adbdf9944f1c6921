package rewrite

import (
	"regexp"
	"strings"

	"nutrirag/internal/domain"
)

// Priority lists the rewrite categories from most to least urgent. Multi-intent
// queries are split first so each part gets its own reference resolution.
var Priority = []domain.QueryType{
	domain.QueryMultiIntent,
	domain.QueryAmbiguousReference,
	domain.QueryComparative,
	domain.QueryContextDependent,
	domain.QueryRhetorical,
}

var (
	multiIntentWords  = []string{"分别", "各自", "以及", "另外", "还有就是", "同时"}
	referenceWords    = []string{"它们", "它", "这个", "那个", "这些", "那些", "这种", "那种", "这样", "其中", "他们", "她们"}
	comparativeWords  = []string{"比较", "对比", "相比", "区别", "差别", "哪个更", "哪种更", "更好", "更健康", "不同", "vs", "还是"}
	continuationWords = []string{"那么", "还有呢", "继续", "刚才", "上面", "之前", "前面", "再说", "那如果", "如果是"}
	rhetoricalWords   = []string{"难道", "岂不是", "怎么可能", "不是吗", "凭什么", "真的吗", "何必", "有必要吗"}

	questionMarks = regexp.MustCompile(`[？?]`)
)

// DetectSignals returns the categories whose trigger words occur in query,
// ordered by Priority. Continuation and reference signals only count when
// there is history to depend on.
func DetectSignals(query string, history []domain.ConversationTurn) []domain.QueryType {
	q := strings.ToLower(strings.TrimSpace(query))
	hits := map[domain.QueryType]bool{}

	if containsAny(q, multiIntentWords) || len(questionMarks.FindAllString(q, -1)) >= 2 {
		hits[domain.QueryMultiIntent] = true
	}
	if len(history) > 0 && containsAny(q, referenceWords) {
		hits[domain.QueryAmbiguousReference] = true
	}
	if containsAny(q, comparativeWords) {
		hits[domain.QueryComparative] = true
	}
	if len(history) > 0 && (containsAny(q, continuationWords) || strings.HasSuffix(strings.TrimRight(q, "？?"), "呢")) {
		hits[domain.QueryContextDependent] = true
	}
	if containsAny(q, rhetoricalWords) || strings.Contains(q, "！") || strings.Contains(q, "!") {
		hits[domain.QueryRhetorical] = true
	}

	var out []domain.QueryType
	for _, p := range Priority {
		if hits[p] {
			out = append(out, p)
		}
	}
	return out
}

// Highest returns the highest-priority type in types, or QueryNone.
func Highest(types []domain.QueryType) domain.QueryType {
	for _, p := range Priority {
		for _, t := range types {
			if t == p {
				return p
			}
		}
	}
	return domain.QueryNone
}

// Classify is the heuristic classifier used when no generator is configured.
func Classify(query string, history []domain.ConversationTurn) domain.RewriteDecision {
	signals := DetectSignals(query, history)
	if len(signals) == 0 {
		return domain.RewriteDecision{QueryType: domain.QueryNone, RewrittenQuery: query, Confidence: 0.6}
	}
	conf := 0.6 + 0.1*float64(len(signals)-1)
	return domain.RewriteDecision{QueryType: signals[0], RewrittenQuery: query, Confidence: min(conf, 0.9)}
}

var (
	splitPattern  = regexp.MustCompile(`[？?；;]+|另外|还有就是`)
	pairPattern   = regexp.MustCompile(`^(.+?)[和与及跟](.+?)(分别|各自)(.*)$`)
	trailingMarks = regexp.MustCompile(`[，,。！!\s]+$`)
)

// SplitIntents breaks a multi-intent query into standalone questions without a
// model. "A和B分别X" becomes "AX" and "BX"; otherwise the query is cut at
// question marks and semicolons.
func SplitIntents(query string) []string {
	q := strings.TrimSpace(query)
	suffix := ""
	if strings.HasSuffix(q, "？") || strings.HasSuffix(q, "?") {
		suffix = "？"
	}
	if m := pairPattern.FindStringSubmatch(strings.TrimRight(q, "？?")); m != nil {
		rest := m[4]
		return []string{m[1] + rest + suffix, m[2] + rest + suffix}
	}

	var out []string
	for _, part := range splitPattern.Split(q, -1) {
		part = trailingMarks.ReplaceAllString(strings.TrimSpace(part), "")
		part = strings.TrimLeft(part, "，,")
		if part != "" {
			out = append(out, part+"？")
		}
	}
	if len(out) == 0 {
		return []string{q}
	}
	return out
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
