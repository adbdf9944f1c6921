package rewrite

import (
	"strings"

	"nutrirag/internal/domain"
)

const classifyInstruction = `你是一个查询分析助手。请根据对话历史判断当前问题属于以下哪一类：
- context_dependent：问题依赖前文，省略了必要的上下文
- comparative：问题在比较两个或多个对象
- ambiguous_reference：问题包含指代不明的代词或指示词（它、这个、那些等）
- multi_intent：一个问题里包含多个独立的子问题
- rhetorical：反问或带有情绪的表述
- none：问题本身已经完整、清晰
请只输出 JSON，格式为：{"query_type": "类型", "rewritten_query": "改写后的完整问题", "confidence": 0到1之间的小数}`

var strategyInstructions = map[domain.QueryType]string{
	domain.QueryContextDependent: `你是一个智能的查询优化助手。请分析用户的当前问题以及前序对话历史，判断当前问题是否依赖于上下文。
如果依赖，请将当前问题改写成一个独立的、包含所有必要上下文信息的完整问题。
如果不依赖，直接返回原问题。只输出改写后的问题。`,
	domain.QueryComparative: `你是一个查询优化助手。当前问题是一个比较类问题。请结合对话历史，明确写出被比较的每一个对象以及比较的维度，
改写成一个独立完整的比较问题。只输出改写后的问题。`,
	domain.QueryAmbiguousReference: `你是一个查询优化助手。当前问题中含有指代词（如“它”“这个”“那些”）。请根据对话历史，
把每个指代词替换为它所指的具体名词，改写成一个不需要上下文也能理解的问题。只输出改写后的问题。`,
	domain.QueryRhetorical: `你是一个查询优化助手。当前问题是反问句或带有情绪的表述。请去掉情绪和反问语气，
改写成一个客观、可以在知识库中检索的中性问题。只输出改写后的问题。`,
}

const decomposeInstruction = `你是一个查询分解助手。当前问题包含多个意图。请结合对话历史，把它拆分成若干个相互独立、各自完整的问题，
保持原有顺序。请只输出 JSON 字符串数组，例如：["问题一", "问题二"]`

func buildPrompt(instruction, history, query, answerHeading string) string {
	var b strings.Builder
	b.WriteString("### 指令 ###\n")
	b.WriteString(instruction)
	b.WriteString("\n\n### 对话历史 ###\n")
	if history == "" {
		b.WriteString("（无）")
	} else {
		b.WriteString(history)
	}
	b.WriteString("\n\n### 当前问题 ###\n")
	b.WriteString(query)
	b.WriteString("\n\n### ")
	b.WriteString(answerHeading)
	b.WriteString(" ###\n")
	return b.String()
}

// FormatHistory renders turns one per line with a speaker label.
func FormatHistory(turns []domain.ConversationTurn) string {
	lines := make([]string, 0, len(turns))
	for _, t := range turns {
		label := "用户"
		if t.Speaker == domain.SpeakerAssistant {
			label = "助手"
		}
		lines = append(lines, label+"："+t.Text)
	}
	return strings.Join(lines, "\n")
}
