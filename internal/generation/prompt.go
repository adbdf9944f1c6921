// Package generation holds the answer prompt shared by every generator.
package generation

import "strings"

const (
	knowledgePrefix = "基于以下知识："
	questionPrefix  = "请回答："
)

// BuildPrompt assembles the answer prompt. An empty context yields the bare
// question.
func BuildPrompt(context, question string) string {
	if strings.TrimSpace(context) == "" {
		return question
	}
	return knowledgePrefix + context + "\n\n" + questionPrefix + question
}

// ParsePrompt splits a prompt produced by BuildPrompt back into its context
// and question. Prompts without a knowledge block are returned as the question.
func ParsePrompt(prompt string) (context, question string) {
	if !strings.HasPrefix(prompt, knowledgePrefix) {
		return "", prompt
	}
	body := strings.TrimPrefix(prompt, knowledgePrefix)
	i := strings.LastIndex(body, "\n\n"+questionPrefix)
	if i < 0 {
		return body, ""
	}
	return body[:i], body[i+len("\n\n"+questionPrefix):]
}
