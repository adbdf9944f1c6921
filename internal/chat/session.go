// Package chat runs a conversation over the query engine: each turn is
// rewritten against the history, answered, and appended to the history.
package chat

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"nutrirag/internal/domain"
	"nutrirag/internal/rewrite"
)

// Engine answers a single standalone question.
type Engine interface {
	Query(ctx context.Context, question string, topK, rerankTopN int) (domain.Answer, error)
}

// Rewriter turns a conversational question into standalone queries.
type Rewriter interface {
	AutoRewriteAndExecute(ctx context.Context, query string, history []domain.ConversationTurn) (rewrite.Result, error)
}

// Expander produces alternative phrasings of a question.
type Expander interface {
	ExpandQuery(ctx context.Context, query string, n int) ([]string, error)
}

// MultiEngine answers a question retrieving with extra query variants.
type MultiEngine interface {
	QueryMulti(ctx context.Context, question string, variants []string, topK, rerankTopN int) (domain.Answer, error)
}

// SubAnswer is the answer to one of the questions a turn was split into.
type SubAnswer struct {
	Question string
	Answer   domain.Answer
}

// Reply is the outcome of one turn.
type Reply struct {
	Rewrite rewrite.Result
	Parts   []SubAnswer
	Text    string
	Quit    bool
}

// Sources returns the sources of every part, in order.
func (r Reply) Sources() []domain.RetrievalResult {
	var out []domain.RetrievalResult
	for _, p := range r.Parts {
		out = append(out, p.Answer.Sources...)
	}
	return out
}

// Session holds one conversation. It is not safe for concurrent use.
type Session struct {
	ID         string
	engine     Engine
	rewriter   Rewriter
	topK       int
	rerankTopN int
	logger     *slog.Logger
	history    []domain.ConversationTurn
	expander   Expander
	variants   int
}

// NewSession starts a conversation. A nil rewriter sends input unchanged.
func NewSession(engine Engine, rewriter Rewriter, topK, rerankTopN int, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()
	return &Session{
		ID:         id,
		engine:     engine,
		rewriter:   rewriter,
		topK:       topK,
		rerankTopN: rerankTopN,
		logger:     logger.With("session", id),
	}
}

// WithMultiQuery makes every question retrieve with up to n rephrasings
// from x. It has no effect unless the engine is a MultiEngine.
func (s *Session) WithMultiQuery(x Expander, n int) *Session {
	s.expander = x
	s.variants = n
	return s
}

// IsQuit reports whether input ends the session.
func IsQuit(input string) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "quit", "exit":
		return true
	}
	return false
}

// History returns a copy of the turns so far.
func (s *Session) History() []domain.ConversationTurn {
	return append([]domain.ConversationTurn(nil), s.history...)
}

// Ask handles one line of input. The question and the answer are appended to
// the history only when the turn succeeds.
func (s *Session) Ask(ctx context.Context, input string) (Reply, error) {
	input = strings.TrimSpace(input)
	if IsQuit(input) {
		return Reply{Quit: true}, nil
	}
	if input == "" {
		return Reply{}, domain.NewConfigError("question", "must not be empty")
	}

	res := rewrite.Result{QueryType: domain.QueryNone, Query: input}
	if s.rewriter != nil {
		var err error
		res, err = s.rewriter.AutoRewriteAndExecute(ctx, input, s.History())
		if err != nil {
			return Reply{}, err
		}
	}
	questions := res.SubQueries
	if len(questions) == 0 {
		questions = []string{res.Query}
	}
	s.logger.Info("turn rewritten", "type", res.QueryType, "query", res.Query, "parts", len(questions))

	reply := Reply{Rewrite: res}
	for _, q := range questions {
		ans, err := s.answer(ctx, q)
		if err != nil {
			return Reply{}, fmt.Errorf("answer %q: %w", q, err)
		}
		reply.Parts = append(reply.Parts, SubAnswer{Question: q, Answer: ans})
	}
	reply.Text = combine(reply.Parts)

	s.history = append(s.history,
		domain.ConversationTurn{Speaker: domain.SpeakerUser, Text: input},
		domain.ConversationTurn{Speaker: domain.SpeakerAssistant, Text: reply.Text},
	)
	return reply, nil
}

func (s *Session) answer(ctx context.Context, question string) (domain.Answer, error) {
	multi, ok := s.engine.(MultiEngine)
	if s.expander == nil || !ok {
		return s.engine.Query(ctx, question, s.topK, s.rerankTopN)
	}
	variants, err := s.expander.ExpandQuery(ctx, question, s.variants)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return domain.Answer{}, err
		}
		s.logger.Warn("query expansion failed, retrieving with the question only", "err", err)
		variants = nil
	}
	return multi.QueryMulti(ctx, question, variants, s.topK, s.rerankTopN)
}

func combine(parts []SubAnswer) string {
	if len(parts) == 1 {
		return parts[0].Answer.Text
	}
	sections := make([]string, len(parts))
	for i, p := range parts {
		sections[i] = fmt.Sprintf("问题%d：%s\n%s", i+1, p.Question, p.Answer.Text)
	}
	return strings.Join(sections, "\n\n")
}

// Prompt is printed before every line read by Run.
const Prompt = "请输入您的问题（输入 quit 或 exit 退出）: "

// Run is the line-oriented loop: it reads questions from in until quit, exit
// or EOF and writes answers with their sources to out.
func (s *Session) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	sc := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, Prompt)
		if !sc.Scan() {
			fmt.Fprintln(out)
			return sc.Err()
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		reply, err := s.Ask(ctx, line)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fmt.Fprintf(out, "错误: %v\n\n", err)
			continue
		}
		if reply.Quit {
			return nil
		}
		if reply.Rewrite.Query != line {
			fmt.Fprintf(out, "（改写为：%s）\n", reply.Rewrite.Query)
		}
		fmt.Fprintf(out, "\n回答：%s\n\n%s\n", reply.Text, FormatSources(reply.Sources()))
	}
}

// FormatSources lists sources with their scores and page numbers.
func FormatSources(sources []domain.RetrievalResult) string {
	if len(sources) == 0 {
		return "参考来源：无"
	}
	var b strings.Builder
	b.WriteString("参考来源：\n")
	for i, s := range sources {
		fmt.Fprintf(&b, "[%d] 相似度=%.4f", i+1, s.CoarseSimilarity)
		if s.RerankScore != nil {
			fmt.Fprintf(&b, " 重排得分=%.4f", *s.RerankScore)
		}
		fmt.Fprintf(&b, "\n%s\n%s\n", s.Chunk.Text, Provenance(s.Chunk))
	}
	return strings.TrimRight(b.String(), "\n")
}

// Provenance names the page a chunk came from, followed by its document when
// one is recorded.
func Provenance(c domain.Chunk) string {
	m := c.Metadata()
	line := fmt.Sprintf("来自第 %d 页", m.Page)
	if m.Source != "" {
		line += "（" + m.Source + "）"
	}
	return line
}
