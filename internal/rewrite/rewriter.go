// Package rewrite classifies how a question depends on the conversation and
// rewrites it into a self-contained query before retrieval.
package rewrite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"nutrirag/internal/domain"
)

// FallbackConfidence is reported when classifier output cannot be parsed.
const FallbackConfidence = 0.5

// Result is the outcome of AutoRewriteAndExecute.
type Result struct {
	Decision   domain.RewriteDecision
	QueryType  domain.QueryType
	Query      string
	SubQueries []string // set for multi_intent
}

// Rewriter runs one generation call per classification or rewrite. With a nil
// generator it falls back to keyword heuristics.
type Rewriter struct {
	gen          domain.Generator
	historyTurns int
	logger       *slog.Logger
}

// Option configures a Rewriter.
type Option func(*Rewriter)

// WithHistoryTurns limits how many trailing turns are shown to the model.
func WithHistoryTurns(n int) Option { return func(r *Rewriter) { r.historyTurns = n } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Rewriter) {
		if l != nil {
			r.logger = l
		}
	}
}

// New returns a Rewriter backed by gen, which may be nil.
func New(gen domain.Generator, opts ...Option) *Rewriter {
	r := &Rewriter{gen: gen, historyTurns: 6, logger: slog.Default()}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Rewriter) history(turns []domain.ConversationTurn) string {
	if r.historyTurns > 0 && len(turns) > r.historyTurns {
		turns = turns[len(turns)-r.historyTurns:]
	}
	return FormatHistory(turns)
}

func (r *Rewriter) rewrite(ctx context.Context, qt domain.QueryType, query string, history []domain.ConversationTurn) (string, error) {
	if r.gen == nil {
		return query, nil
	}
	prompt := buildPrompt(strategyInstructions[qt], r.history(history), query, "改写后的问题")
	out, err := r.gen.Generate(ctx, prompt)
	if err != nil {
		return "", err
	}
	out = stripFences(out)
	if out == "" {
		return query, nil
	}
	return out, nil
}

// RewriteContextDependent inlines context from history that query leaves out.
func (r *Rewriter) RewriteContextDependent(ctx context.Context, query string, history []domain.ConversationTurn) (string, error) {
	return r.rewrite(ctx, domain.QueryContextDependent, query, history)
}

// RewriteComparative names every compared entity explicitly.
func (r *Rewriter) RewriteComparative(ctx context.Context, query string, history []domain.ConversationTurn) (string, error) {
	return r.rewrite(ctx, domain.QueryComparative, query, history)
}

// RewriteAmbiguousReference replaces pronouns and demonstratives with the
// nouns they refer to.
func (r *Rewriter) RewriteAmbiguousReference(ctx context.Context, query string, history []domain.ConversationTurn) (string, error) {
	return r.rewrite(ctx, domain.QueryAmbiguousReference, query, history)
}

// RewriteRhetorical turns a rhetorical or emotional question into a neutral one.
func (r *Rewriter) RewriteRhetorical(ctx context.Context, query string, history []domain.ConversationTurn) (string, error) {
	return r.rewrite(ctx, domain.QueryRhetorical, query, history)
}

// DecomposeQuery splits a multi-intent query into ordered standalone questions.
// Output that is not a JSON list yields a single element holding the raw reply.
func (r *Rewriter) DecomposeQuery(ctx context.Context, query string, history []domain.ConversationTurn) ([]string, error) {
	if r.gen == nil {
		return SplitIntents(query), nil
	}
	prompt := buildPrompt(decomposeInstruction, r.history(history), query, "拆分后的问题")
	raw, err := r.gen.Generate(ctx, prompt)
	if err != nil {
		return nil, err
	}
	items, perr := parseList(raw)
	if perr != nil {
		r.logger.Debug("decomposition output not a list", "err", perr)
		return []string{strings.TrimSpace(raw)}, nil
	}
	return items, nil
}

// AutoRewriteQuery classifies query. Malformed classifier output never becomes
// an error: it yields {unknown, query, 0.5}. Only a failed generation call is
// returned.
func (r *Rewriter) AutoRewriteQuery(ctx context.Context, query string, history []domain.ConversationTurn) (domain.RewriteDecision, error) {
	if r.gen == nil {
		return Classify(query, history), nil
	}
	prompt := buildPrompt(classifyInstruction, r.history(history), query, "分析结果")
	raw, err := r.gen.Generate(ctx, prompt)
	if err != nil {
		return domain.RewriteDecision{}, err
	}
	d, perr := parseDecision(raw)
	if perr != nil {
		r.logger.Debug("classifier output malformed", "err", perr)
		return fallback(query), nil
	}
	if d.RewrittenQuery == "" {
		d.RewrittenQuery = query
	}
	return d, nil
}

// AutoRewriteAndExecute classifies query, then runs the rewrite strategy for
// the detected type. A failing generation call degrades to the unmodified
// query instead of failing the turn.
func (r *Rewriter) AutoRewriteAndExecute(ctx context.Context, query string, history []domain.ConversationTurn) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	d, err := r.AutoRewriteQuery(ctx, query, history)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return Result{}, err
		}
		r.logger.Warn("query classification failed, using original query", "err", err)
		d = fallback(query)
	}
	res := Result{Decision: d, QueryType: d.QueryType, Query: query}

	var rewritten string
	switch d.QueryType {
	case domain.QueryMultiIntent:
		subs, derr := r.DecomposeQuery(ctx, query, history)
		if derr != nil {
			r.logger.Warn("decomposition failed", "err", derr)
			subs = []string{query}
		}
		res.SubQueries = subs
		res.Query = strings.Join(subs, " ")
		return res, nil
	case domain.QueryContextDependent:
		rewritten, err = r.RewriteContextDependent(ctx, query, history)
	case domain.QueryComparative:
		rewritten, err = r.RewriteComparative(ctx, query, history)
	case domain.QueryAmbiguousReference:
		rewritten, err = r.RewriteAmbiguousReference(ctx, query, history)
	case domain.QueryRhetorical:
		rewritten, err = r.RewriteRhetorical(ctx, query, history)
	default:
		return res, nil
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return Result{}, err
		}
		r.logger.Warn(fmt.Sprintf("%s rewrite failed", d.QueryType), "err", err)
		rewritten = d.RewrittenQuery
	}
	res.Query = rewritten
	return res, nil
}

func fallback(query string) domain.RewriteDecision {
	return domain.RewriteDecision{QueryType: domain.QueryUnknown, RewrittenQuery: query, Confidence: FallbackConfidence}
}
