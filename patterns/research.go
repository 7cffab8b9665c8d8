package patterns

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/flowforge/agentkernel/llm"
)

// Research decomposes a query into sub-questions, collects sources for
// each, deduplicates them, and synthesizes a cited answer. Grounded on
// the original reference implementation's research pattern module.
type Research struct {
	Client          llm.Client
	MaxIterations   int
	SourcesPerRound int
	MinSources      int
	Model           string
	// SourceSearch looks up sources for a sub-question. When nil, a
	// placeholder search that mirrors the original's mocked web search
	// is used.
	SourceSearch func(ctx context.Context, question string, limit int) ([]Source, error)
}

// NewResearch builds a Research pattern with the original's defaults:
// 3 iterations, 6 sources per round, 8 minimum sources.
func NewResearch(client llm.Client) *Research {
	return &Research{Client: client, MaxIterations: 3, SourcesPerRound: 6, MinSources: 8, Model: "claude-sonnet-4-20250514"}
}

func (r *Research) Name() string { return "research" }

func (r *Research) Description() string {
	return "Autonomous research: query decomposition, source collection, and cited synthesis"
}

func (r *Research) ValidateInput(input string) error {
	if strings.TrimSpace(input) == "" {
		return errors.New("input cannot be empty")
	}
	if len(input) > 10_000 {
		return errors.New("input too long (max 10,000 characters)")
	}
	return nil
}

func (r *Research) decomposeQuery(ctx context.Context, query string) ([]string, error) {
	system := "You are a research assistant. Decompose complex queries into 2-4 focused sub-questions that can be answered through web search. Each sub-question should be specific and searchable."
	prompt := fmt.Sprintf("Decompose this query into 2-4 searchable sub-questions:\n\n%s\n\nFormat:\n1. <sub-question>\n2. <sub-question>\n...", query)
	resp, err := complete(ctx, r.Client, llm.Request{
		Model:       r.Model,
		System:      system,
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		Temperature: 0.3,
		MaxTokens:   1024,
	})
	if err != nil {
		return nil, err
	}
	var questions []string
	for _, line := range strings.Split(resp.Content, "\n") {
		trimmed := strings.TrimSpace(line)
		if idx := strings.Index(trimmed, "."); idx > 0 && idx < 3 {
			questions = append(questions, strings.TrimSpace(trimmed[idx+1:]))
		}
	}
	if len(questions) == 0 {
		questions = []string{query}
	}
	return questions, nil
}

func defaultSourceSearch(_ context.Context, question string, limit int) ([]Source, error) {
	if limit > 3 {
		limit = 3
	}
	sources := make([]Source, 0, limit)
	for i := 0; i < limit; i++ {
		sources = append(sources, Source{
			URL:       fmt.Sprintf("https://example.com/source-%d", i),
			Title:     "Source for: " + question,
			Excerpt:   "Relevant information about: " + question,
			Relevance: 0.8,
		})
	}
	return sources, nil
}

func (r *Research) synthesize(ctx context.Context, query string, sources []Source) (string, llm.Usage, error) {
	var sb strings.Builder
	for i, s := range sources {
		fmt.Fprintf(&sb, "[%d] %s: %s (%s)\n", i+1, s.Title, s.Excerpt, s.URL)
	}
	system := "You are a research synthesizer. Write a well-cited answer using the numbered sources provided, citing as [n]."
	prompt := fmt.Sprintf("Query: %s\n\nSources:\n%s\n\nSynthesize a comprehensive, cited answer.", query, sb.String())
	resp, err := complete(ctx, r.Client, llm.Request{
		Model:       r.Model,
		System:      system,
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		Temperature: 0.4,
		MaxTokens:   2048,
	})
	if err != nil {
		return "", llm.Usage{}, err
	}
	return resp.Content, resp.Usage, nil
}

func (r *Research) Execute(ctx context.Context, pctx PatternContext, input string) (PatternResult, error) {
	search := r.SourceSearch
	if search == nil {
		search = defaultSourceSearch
	}

	var steps []ReasoningStep
	usage := &TokenUsage{}
	steps = append(steps, ReasoningStep{Step: 0, Content: "Decomposing query into searchable sub-questions...", Confidence: 0.9, Timestamp: now()})

	subQuestions, err := r.decomposeQuery(ctx, input)
	if err != nil {
		subQuestions = []string{input}
	}
	steps = append(steps, ReasoningStep{Step: 1, Content: fmt.Sprintf("Generated %d sub-questions for research", len(subQuestions)), Confidence: 0.8, Timestamp: now()})

	steps = append(steps, ReasoningStep{
		Step:       2,
		Content:    fmt.Sprintf("Collecting sources (%d sources per question, target %d total)...", r.SourcesPerRound, r.MinSources),
		Confidence: 0.7,
		Timestamp:  now(),
	})

	var allSources []Source
	for _, question := range subQuestions {
		found, err := search(ctx, question, r.SourcesPerRound)
		if err != nil {
			return PatternResult{}, err
		}
		allSources = append(allSources, found...)
	}
	steps = append(steps, ReasoningStep{Step: 3, Content: fmt.Sprintf("Collected %d sources", len(allSources)), Confidence: 0.8, Timestamp: now()})

	seen := make(map[string]struct{}, len(allSources))
	deduped := allSources[:0]
	for _, s := range allSources {
		if _, ok := seen[s.URL]; ok {
			continue
		}
		seen[s.URL] = struct{}{}
		deduped = append(deduped, s)
	}
	steps = append(steps, ReasoningStep{Step: 4, Content: fmt.Sprintf("Deduplicated to %d unique sources", len(deduped)), Confidence: 0.9, Timestamp: now()})

	answer, synthUsage, err := r.synthesize(ctx, input, deduped)
	if err != nil {
		return PatternResult{}, err
	}
	addUsage(usage, synthUsage)
	steps = append(steps, ReasoningStep{Step: 5, Content: "Synthesized final answer with citations", Confidence: 0.85, Timestamp: now()})

	return PatternResult{Output: answer, ReasoningSteps: steps, Sources: deduped, TokenUsage: usage}, nil
}
