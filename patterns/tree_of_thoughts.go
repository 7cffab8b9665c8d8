package patterns

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/flowforge/agentkernel/llm"
)

// thoughtNode is a node in the explored thought tree.
type thoughtNode struct {
	content  string
	score    float64
	children []*thoughtNode
	depth    int
}

// TreeOfThoughts explores multiple branching reasoning paths,
// evaluates and prunes them, and follows the best-scoring path to a
// conclusion. Grounded on
// the original reference implementation's tree-of-thoughts pattern module.
type TreeOfThoughts struct {
	Client          llm.Client
	MaxDepth        int
	BranchesPerNode int
	KeepTopK        int
	PruneThreshold  float64
	Model           string
}

// NewTreeOfThoughts builds a TreeOfThoughts pattern with the
// original's defaults: depth 3, 3 branches per node, keep top 2,
// prune threshold 0.3.
func NewTreeOfThoughts(client llm.Client) *TreeOfThoughts {
	return &TreeOfThoughts{
		Client:          client,
		MaxDepth:        3,
		BranchesPerNode: 3,
		KeepTopK:        2,
		PruneThreshold:  0.3,
		Model:           "claude-sonnet-4-20250514",
	}
}

func (t *TreeOfThoughts) Name() string { return "tree_of_thoughts" }

func (t *TreeOfThoughts) Description() string {
	return "Branching exploration of multiple solution paths with evaluation and pruning"
}

func (t *TreeOfThoughts) ValidateInput(input string) error {
	if strings.TrimSpace(input) == "" {
		return errors.New("input cannot be empty")
	}
	if len(input) > 10_000 {
		return errors.New("input too long (max 10,000 characters)")
	}
	return nil
}

func (t *TreeOfThoughts) generateBranches(ctx context.Context, query, parent string) ([]string, error) {
	system := "You are a strategic thinker. Generate multiple distinct approaches or perspectives for exploring the problem."
	prompt := fmt.Sprintf(
		"Problem: %s\n\nCurrent thought: %s\n\nGenerate %d distinct next thoughts or approaches. Number each thought (1, 2, 3...).",
		query, parent, t.BranchesPerNode,
	)
	resp, err := complete(ctx, t.Client, llm.Request{
		Model:       t.Model,
		System:      system,
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		Temperature: 0.8,
		MaxTokens:   1024,
	})
	if err != nil {
		return nil, err
	}
	var branches []string
	for _, line := range strings.Split(resp.Content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || !unicode.IsDigit(rune(trimmed[0])) {
			continue
		}
		if idx := strings.Index(trimmed, "."); idx >= 0 {
			branches = append(branches, strings.TrimSpace(trimmed[idx+1:]))
		}
	}
	return branches, nil
}

func (t *TreeOfThoughts) evaluateThought(ctx context.Context, query, thought string) float64 {
	system := "You are an evaluator. Score how promising this thought is for solving the problem. Return only a number between 0.0 and 1.0."
	prompt := fmt.Sprintf("Problem: %s\n\nThought: %s\n\nScore this thought (0.0 = not promising, 1.0 = very promising):", query, thought)
	resp, err := complete(ctx, t.Client, llm.Request{
		Model:       t.Model,
		System:      system,
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		Temperature: 0.2,
		MaxTokens:   10,
	})
	if err != nil {
		return 0.5
	}
	score, err := strconv.ParseFloat(strings.TrimSpace(resp.Content), 64)
	if err != nil {
		return 0.5
	}
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score
}

func (t *TreeOfThoughts) expandNode(ctx context.Context, query string, node *thoughtNode) (*thoughtNode, error) {
	if node.depth >= t.MaxDepth {
		return node, nil
	}

	branches, err := t.generateBranches(ctx, query, node.content)
	if err != nil {
		branches = nil
	}

	var children []*thoughtNode
	for _, content := range branches {
		score := t.evaluateThought(ctx, query, content)
		if score >= t.PruneThreshold {
			children = append(children, &thoughtNode{content: content, score: score, depth: node.depth + 1})
		}
	}

	sort.Slice(children, func(i, j int) bool { return children[i].score > children[j].score })
	if len(children) > t.KeepTopK {
		children = children[:t.KeepTopK]
	}

	expanded := make([]*thoughtNode, 0, len(children))
	for _, child := range children {
		ec, err := t.expandNode(ctx, query, child)
		if err != nil {
			return nil, err
		}
		expanded = append(expanded, ec)
	}
	node.children = expanded
	return node, nil
}

func findBestPath(root *thoughtNode) []string {
	path := []string{root.content}
	current := root
	for len(current.children) > 0 {
		current = current.children[0]
		path = append(path, current.content)
	}
	return path
}

func (t *TreeOfThoughts) Execute(ctx context.Context, pctx PatternContext, input string) (PatternResult, error) {
	root := &thoughtNode{content: input, score: 1.0, depth: 0}
	root, err := t.expandNode(ctx, input, root)
	if err != nil {
		return PatternResult{}, err
	}

	path := findBestPath(root)
	steps := make([]ReasoningStep, 0, len(path))
	for i, thought := range path {
		steps = append(steps, ReasoningStep{Step: i, Content: thought, Confidence: 0.8, Timestamp: now()})
	}

	output := path[len(path)-1]
	if len(path) <= 1 {
		output = input
	}

	return PatternResult{Output: output, ReasoningSteps: steps}, nil
}
