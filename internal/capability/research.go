package capability

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/schema"

	"datastory/pkg"
)

const researchSystemPrompt = "You are a research assistant helping with data analysis. Provide thorough research with sources."

const researchPromptTemplate = `Do background research for contextual information that will complement the analysis of the user query: "%s" on dataset '%s' with these columns: %s
Output a JSON object with the following fields:
- summary: a comprehensive summary of the research findings
- sources: a list of sources or citations
- relevance: an explanation of relevance to the query
Return only the JSON object.`

// Research looks up background context for a query against an external
// web-research model.
type Research struct {
	model openai.ChatModel
}

// NewResearch creates the research capability client.
func NewResearch(ctx context.Context, config LLMConfig) (*Research, error) {
	model, err := newChatModel(ctx, config)
	if err != nil {
		return nil, err
	}
	return &Research{model: *model}, nil
}

func (r *Research) Name() string {
	return NameResearch
}

// Invoke runs one research lookup. The result must parse into a
// ResearchResult with a non-empty summary.
func (r *Research) Invoke(ctx context.Context, in Input) (*Output, error) {
	prompt := fmt.Sprintf(researchPromptTemplate,
		in.Query, in.Dataset.Filename, strings.Join(in.Dataset.Columns, ", "))

	messages := []*schema.Message{
		schema.SystemMessage(researchSystemPrompt),
		schema.UserMessage(prompt),
	}

	out, err := r.model.Generate(ctx, messages)
	if err != nil {
		return nil, Classify(NameResearch, err)
	}

	var result pkg.ResearchResult
	if err := decodeOutput(NameResearch, out.Content, &result); err != nil {
		return nil, err
	}
	if result.Summary == "" {
		return nil, InvalidOutput(NameResearch, fmt.Errorf("research response missing summary"))
	}

	return &Output{Capability: NameResearch, Research: &result}, nil
}
