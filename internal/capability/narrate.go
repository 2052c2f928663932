package capability

import (
	"context"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/schema"

	"datastory/pkg"
)

const narrateSystemPrompt = "You are an expert data analyst creating insightful data stories for someone who is relying on you for insights and analysis. Generate business value for the user."

// Narrator synthesizes all prior stage outputs into a structured data story.
type Narrator struct {
	model openai.ChatModel
}

// NewNarrator creates the narrate capability client.
func NewNarrator(ctx context.Context, config LLMConfig) (*Narrator, error) {
	model, err := newChatModel(ctx, config)
	if err != nil {
		return nil, err
	}
	return &Narrator{model: *model}, nil
}

func (n *Narrator) Name() string {
	return NameNarrate
}

// Invoke produces the final narrated answer from the full run context.
func (n *Narrator) Invoke(ctx context.Context, in Input) (*Output, error) {
	prompt := n.buildPrompt(in)

	messages := []*schema.Message{
		schema.SystemMessage(narrateSystemPrompt),
		schema.UserMessage(prompt),
	}

	out, err := n.model.Generate(ctx, messages)
	if err != nil {
		return nil, Classify(NameNarrate, err)
	}

	var story pkg.Story
	if err := decodeOutput(NameNarrate, out.Content, &story); err != nil {
		return nil, err
	}
	if story.Title == "" || story.Summary == "" {
		return nil, InvalidOutput(NameNarrate, fmt.Errorf("story response missing title or summary"))
	}

	return &Output{Capability: NameNarrate, Story: &story}, nil
}

func (n *Narrator) buildPrompt(in Input) string {
	research := "No research available"
	if in.Research != nil {
		research = in.Research.Summary
	}

	profile := "No data profile available"
	if in.Profile != nil {
		profile = in.Profile.Summary
		if len(in.Profile.Correlations) > 0 {
			var pairs []string
			for i, c := range in.Profile.Correlations {
				if i == 3 {
					break
				}
				pairs = append(pairs, fmt.Sprintf("%s and %s (%.2f)", c.Columns[0], c.Columns[1], c.Correlation))
			}
			profile += "\nNotable correlations: " + strings.Join(pairs, "; ")
		}
	}

	analysis := "No analysis available"
	if in.Analysis != nil {
		if encoded, err := sonic.MarshalString(in.Analysis.Insights); err == nil {
			analysis = encoded
		}
	}

	return fmt.Sprintf(`Create a comprehensive data story that answers the query: "%s"

Use these inputs:

1. BACKGROUND RESEARCH:
%s

2. DATA PROFILE:
%s

3. DATA ANALYSIS:
%s

Your data story should:
- Start with a clear executive summary
- Include key findings from the analysis
- Connect the research context to the data insights
- Be structured and easy to follow
- Suggest potential next steps or further analyses

Output a JSON object with fields: title, summary, sections (array of {heading, content}), insights (array of strings), next_steps (array of strings). Return only the JSON object.`,
		in.Query, research, profile, analysis)
}
