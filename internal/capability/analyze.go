package capability

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/schema"

	"datastory/pkg"
)

const analyzeSystemPrompt = "You are an expert data analyst who understands the data and produces precise, quantitative findings. Return only the requested JSON."

// Analyst produces code-driven analysis of the dataset for a query, informed
// by the profiling output of the parallel stage.
type Analyst struct {
	model openai.ChatModel
}

// NewAnalyst creates the analyst capability client.
func NewAnalyst(ctx context.Context, config LLMConfig) (*Analyst, error) {
	model, err := newChatModel(ctx, config)
	if err != nil {
		return nil, err
	}
	return &Analyst{model: *model}, nil
}

func (a *Analyst) Name() string {
	return NameAnalyze
}

// Invoke runs one analysis call with the accumulated run context.
func (a *Analyst) Invoke(ctx context.Context, in Input) (*Output, error) {
	prompt := a.buildPrompt(in)

	messages := []*schema.Message{
		schema.SystemMessage(analyzeSystemPrompt),
		schema.UserMessage(prompt),
	}

	out, err := a.model.Generate(ctx, messages)
	if err != nil {
		return nil, Classify(NameAnalyze, err)
	}

	var result pkg.AnalysisResult
	if err := decodeOutput(NameAnalyze, out.Content, &result); err != nil {
		return nil, err
	}
	if len(result.Insights) == 0 {
		return nil, InvalidOutput(NameAnalyze, fmt.Errorf("analysis response missing insights"))
	}

	return &Output{Capability: NameAnalyze, Analysis: &result}, nil
}

func (a *Analyst) buildPrompt(in Input) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Analyze the dataset '%s' to answer: %s\n\n", in.Dataset.Filename, in.Query)

	if in.Profile != nil {
		fmt.Fprintf(&b, "Dataset summary: %s\n\nColumns:\n", in.Profile.Summary)
		for _, col := range in.Profile.Columns {
			info := in.Profile.ColumnInfo[col]
			if stats, ok := in.Profile.NumericStats[col]; ok {
				fmt.Fprintf(&b, "- %s: %s (min: %g, max: %g, mean: %g)\n", col, info.Type, stats.Min, stats.Max, stats.Mean)
			} else {
				fmt.Fprintf(&b, "- %s: %s (unique values: %d)\n", col, info.Type, info.Unique)
			}
		}
		if len(in.Profile.Correlations) > 0 {
			b.WriteString("\nNotable correlations:\n")
			for i, c := range in.Profile.Correlations {
				if i == 3 {
					break
				}
				fmt.Fprintf(&b, "- %s and %s have correlation of %.2f\n", c.Columns[0], c.Columns[1], c.Correlation)
			}
		}
	} else {
		fmt.Fprintf(&b, "Dataset columns: %s\n", strings.Join(in.Dataset.Columns, ", "))
		b.WriteString("No profiling summary is available for this dataset.\n")
	}

	if in.Research != nil {
		fmt.Fprintf(&b, "\nBackground research:\n%s\n", in.Research.Summary)
	}

	b.WriteString(`
Output a JSON object with the following fields:
- insights: an object of key findings with quantitative values
- methods: a list of analysis methods applied
- code: the pandas/numpy code that would reproduce the analysis
Return only the JSON object.`)

	return b.String()
}
