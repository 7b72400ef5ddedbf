package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/opensource-health/kestrel/internal/domain"
)

// llmGenerator is the slice of the genai client the adapter needs;
// narrowed for testability.
type llmGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// LLMAdapter invokes a Gemini model as the expert-review stage. The prompt
// carries the case facts plus the evidence accumulated by earlier stages,
// and the model is instructed to answer with a small JSON verdict.
//
// Normalization is a fixed verdict table, not free interpretation:
// approve -> 0.9, review -> 0.5, deny -> 0.1, shifted by ±0.05 when the
// model states high/low certainty. Same response text always maps to the
// same score.
type LLMAdapter struct {
	gen       llmGenerator
	modelName string
}

// NewLLMAdapter creates the Gemini-backed adapter.
func NewLLMAdapter(ctx context.Context, cfg domain.ModelsConfig) (*LLMAdapter, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: cfg.GeminiAPIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	model := cfg.GeminiModel
	if model == "" {
		model = "gemini-2.0-flash"
	}
	return &LLMAdapter{gen: client.Models, modelName: model}, nil
}

// llmVerdict is the JSON shape the prompt asks the model to produce.
type llmVerdict struct {
	Verdict   string `json:"verdict"`   // approve | review | deny
	Certainty string `json:"certainty"` // low | medium | high
	Rationale string `json:"rationale"`
}

func (a *LLMAdapter) Invoke(ctx context.Context, spec domain.ModelSpec, facts *domain.CaseFacts, evidence map[string]any) (*domain.ModelOutput, error) {
	prompt := buildReviewPrompt(facts, evidence)

	var genCfg *genai.GenerateContentConfig
	if spec.MaxTokens > 0 || spec.Temperature > 0 {
		genCfg = &genai.GenerateContentConfig{}
		if spec.MaxTokens > 0 {
			genCfg.MaxOutputTokens = int32(spec.MaxTokens)
		}
		if spec.Temperature > 0 {
			t := float32(spec.Temperature)
			genCfg.Temperature = &t
		}
	}

	model := spec.Name
	if model == "" {
		model = a.modelName
	}

	content := genai.NewContentFromText(prompt, genai.RoleUser)
	resp, err := a.gen.GenerateContent(ctx, model, []*genai.Content{content}, genCfg)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			return nil, domain.ErrTimeout
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrBackendUnavailable, err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, fmt.Errorf("%w: no candidates", domain.ErrInvalidResponse)
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part.Text != "" {
			text.WriteString(part.Text)
		}
	}

	verdict, err := parseVerdict(text.String())
	if err != nil {
		return nil, err
	}

	return verdictToOutput(verdict), nil
}

// buildReviewPrompt renders the case and the upstream stage evidence into
// the expert-review prompt.
func buildReviewPrompt(facts *domain.CaseFacts, evidence map[string]any) string {
	var b strings.Builder
	b.WriteString("You are a senior healthcare-claims auditor. Review this case and respond ")
	b.WriteString(`with only a JSON object: {"verdict":"approve|review|deny","certainty":"low|medium|high","rationale":"..."}`)
	b.WriteString("\n\nCase:\n")
	b.WriteString(fmt.Sprintf("- claim type: %s, amount: %.2f %s\n", facts.ClaimType, facts.ClaimAmount, facts.Currency))
	b.WriteString(fmt.Sprintf("- procedures: %s\n", strings.Join(facts.ProcedureCodes, ", ")))
	b.WriteString(fmt.Sprintf("- diagnoses: %s\n", strings.Join(facts.DiagnosisCodes, ", ")))
	if facts.MedicalText != "" {
		b.WriteString("- medical notes: " + facts.MedicalText + "\n")
	}
	if len(evidence) > 0 {
		b.WriteString("\nEarlier stage findings:\n")
		data, _ := json.Marshal(evidence)
		b.Write(data)
		b.WriteString("\n")
	}
	return b.String()
}

// parseVerdict extracts the JSON verdict from the model response,
// tolerating markdown fences around the object.
func parseVerdict(text string) (*llmVerdict, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("%w: no JSON object in response: %s", domain.ErrInvalidResponse, snippet([]byte(text)))
	}

	var v llmVerdict
	if err := json.Unmarshal([]byte(text[start:end+1]), &v); err != nil {
		return nil, fmt.Errorf("%w: %v: %s", domain.ErrInvalidResponse, err, snippet([]byte(text)))
	}

	switch strings.ToLower(v.Verdict) {
	case "approve", "review", "deny":
		v.Verdict = strings.ToLower(v.Verdict)
	default:
		return nil, fmt.Errorf("%w: unknown verdict %q", domain.ErrInvalidResponse, v.Verdict)
	}
	return &v, nil
}

// verdictToOutput applies the fixed verdict-to-score table.
func verdictToOutput(v *llmVerdict) *domain.ModelOutput {
	var score float64
	switch v.Verdict {
	case "approve":
		score = 0.9
	case "review":
		score = 0.5
	case "deny":
		score = 0.1
	}

	conf := domain.ConfidenceMedium
	switch strings.ToLower(v.Certainty) {
	case "high":
		conf = domain.ConfidenceHigh
		if v.Verdict == "approve" {
			score += 0.05
		} else if v.Verdict == "deny" {
			score -= 0.05
		}
	case "low":
		conf = domain.ConfidenceLow
		if v.Verdict == "approve" {
			score -= 0.05
		} else if v.Verdict == "deny" {
			score += 0.05
		}
	}
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}

	return &domain.ModelOutput{
		Score:      score,
		Confidence: conf,
		Evidence: map[string]any{
			"verdict":   v.Verdict,
			"certainty": strings.ToLower(v.Certainty),
			"rationale": v.Rationale,
		},
	}
}
