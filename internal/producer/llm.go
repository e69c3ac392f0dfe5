package producer

import (
	"context"
	"fmt"
	"os"
	"strings"

	"google.golang.org/genai"
	"go.uber.org/zap"

	"alphaforge/internal/config"
	"alphaforge/internal/genome"
)

// systemInstruction pins the model to the execution contract. Strategies
// that drift from the entrypoint signature or the reporting format grade as
// failures, so the instruction repeats both verbatim.
const systemInstruction = `You are a quantitative trading strategy generator writing Go source code.

Rules:
- Define exactly: func RunStrategy(input string) (string, error)
- input is semicolon-separated OHLCV bars: open,high,low,close,volume;...
- Import only from: errors, fmt, math, sort, strings, strconv, encoding/json, encoding/csv, time
- Backtest the strategy over the bars and finish by returning a JSON object:
  {"score": <sharpe>, "return": <total>, "max_drawdown": <dd>, "win_rate": <wr>, "trades": <n>, "expectancy": <e>}
- Output only Go code, no explanations, no markdown fences.`

// LLMProducer asks a Gemini model for a fresh candidate strategy.
type LLMProducer struct {
	client  *genai.Client
	model   string
	retries int
	logger  *zap.Logger
}

// NewLLMProducer creates the producer, reading the API key from the
// configured environment variable.
func NewLLMProducer(ctx context.Context, cfg config.ProducerConfig, logger *zap.Logger) (*LLMProducer, error) {
	apiKey := os.Getenv(cfg.APIKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("API key environment variable %s is empty", cfg.APIKeyEnv)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	return &LLMProducer{
		client:  client,
		model:   cfg.Model,
		retries: cfg.Retries,
		logger:  logger,
	}, nil
}

// Kind implements Producer.
func (p *LLMProducer) Kind() genome.ProducerKind { return genome.ProducerLLM }

// Produce implements Producer.
func (p *LLMProducer) Produce(ctx context.Context, fb *Feedback) (*genome.Genome, error) {
	prompt := BuildPrompt(fb)

	var lastErr error
	for attempt := 0; attempt <= p.retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		resp, err := p.client.Models.GenerateContent(ctx, p.model,
			genai.Text(prompt),
			&genai.GenerateContentConfig{
				SystemInstruction: genai.NewContentFromText(systemInstruction, genai.RoleUser),
			})
		if err != nil {
			lastErr = fmt.Errorf("generation failed: %w", err)
			p.logger.Warn("llm generation attempt failed", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}

		source := CleanSource(resp.Text())
		if source == "" {
			lastErr = fmt.Errorf("model returned no usable source")
			continue
		}

		var parents []string
		generation := 0
		if fb.Champion != nil {
			parents = []string{fb.Champion.ID}
			generation = fb.Champion.Generation + 1
		}
		g := genome.New(source, nil, genome.ProducerLLM, parents, generation)
		return g, nil
	}
	return nil, lastErr
}

// BuildPrompt assembles the iteration prompt from feedback context.
func BuildPrompt(fb *Feedback) string {
	var b strings.Builder
	b.WriteString("Produce one new trading strategy.\n\n")

	if fb.Champion != nil && fb.Champion.Metrics != nil {
		fmt.Fprintf(&b, "Current champion (score %.4f, unbeaten for %d iterations, bar to beat %.4f):\n```\n%s\n```\n\n",
			fb.Champion.Metrics.Score, fb.ChampionAge, fb.RequiredBar, fb.Champion.Source)
	} else {
		b.WriteString("No champion exists yet; any strategy that runs and reports metrics will seed the loop.\n\n")
	}

	if len(fb.Recent) > 0 {
		b.WriteString("Recent iterations, newest first:\n")
		for _, rec := range fb.Recent {
			fmt.Fprintf(&b, "- #%d %s via %s", rec.Iteration, rec.Outcome, rec.Producer)
			if rec.Metrics != nil {
				fmt.Fprintf(&b, " (score %.4f)", rec.Metrics.Score)
			}
			if rec.Error != "" {
				fmt.Fprintf(&b, " error: %s", truncate(rec.Error, 120))
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	if len(fb.Exemplars) > 0 {
		b.WriteString("Archived strategies already explored; produce something structurally different:\n")
		for _, ex := range fb.Exemplars {
			score := 0.0
			if ex.Metrics != nil {
				score = ex.Metrics.Score
			}
			fmt.Fprintf(&b, "```\n// score %.4f\n%s\n```\n", score, ex.Source)
		}
	}

	return b.String()
}

// CleanSource strips markdown fences and surrounding noise from model
// output, leaving bare Go source.
func CleanSource(text string) string {
	text = strings.TrimSpace(text)
	if idx := strings.Index(text, "```"); idx >= 0 {
		text = text[idx+3:]
		// Drop the language tag on the fence line.
		if nl := strings.IndexByte(text, '\n'); nl >= 0 {
			first := strings.TrimSpace(text[:nl])
			if first == "go" || first == "golang" || first == "" {
				text = text[nl+1:]
			}
		}
		if end := strings.LastIndex(text, "```"); end >= 0 {
			text = text[:end]
		}
	}
	return strings.TrimSpace(text)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
