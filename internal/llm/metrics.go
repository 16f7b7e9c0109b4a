package llm

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/robertof1lho/archestra-sub000/internal/llm"

var (
	tokenHistogram    metric.Int64Histogram
	tokenMetricsOnce  sync.Once
	tokenMetricsReady bool
)

func initTokenMetrics() {
	meter := otel.Meter(meterName)
	var err error
	tokenHistogram, err = meter.Int64Histogram(
		"archestra.llm.tokens",
		metric.WithDescription("Tokens per upstream LLM exchange"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return
	}
	tokenMetricsReady = true
}

// RecordTokenUsage records input and output tokens for one proxied request.
func RecordTokenUsage(ctx context.Context, agentID, model string, inputTokens, outputTokens int) {
	tokenMetricsOnce.Do(initTokenMetrics)
	if !tokenMetricsReady {
		return
	}
	tokenHistogram.Record(ctx, int64(inputTokens), metric.WithAttributes(
		attribute.String("agent", agentID),
		attribute.String("model", model),
		attribute.String("direction", "input"),
	))
	tokenHistogram.Record(ctx, int64(outputTokens), metric.WithAttributes(
		attribute.String("agent", agentID),
		attribute.String("model", model),
		attribute.String("direction", "output"),
	))
}
