package telemetry

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
)

func TestTelemetrySetup(t *testing.T) {
	tel, err := Setup("test-service")
	if err != nil {
		t.Fatalf("Failed to setup telemetry: %v", err)
	}

	if otel.GetTracerProvider() == nil {
		t.Error("Tracer provider not set")
	}
	if otel.GetMeterProvider() == nil {
		t.Error("Meter provider not set")
	}

	if tracer := GetTracer("test-tracer"); tracer == nil {
		t.Error("Failed to get tracer")
	}
	if meter := GetMeter("test-meter"); meter == nil {
		t.Error("Failed to get meter")
	}

	// Observable state helpers must be safe before and after InitMetrics
	holder := GetGlobalMetrics()
	holder.SetGrossExposure(1250.5)
	holder.SetStrategyExposure("sma-fast", 400)
	holder.SetHalted(true)
	holder.SetHalted(false)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := tel.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}
