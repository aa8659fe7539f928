package observ

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewLoggerLevels(t *testing.T) {
	tests := []struct {
		env   string
		level string
		want  zapcore.Level
	}{
		{"production", "warn", zapcore.WarnLevel},
		{"development", "debug", zapcore.DebugLevel},
		{"development", "nonsense", zapcore.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.env+"/"+tt.level, func(t *testing.T) {
			logger, err := NewLogger(tt.env, tt.level)
			if err != nil {
				t.Fatalf("NewLogger: %v", err)
			}
			if !logger.Core().Enabled(tt.want) {
				t.Errorf("level %s should be enabled", tt.want)
			}
			if tt.want > zapcore.DebugLevel && logger.Core().Enabled(tt.want-1) {
				t.Errorf("level %s should be disabled", tt.want-1)
			}
		})
	}
}

func TestInitTracerDisabledWithoutEndpoint(t *testing.T) {
	before := otel.GetTracerProvider()

	shutdown, err := InitTracer(context.Background(), TracingConfig{ServiceName: "herald"}, zap.NewNop())
	if err != nil {
		t.Fatalf("InitTracer: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
	if otel.GetTracerProvider() != before {
		t.Error("global tracer provider should be untouched when tracing is disabled")
	}
}

func TestInitTracerInstallsProvider(t *testing.T) {
	before := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(before) })

	shutdown, err := InitTracer(context.Background(), TracingConfig{
		ServiceName: "herald",
		Env:         "test",
		Endpoint:    "localhost:4317",
		Insecure:    true,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("InitTracer: %v", err)
	}

	if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
		t.Errorf("global provider = %T, want *sdktrace.TracerProvider", otel.GetTracerProvider())
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = shutdown(ctx)
}
