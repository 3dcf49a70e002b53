package observability

import (
	"context"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// SetupTracing installs a process-wide tracer provider and returns a
// cleanup function. Tracer() exposes the installed tracer; no package
// in this module creates spans through it.
func SetupTracing(ctx context.Context, serviceName string, logger *logrus.Logger) func() {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(attribute.String("service.name", serviceName)),
	)
	if err != nil {
		logger.WithError(err).Warn("observability: tracing resource setup failed")
		res = resource.Default()
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithResource(res))
	otel.SetTracerProvider(tp)
	return func() {
		if err := tp.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.WithError(err).Warn("observability: tracer shutdown failed")
		}
	}
}

// Tracer returns the process tracer for callcore spans.
func Tracer() trace.Tracer {
	return otel.Tracer("github.com/iota-uz/callcore")
}
