package telemetry

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// NewMeter returns a meter from the globally-configured provider. Without
// exporter wiring the instruments are no-ops, so components can always record.
func NewMeter(name string) metric.Meter {
	return otel.GetMeterProvider().Meter(name)
}

// NewCounter creates an int64 counter, degrading to a no-op instrument if the
// provider rejects it.
func NewCounter(meter metric.Meter, name, description string) metric.Int64Counter {
	counter, err := meter.Int64Counter(name, metric.WithDescription(description))
	if err != nil {
		counter, _ = noop.NewMeterProvider().Meter("noop").Int64Counter(name)
	}
	return counter
}
