package observe

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestInitProvider_ExportsToRegistry(t *testing.T) {
	prevMP, prevTP := otel.GetMeterProvider(), otel.GetTracerProvider()
	t.Cleanup(func() {
		otel.SetMeterProvider(prevMP)
		otel.SetTracerProvider(prevTP)
	})

	reg := prometheus.NewRegistry()
	shutdown, err := InitProvider(context.Background(), ProviderConfig{Registerer: reg, ServiceVersion: "1.2.3"})
	require.NoError(t, err)

	m, err := NewMetrics(otel.GetMeterProvider())
	require.NoError(t, err)
	m.RecordWakeWord(context.Background(), "小智")

	families, err := reg.Gather()
	require.NoError(t, err)
	var names []string
	labels := map[string]string{}
	for _, f := range families {
		names = append(names, f.GetName())
		if f.GetName() != "target_info" {
			continue
		}
		for _, l := range f.GetMetric()[0].GetLabel() {
			labels[l.GetName()] = l.GetValue()
		}
	}
	assert.Contains(t, names, "voxgate_wakeword_detections_total")
	assert.Equal(t, "voxgate", labels["service_name"])
	assert.Equal(t, "1.2.3", labels["service_version"])

	require.NoError(t, shutdown(context.Background()))
}
