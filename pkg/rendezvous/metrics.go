package rendezvous

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Metrics instruments for the rendezvous package.
// When no MeterProvider is configured (noop), all recording is zero-cost.
var (
	tracer = otel.Tracer("peerlink.rendezvous")
	meter  = otel.Meter("peerlink.rendezvous")

	metricPunchesSent metric.Int64Counter
	metricPongsSent   metric.Int64Counter
	metricConnects    metric.Int64Counter
	metricRebinds     metric.Int64Counter
)

func init() {
	var err error

	metricPunchesSent, err = meter.Int64Counter("peerlink.punch.sent",
		metric.WithDescription("Punch datagrams emitted toward remote peers"),
		metric.WithUnit("{datagrams}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}

	metricPongsSent, err = meter.Int64Counter("peerlink.pong.sent",
		metric.WithDescription("Pong replies emitted to observed punch sources"),
		metric.WithUnit("{datagrams}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}

	metricConnects, err = meter.Int64Counter("peerlink.rendezvous.attempts",
		metric.WithDescription("Completed connect attempts, by outcome"),
		metric.WithUnit("{attempts}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}

	metricRebinds, err = meter.Int64Counter("peerlink.keepalive.rebinds",
		metric.WithDescription("Endpoint rebinds after the NAT remapped the source port"),
		metric.WithUnit("{events}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}
}
