package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectedStations tracks the number of stations with an open OCPP session.
	ConnectedStations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "engine_connected_stations",
		Help: "The number of stations currently connected to the CSMS.",
	})

	// CallsReceived counts inbound OCPP calls handled by the CSMS, labeled by action.
	CallsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_calls_received_total",
		Help: "Total number of OCPP calls received from stations.",
	}, []string{"action"})

	// CallsSent counts CSMS-initiated OCPP calls, labeled by action.
	CallsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_calls_sent_total",
		Help: "Total number of OCPP calls sent to stations.",
	}, []string{"action"})

	// TransactionEvents counts transaction lifecycle events, labeled by event type.
	TransactionEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_transaction_events_total",
		Help: "Total number of TransactionEvent messages processed.",
	}, []string{"event_type"})

	// CallRoundTripDuration observes outbound call round-trip times, labeled by action.
	CallRoundTripDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "engine_call_round_trip_seconds",
		Help:    "Histogram of OCPP call round-trip times.",
		Buckets: prometheus.LinearBuckets(0.01, 0.05, 10),
	}, []string{"action"})

	// EventsRecorded counts events written to the append-only event log, labeled by source.
	EventsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_events_recorded_total",
		Help: "Total number of events recorded to the event log.",
	}, []string{"source"})
)
