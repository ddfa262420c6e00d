package whatsapp

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsByState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wa_sync_sessions",
			Help: "Client sessions in the registry by connection state",
		},
		[]string{"state"},
	)
	qrCodesIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wa_sync_qr_codes_total",
		Help: "QR codes received from the upstream client",
	})
	contactsUpserted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wa_sync_contacts_upserted_total",
		Help: "Contacts written by the contact phase",
	})
	contactsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wa_sync_contacts_skipped_total",
			Help: "Upstream contacts skipped by the contact phase",
		},
		[]string{"reason"},
	)
	messagesStored = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wa_sync_messages_stored_total",
			Help: "Messages inserted into the message table",
		},
		[]string{"source"},
	)
	syncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wa_sync_phase_duration_seconds",
			Help:    "Duration of sync phases",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 180, 600},
		},
		[]string{"phase"},
	)
	syncFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wa_sync_phase_failures_total",
			Help: "Sync passes aborted by a top-level error",
		},
		[]string{"phase"},
	)
)
