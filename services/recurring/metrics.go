package recurring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	notificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ipn_notifications_total",
			Help: "Processed payment notifications by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	membershipExtensionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ipn_membership_extensions_total",
			Help: "Memberships extended by a completed recurring payment.",
		},
	)
)
