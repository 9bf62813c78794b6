package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cameraEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "camscreen",
		Name:      "camera_events_total",
		Help:      "Camera events by kind.",
	}, []string{"kind"})

	requestsRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "camscreen",
		Name:      "requests_rejected_total",
		Help:      "Screen requests rejected by the camera controller, by operation.",
	}, []string{"op"})

	notificationsDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "camscreen",
		Name:      "notifications_dropped_total",
		Help:      "Notifications dropped because a subscriber was too slow.",
	})
)
