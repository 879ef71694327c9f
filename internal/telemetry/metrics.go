package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "quizsync"

var (
	SessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_created_total",
		Help:      "Sessions created by hosts.",
	})

	PlayersJoined = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "players_joined_total",
		Help:      "Successful joins, including rejoins of the same player.",
	})

	ResponsesRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "responses_recorded_total",
		Help:      "Answer submissions and timeout markers recorded.",
	}, []string{"kind"})

	RoundsRevealed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rounds_revealed_total",
		Help:      "Questions whose correct answer was revealed.",
	})

	RoundDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "round_duration_seconds",
		Help:      "Time from a question starting to every player being accounted for.",
		Buckets:   []float64{1, 2, 5, 10, 15, 20, 30, 60},
	})

	SessionsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_completed_total",
		Help:      "Sessions that ran through every question.",
	})

	SessionsDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_deleted_total",
		Help:      "Sessions deleted, by reason.",
	}, []string{"reason"})
)
