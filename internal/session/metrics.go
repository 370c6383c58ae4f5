package session

import (
	"github.com/kubepane/kubepane/internal/metrics"
)

const (
	metricsNamespace = "kubepane"
	metricsComponent = "session"

	saveOutcomeCommitted   = "committed"
	saveOutcomeRejected    = "rejected"
	saveOutcomeLocalReject = "local_reject"

	watchEventUpdated = "updated"
	watchEventDeleted = "deleted"
)

// savesTotal counts save attempts by outcome. [outcome].
var savesTotal = metrics.MustRegisterCounterVec(
	metricsNamespace,
	metricsComponent,
	"saves_total",
	"Number of save attempts by outcome.",
	"outcome",
)

// conflictsTotal counts server updates quarantined against local edits.
var conflictsTotal = metrics.MustRegisterCounter(
	metricsNamespace,
	metricsComponent,
	"conflicts_total",
	"Number of server updates quarantined because local edits existed.",
)

// watchEventsTotal counts change-stream events applied to sessions. [type].
var watchEventsTotal = metrics.MustRegisterCounterVec(
	metricsNamespace,
	metricsComponent,
	"watch_events_total",
	"Number of change stream events applied to sessions.",
	"type",
)

// activeSessionsGauge tracks currently initialized sessions.
var activeSessionsGauge = metrics.MustRegisterGauge(
	metricsNamespace,
	metricsComponent,
	"active_sessions",
	"Number of currently initialized editing sessions.",
)

// saveDurationSeconds tracks the duration of gateway submits.
var saveDurationSeconds = metrics.MustRegisterHistogram(
	metricsNamespace,
	metricsComponent,
	"save_duration_seconds",
	"Duration of save submissions in seconds.",
	[]float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
)
