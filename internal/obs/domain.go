package obs

import "github.com/prometheus/client_golang/prometheus"

// Engine counters. Registered by Init; usable before registration.
var (
	VotesCast = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aula_votes_cast_total",
			Help: "Ballots written, by value (for, against, neutral).",
		},
		[]string{"value"},
	)

	Delegations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aula_delegations_total",
			Help: "Delegation graph mutations, by operation.",
		},
		[]string{"op"},
	)

	PhaseTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aula_phase_transitions_total",
			Help: "Successful box phase transitions, by target phase.",
		},
		[]string{"to"},
	)

	EngineErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aula_engine_errors_total",
			Help: "Engine operation failures, by error code.",
		},
		[]string{"code"},
	)

	TallyCache = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aula_tally_cache_total",
			Help: "Tally cache lookups, by result (hit, miss, error).",
		},
		[]string{"result"},
	)

	Evaluations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aula_evaluations_total",
		Help: "Result evaluations persisted.",
	})
)
