package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(validationsTotal, adminOpsTotal, statusChecksTotal, activeCodes) }

var validationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "activation_validations_total",
		Help: "Code validation attempts by outcome.",
	},
	[]string{"result"}, // 'success', 'not_found', 'disabled', 'not_yet_active', 'invalid', 'error'
)

var adminOpsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "activation_admin_ops_total",
		Help: "Administrative activation operations by kind and outcome.",
	},
	[]string{"op", "result"}, // op: 'manage', 'generate', 'list', 'delete'
)

var statusChecksTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "activation_status_checks_total",
		Help: "Calls to the activation status query.",
	},
)

var activeCodes = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "activation_active_codes",
		Help: "Usable activation codes as of the last status query.",
	},
)

func IncValidation(result string) {
	validationsTotal.WithLabelValues(norm(result)).Inc()
}

func IncAdminOp(op, result string) {
	adminOpsTotal.WithLabelValues(norm(op), norm(result)).Inc()
}

// ObserveStatus counts a status query and records the active count it saw.
func ObserveStatus(active int) {
	statusChecksTotal.Inc()
	activeCodes.Set(float64(active))
}
