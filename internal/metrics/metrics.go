// Package metrics holds the Prometheus collectors of the activation server.
// Collectors enqueue themselves from init() and land in the package's own
// registry on MustRegister; Handler serves that registry only.
package metrics

import (
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once      sync.Once
	collected []prometheus.Collector
	registry  = prometheus.NewRegistry()
)

func register(cs ...prometheus.Collector) {
	collected = append(collected, cs...)
}

// MustRegister adds the activation collectors plus the Go runtime and
// process collectors to the registry.  Later calls are no-ops.
func MustRegister() {
	once.Do(func() {
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		registry.MustRegister(collected...)
	})
}

// Handler exposes the registry in the Prometheus text format.
func Handler() http.Handler {
	MustRegister()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}

func norm(s string) string {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return "unknown"
	}
	return s
}
