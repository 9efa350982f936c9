// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var switchRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "segflow_switch_requests_total",
	Help: "Total number of non-empty switch requests produced by scheduling rules",
}, []string{"rule", "priority"})

// IncSwitchRequest records a rule result that proposed a change.
func IncSwitchRequest(rule, priority string) {
	switchRequestsTotal.WithLabelValues(rule, priority).Inc()
}
