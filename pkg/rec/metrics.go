// Copyright 2024 The Grebe Authors.
//
// Use of this software is governed by the Grebe Software License
// included in the /LICENSE file.

package rec

import "github.com/prometheus/client_golang/prometheus"

// Metrics aggregates reconciliation telemetry across passes.
type Metrics struct {
	UpdatesSeen       prometheus.Counter
	UpdatesUnstable   prometheus.Counter
	OutOfOrderRepairs prometheus.Counter
	SavedUpdateBytes  prometheus.Counter
}

// NewMetrics builds the reconciliation metrics and registers them with
// reg if it is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		UpdatesSeen: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "grebe",
			Subsystem: "rec",
			Name:      "updates_seen",
			Help:      "Updates walked during reconciliation.",
		}),
		UpdatesUnstable: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "grebe",
			Subsystem: "rec",
			Name:      "updates_unstable",
			Help:      "Updates not stable at the reconciliation's visibility point.",
		}),
		OutOfOrderRepairs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "grebe",
			Subsystem: "rec",
			Name:      "out_of_order_repairs",
			Help:      "Time windows repaired because a remove committed with an older timestamp than its value.",
		}),
		SavedUpdateBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "grebe",
			Subsystem: "rec",
			Name:      "saved_update_bytes",
			Help:      "Bytes of update chains recorded for history-store spill or restore.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.UpdatesSeen, m.UpdatesUnstable, m.OutOfOrderRepairs, m.SavedUpdateBytes)
	}
	return m
}
