// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package metrics counts gate activity with Prometheus collectors on a
// private registry. A nil *Recorder is valid and records nothing.
package metrics

import (
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

const namespace = "profilegate"

// Outcome label values.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Recorder holds the gate's collectors.
type Recorder struct {
	registry *prometheus.Registry

	attempts         *prometheus.CounterVec
	policyDenials    *prometheus.CounterVec
	sessionGrants    prometheus.Counter
	envelopeOps      *prometheus.CounterVec
	envelopeDuration *prometheus.HistogramVec
}

// New creates a Recorder with its own registry.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "attempts_total",
				Help:      "Credential attempts by method and outcome",
			},
			[]string{"method", "outcome"},
		),
		policyDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_denials_total",
				Help:      "Attempts blocked before verification, by reason",
			},
			[]string{"reason"},
		),
		sessionGrants: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_grants_total",
				Help:      "Sessions granted after a successful unlock",
			},
		),
		envelopeOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "envelope_operations_total",
				Help:      "Seal and open operations by outcome",
			},
			[]string{"op", "outcome"},
		),
		envelopeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "envelope_duration_seconds",
				Help:      "Time spent sealing or opening, dominated by key derivation",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"op"},
		),
	}

	r.registry.MustRegister(
		r.attempts,
		r.policyDenials,
		r.sessionGrants,
		r.envelopeOps,
		r.envelopeDuration,
	)
	return r
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Attempt counts one terminal credential attempt.
func (r *Recorder) Attempt(method string, success bool) {
	if r == nil {
		return
	}
	r.attempts.WithLabelValues(method, outcome(success)).Inc()
}

// PolicyDenied counts one attempt blocked by a gate.
func (r *Recorder) PolicyDenied(reason string) {
	if r == nil {
		return
	}
	r.policyDenials.WithLabelValues(reason).Inc()
}

// SessionGranted counts one session grant.
func (r *Recorder) SessionGranted() {
	if r == nil {
		return
	}
	r.sessionGrants.Inc()
}

// Envelope counts one seal or open and its duration.
func (r *Recorder) Envelope(op string, success bool, d time.Duration) {
	if r == nil {
		return
	}
	r.envelopeOps.WithLabelValues(op, outcome(success)).Inc()
	r.envelopeDuration.WithLabelValues(op).Observe(d.Seconds())
}

// WriteText writes every metric in the Prometheus text exposition format.
func (r *Recorder) WriteText(w io.Writer) error {
	if r == nil {
		return nil
	}
	families, err := r.registry.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("write metrics: %w", err)
		}
	}
	return nil
}

func outcome(success bool) string {
	if success {
		return OutcomeSuccess
	}
	return OutcomeFailure
}
