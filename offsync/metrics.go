// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	MetricsOpReconcile = "reconcile"
	MetricsOpDrain     = "drain"
	MetricsOpFullSync  = "full_sync"

	MetricsStageTotal      = "total"
	MetricsStageApply      = "apply"
	MetricsStageRemoteCall = "remote_call"
)

// StageTiming is one observed sync stage.
type StageTiming struct {
	Operation string
	Stage     string
	Duration  time.Duration
	Count     int
	Error     bool
}

// StageMetricsRecorder receives stage timings from the sync orchestrator.
type StageMetricsRecorder interface {
	ObserveStage(ctx context.Context, timing StageTiming)
}

// StageMetricsRecorderFunc adapts a function to StageMetricsRecorder.
type StageMetricsRecorderFunc func(ctx context.Context, timing StageTiming)

func (f StageMetricsRecorderFunc) ObserveStage(ctx context.Context, timing StageTiming) {
	f(ctx, timing)
}

// PrometheusRecorder exports stage timings as Prometheus metrics.
type PrometheusRecorder struct {
	duration *prometheus.HistogramVec
	items    *prometheus.CounterVec
}

// NewPrometheusRecorder registers the sync metrics on reg and returns the
// recorder.
func NewPrometheusRecorder(reg prometheus.Registerer) (*PrometheusRecorder, error) {
	r := &PrometheusRecorder{
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "offsync",
			Name:      "stage_duration_seconds",
			Help:      "Duration of sync stages.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation", "stage", "error"}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "offsync",
			Name:      "stage_items_total",
			Help:      "Items processed per sync stage.",
		}, []string{"operation", "stage"}),
	}
	if err := reg.Register(r.duration); err != nil {
		return nil, err
	}
	if err := reg.Register(r.items); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *PrometheusRecorder) ObserveStage(_ context.Context, t StageTiming) {
	r.duration.WithLabelValues(t.Operation, t.Stage, strconv.FormatBool(t.Error)).
		Observe(t.Duration.Seconds())
	if t.Count > 0 {
		r.items.WithLabelValues(t.Operation, t.Stage).Add(float64(t.Count))
	}
}
