package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Operation names used as the "operation" metric label.
const (
	OpSign            = "sign"
	OpUpload          = "upload"
	OpDelete          = "delete"
	OpEnsureContainer = "ensure_container"
)

// Observer captures telemetry for storage and signing operations.
type Observer interface {
	RecordOperation(op string, duration time.Duration, err error)
	RecordUpload(duration time.Duration, sizeBytes int, err error)
}

// PrometheusObserver exports operation metrics to Prometheus.
type PrometheusObserver struct {
	duration    *prometheus.HistogramVec
	errors      *prometheus.CounterVec
	uploadBytes prometheus.Counter
}

// NewPrometheusObserver registers the metrics on reg (the default registerer when nil).
func NewPrometheusObserver(namespace string, reg prometheus.Registerer) (*PrometheusObserver, error) {
	if namespace == "" {
		namespace = "blobgate"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	observer := &PrometheusObserver{
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Latency of signing and storage operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operation_errors_total",
			Help:      "Count of failed signing and storage operations.",
		}, []string{"operation"}),
		uploadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploaded_bytes_total",
			Help:      "Bytes written through the direct upload path.",
		}),
	}
	collectors := []prometheus.Collector{observer.duration, observer.errors, observer.uploadBytes}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register storage metric: %w", err)
		}
	}
	return observer, nil
}

func (o *PrometheusObserver) RecordOperation(op string, duration time.Duration, err error) {
	if o == nil {
		return
	}
	o.duration.WithLabelValues(op).Observe(duration.Seconds())
	if err != nil {
		o.errors.WithLabelValues(op).Inc()
	}
}

func (o *PrometheusObserver) RecordUpload(duration time.Duration, sizeBytes int, err error) {
	if o == nil {
		return
	}
	o.RecordOperation(OpUpload, duration, err)
	if err == nil {
		o.uploadBytes.Add(float64(sizeBytes))
	}
}

// NopObserver discards everything.
type NopObserver struct{}

func (NopObserver) RecordOperation(string, time.Duration, error) {}

func (NopObserver) RecordUpload(time.Duration, int, error) {}

// InstrumentedBackend records every backend call on an Observer.
type InstrumentedBackend struct {
	delegate Backend
	observer Observer
}

// NewInstrumentedBackend wraps delegate. A nil observer records nothing.
func NewInstrumentedBackend(delegate Backend, observer Observer) *InstrumentedBackend {
	if observer == nil {
		observer = NopObserver{}
	}
	return &InstrumentedBackend{delegate: delegate, observer: observer}
}

func (b *InstrumentedBackend) EnsureContainer(ctx context.Context) error {
	start := time.Now()
	err := b.delegate.EnsureContainer(ctx)
	b.observer.RecordOperation(OpEnsureContainer, time.Since(start), err)
	return err
}

func (b *InstrumentedBackend) Upload(ctx context.Context, name string, data []byte, contentType string) error {
	start := time.Now()
	err := b.delegate.Upload(ctx, name, data, contentType)
	b.observer.RecordUpload(time.Since(start), len(data), err)
	return err
}

func (b *InstrumentedBackend) DeleteIfExists(ctx context.Context, name string) (bool, error) {
	start := time.Now()
	existed, err := b.delegate.DeleteIfExists(ctx, name)
	b.observer.RecordOperation(OpDelete, time.Since(start), err)
	return existed, err
}

func (b *InstrumentedBackend) ObjectURL(name string) string {
	return b.delegate.ObjectURL(name)
}

var (
	_ Observer = (*PrometheusObserver)(nil)
	_ Backend  = (*InstrumentedBackend)(nil)
)
