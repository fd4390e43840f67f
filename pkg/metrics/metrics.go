/*
SPDX-FileCopyrightText: Copyright (c) 2026 NVIDIA CORPORATION & AFFILIATES. All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.

SPDX-License-Identifier: Apache-2.0
*/

// Package metrics exposes a process-wide OpenTelemetry metrics singleton,
// used by the EventQueue, StateMachine executor, NodeController and Log/Exec
// server to record mailbox depth, state transitions, lease renewal failures
// and log byte counts.
package metrics

import (
	"context"
	"flag"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"go.corp.nvidia.com/nodelet/internal/config"
)

// Config holds configuration for the metrics system.
type Config struct {
	OTLPEndpoint     string
	ExportIntervalMS int
	ServiceName      string
	ServiceVersion   string
	GlobalTags       map[string]string
	Enabled          bool
}

// Creator provides thread-safe metric recording.
// All methods are safe for concurrent use by multiple goroutines.
type Creator struct {
	meterProvider      *sdkmetric.MeterProvider
	meter              metric.Meter
	counterCache       sync.Map // map[string]metric.Int64Counter
	upDownCounterCache sync.Map // map[string]metric.Int64UpDownCounter
	histogramCache     sync.Map // map[string]metric.Float64Histogram
	globalTags         map[string]string
}

var (
	instance *Creator
	once     sync.Once
	initErr  error
)

// Init initializes the global Creator singleton. Safe to call multiple
// times; only the first call takes effect.
func Init(cfg Config) error {
	once.Do(func() {
		mc, err := newCreator(cfg)
		if err != nil {
			initErr = err
			return
		}
		instance = mc
	})
	return initErr
}

// Get returns the global Creator singleton, or nil if Init was never called
// or failed. All recording methods degrade to no-ops on a nil receiver.
func Get() *Creator {
	return instance
}

func newCreator(cfg Config) (*Creator, error) {
	ctx := context.Background()

	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(
			exporter,
			sdkmetric.WithInterval(time.Duration(cfg.ExportIntervalMS)*time.Millisecond),
		)),
		sdkmetric.WithResource(res),
	)

	globalTags := make(map[string]string, len(cfg.GlobalTags))
	for k, v := range cfg.GlobalTags {
		globalTags[k] = v
	}

	meterName := cfg.ServiceName
	if cfg.ServiceVersion != "" {
		meterName = cfg.ServiceName + "@" + cfg.ServiceVersion
	}

	return &Creator{
		meterProvider: provider,
		meter:         provider.Meter(meterName),
		globalTags:    globalTags,
	}, nil
}

// RecordCounter records an integer counter metric.
func (mc *Creator) RecordCounter(ctx context.Context, name string, value int64, unit, description string, tags map[string]string) error {
	if mc == nil {
		return nil
	}
	counter, err := mc.getOrCreateCounter(name, unit, description)
	if err != nil {
		return err
	}
	counter.Add(ctx, value, metric.WithAttributes(mc.buildAttributes(tags)...))
	return nil
}

// RecordUpDownCounter records a signed counter metric (e.g. mailbox depth).
func (mc *Creator) RecordUpDownCounter(ctx context.Context, name string, value int64, unit, description string, tags map[string]string) error {
	if mc == nil {
		return nil
	}
	c, err := mc.getOrCreateUpDownCounter(name, unit, description)
	if err != nil {
		return err
	}
	c.Add(ctx, value, metric.WithAttributes(mc.buildAttributes(tags)...))
	return nil
}

// RecordHistogram records a floating-point histogram metric.
func (mc *Creator) RecordHistogram(ctx context.Context, name string, value float64, unit, description string, tags map[string]string) error {
	if mc == nil {
		return nil
	}
	h, err := mc.getOrCreateHistogram(name, unit, description)
	if err != nil {
		return err
	}
	h.Record(ctx, value, metric.WithAttributes(mc.buildAttributes(tags)...))
	return nil
}

func (mc *Creator) getOrCreateCounter(name, unit, description string) (metric.Int64Counter, error) {
	if cached, ok := mc.counterCache.Load(name); ok {
		return cached.(metric.Int64Counter), nil
	}
	counter, err := mc.meter.Int64Counter(name, metric.WithUnit(unit), metric.WithDescription(description))
	if err != nil {
		return nil, fmt.Errorf("failed to create counter %s: %w", name, err)
	}
	actual, _ := mc.counterCache.LoadOrStore(name, counter)
	return actual.(metric.Int64Counter), nil
}

func (mc *Creator) getOrCreateUpDownCounter(name, unit, description string) (metric.Int64UpDownCounter, error) {
	if cached, ok := mc.upDownCounterCache.Load(name); ok {
		return cached.(metric.Int64UpDownCounter), nil
	}
	c, err := mc.meter.Int64UpDownCounter(name, metric.WithUnit(unit), metric.WithDescription(description))
	if err != nil {
		return nil, fmt.Errorf("failed to create up-down counter %s: %w", name, err)
	}
	actual, _ := mc.upDownCounterCache.LoadOrStore(name, c)
	return actual.(metric.Int64UpDownCounter), nil
}

func (mc *Creator) getOrCreateHistogram(name, unit, description string) (metric.Float64Histogram, error) {
	if cached, ok := mc.histogramCache.Load(name); ok {
		return cached.(metric.Float64Histogram), nil
	}
	h, err := mc.meter.Float64Histogram(name, metric.WithUnit(unit), metric.WithDescription(description))
	if err != nil {
		return nil, fmt.Errorf("failed to create histogram %s: %w", name, err)
	}
	actual, _ := mc.histogramCache.LoadOrStore(name, h)
	return actual.(metric.Float64Histogram), nil
}

func (mc *Creator) buildAttributes(callTags map[string]string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(mc.globalTags)+len(callTags))
	for k, v := range mc.globalTags {
		attrs = append(attrs, attribute.String(k, v))
	}
	for k, v := range callTags {
		attrs = append(attrs, attribute.String(k, v))
	}
	return attrs
}

// Shutdown gracefully shuts down the meter provider, flushing pending metrics.
func (mc *Creator) Shutdown(ctx context.Context) error {
	if mc == nil || mc.meterProvider == nil {
		return nil
	}
	return mc.meterProvider.Shutdown(ctx)
}

// FlagPointers holds pointers to flag values for metrics configuration.
type FlagPointers struct {
	enable     *bool
	host       *string
	port       *int
	intervalMS *int
	component  *string
	version    *string
}

// RegisterFlags registers metrics-related command-line flags.
func RegisterFlags(defaultComponent string) *FlagPointers {
	return &FlagPointers{
		enable: flag.Bool("metrics-otel-enable",
			config.GetEnvBool("NODELET_METRICS_OTEL_ENABLE", true), "Enable OpenTelemetry metrics"),
		host: flag.String("metrics-otel-collector-host",
			config.GetEnv("NODELET_METRICS_OTEL_COLLECTOR_HOST", "localhost"), "OpenTelemetry collector host"),
		port: flag.Int("metrics-otel-collector-port",
			config.GetEnvInt("NODELET_METRICS_OTEL_COLLECTOR_PORT", 4317), "OpenTelemetry collector port"),
		intervalMS: flag.Int("metrics-otel-interval-ms",
			config.GetEnvInt("NODELET_METRICS_OTEL_INTERVAL_MS", 6000), "OpenTelemetry export interval in milliseconds"),
		component: flag.String("metrics-otel-component",
			config.GetEnv("NODELET_METRICS_OTEL_COMPONENT", defaultComponent), "Service name for OpenTelemetry metrics"),
		version: flag.String("service-version",
			config.GetEnv("NODELET_SERVICE_VERSION", "unknown"), "Service version for OpenTelemetry metrics"),
	}
}

// ToConfig converts flag pointers to Config. Must be called after flag.Parse().
func (m *FlagPointers) ToConfig() Config {
	return Config{
		OTLPEndpoint:     fmt.Sprintf("%s:%d", *m.host, *m.port),
		ExportIntervalMS: *m.intervalMS,
		ServiceName:      *m.component,
		ServiceVersion:   *m.version,
		GlobalTags:       make(map[string]string),
		Enabled:          *m.enable,
	}
}
