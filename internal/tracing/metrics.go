// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tracing

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics collects broker-level metrics exposed via Prometheus.
type Metrics struct {
	dispatchTotal    metric.Int64Counter
	dispatchDuration metric.Float64Histogram
	refreshTotal     metric.Int64Counter
	profileBuilds    metric.Int64Counter
	connectsTotal    metric.Int64Counter
}

// NewMetrics registers the broker instruments on the given provider.
func NewMetrics(meterProvider metric.MeterProvider) (*Metrics, error) {
	meter := meterProvider.Meter("skilldex")

	m := &Metrics{}
	var err error

	m.dispatchTotal, err = meter.Int64Counter(
		"skilldex_dispatch_requests_total",
		metric.WithDescription("Total provider operations dispatched"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	m.dispatchDuration, err = meter.Float64Histogram(
		"skilldex_dispatch_duration_seconds",
		metric.WithDescription("Provider operation round-trip duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.refreshTotal, err = meter.Int64Counter(
		"skilldex_token_refreshes_total",
		metric.WithDescription("Total OAuth token refresh attempts"),
		metric.WithUnit("{refresh}"),
	)
	if err != nil {
		return nil, err
	}

	m.profileBuilds, err = meter.Int64Counter(
		"skilldex_profile_builds_total",
		metric.WithDescription("Total capability profiles assembled"),
		metric.WithUnit("{profile}"),
	)
	if err != nil {
		return nil, err
	}

	m.connectsTotal, err = meter.Int64Counter(
		"skilldex_oauth_connects_total",
		metric.WithDescription("Total completed OAuth connections"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordDispatch implements the dispatch metrics hook.
func (m *Metrics) RecordDispatch(ctx context.Context, provider, operation string, status int, duration time.Duration) {
	m.dispatchTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("operation", operation),
		attribute.String("status", strconv.Itoa(status)),
	))
	m.dispatchDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("operation", operation),
	))
}

// RecordRefresh counts a token refresh attempt.
func (m *Metrics) RecordRefresh(ctx context.Context, provider string, success bool) {
	m.refreshTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.Bool("success", success),
	))
}

// RecordProfileBuild counts a capability profile assembly.
func (m *Metrics) RecordProfileBuild(ctx context.Context, categories int) {
	m.profileBuilds.Add(ctx, 1, metric.WithAttributes(
		attribute.Int("categories", categories),
	))
}

// RecordConnect counts a completed OAuth connection.
func (m *Metrics) RecordConnect(ctx context.Context, provider string) {
	m.connectsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
	))
}
