package handlers

import (
	"context"
	"fmt"
	"math"

	"github.com/tidewater-labs/spc/pkg/contracts"
	"github.com/tidewater-labs/spc/pkg/document"
)

// AggregatorHandler maintains a time-windowed reduction over inputKey.
// Window age is measured in ticks (size_sec divided by the configured
// tick interval), never the wall clock, so the reduction is a pure
// function of the document and the tick counter.
type AggregatorHandler struct {
	tickIntervalSec float64
}

func NewAggregatorHandler(tickIntervalSec float64) *AggregatorHandler {
	if tickIntervalSec <= 0 {
		tickIntervalSec = 1
	}
	return &AggregatorHandler{tickIntervalSec: tickIntervalSec}
}

type windowSample struct {
	Tick  uint64  `json:"tick"`
	Value float64 `json:"value"`
}

func (h *AggregatorHandler) Execute(_ context.Context, svc *document.Service, view contracts.StateView) (Result, error) {
	spec, ok := svc.Spec.(*document.AggregatorSpec)
	if !ok {
		return Result{}, fmt.Errorf("aggregator %s: wrong spec shape %T", svc.ID, svc.Spec)
	}

	samples := loadWindow(view, svc.ID)

	if input, exists := view.Get(spec.InputKey); exists {
		value, ok := toFloat(input)
		if !ok {
			return Result{}, fmt.Errorf("%w: aggregator input %s is not numeric", ErrExpressionFailed, spec.InputKey)
		}
		samples = append(samples, windowSample{Tick: view.Tick(), Value: value})
	}

	windowTicks := uint64(math.Ceil(float64(spec.Window.SizeSec) / h.tickIntervalSec))
	if windowTicks == 0 {
		windowTicks = 1
	}
	samples = pruneWindow(samples, view.Tick(), windowTicks)

	patch := contracts.StatePatch{windowStateKey(svc.ID): encodeWindow(samples)}
	var events []contracts.Event
	if len(samples) > 0 {
		patch[spec.OutputKey] = reduce(spec.Reduce.Emit, samples)
		events = append(events,
			event(view, "aggregated", svc.ID, contracts.LevelInfo, "%s over %d samples -> %s", spec.Reduce.Emit, len(samples), spec.OutputKey))
	}

	return Result{State: patch, Events: events, Fired: len(samples) > 0}, nil
}

func reduce(emit document.ReduceEmit, samples []windowSample) any {
	switch emit {
	case document.ReduceLatest:
		return samples[len(samples)-1].Value
	case document.ReduceCount:
		return float64(len(samples))
	case document.ReduceSum, document.ReduceAvg:
		var sum float64
		for _, s := range samples {
			sum += s.Value
		}
		if emit == document.ReduceSum {
			return sum
		}
		return sum / float64(len(samples))
	case document.ReduceMin:
		min := samples[0].Value
		for _, s := range samples[1:] {
			if s.Value < min {
				min = s.Value
			}
		}
		return min
	case document.ReduceMax:
		max := samples[0].Value
		for _, s := range samples[1:] {
			if s.Value > max {
				max = s.Value
			}
		}
		return max
	}
	return nil
}

func pruneWindow(samples []windowSample, now, windowTicks uint64) []windowSample {
	cutoff := uint64(0)
	if now > windowTicks {
		cutoff = now - windowTicks
	}
	out := samples[:0]
	for _, s := range samples {
		if s.Tick > cutoff {
			out = append(out, s)
		}
	}
	return out
}

// encodeWindow stores samples as generic maps so the window round-trips
// through JSON state export identically to its in-memory form.
func encodeWindow(samples []windowSample) []any {
	out := make([]any, len(samples))
	for i, s := range samples {
		out[i] = map[string]any{"tick": float64(s.Tick), "value": s.Value}
	}
	return out
}

func loadWindow(view contracts.StateView, serviceID string) []windowSample {
	raw, ok := view.Get(windowStateKey(serviceID))
	if !ok {
		return nil
	}
	entries, ok := raw.([]any)
	if !ok {
		return nil
	}
	samples := make([]windowSample, 0, len(entries))
	for _, entry := range entries {
		fields, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		tick, _ := toFloat(fields["tick"])
		value, _ := toFloat(fields["value"])
		samples = append(samples, windowSample{Tick: uint64(tick), Value: value})
	}
	return samples
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint64:
		return float64(t), true
	default:
		return 0, false
	}
}
