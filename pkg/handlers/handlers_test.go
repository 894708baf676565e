package handlers

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidewater-labs/spc/pkg/document"
	"github.com/tidewater-labs/spc/pkg/expr"
	"github.com/tidewater-labs/spc/pkg/retry"
	"github.com/tidewater-labs/spc/pkg/secrets"
)

// fakeView freezes an arbitrary state map at an arbitrary tick.
type fakeView struct {
	state map[string]any
	tick  uint64
}

func (v fakeView) Get(key string) (any, bool) {
	val, ok := v.state[key]
	return val, ok
}

func (v fakeView) Snapshot() map[string]any {
	out := make(map[string]any, len(v.state))
	for k, val := range v.state {
		out[k] = val
	}
	return out
}

func (v fakeView) Tick() uint64 { return v.tick }

func svc(id string, t document.Type, spec document.Spec) *document.Service {
	return &document.Service{ID: id, Type: t, Spec: spec, Status: document.StatusRunning}
}

func TestConnectorWritesOutput(t *testing.T) {
	fetcher := StaticFetcher{"https://example.com/orders": []any{
		map[string]any{"region": "US", "units": 2.0},
	}}
	h := NewConnectorHandler(fetcher, retry.NonePolicy())

	res, err := h.Execute(context.Background(),
		svc("fetch", document.TypeConnector, &document.ConnectorSpec{URL: "https://example.com/orders", OutputKey: "raw"}),
		fakeView{state: map[string]any{}, tick: 1})
	require.NoError(t, err)

	assert.True(t, res.Fired)
	rows, ok := res.State["raw"].([]any)
	require.True(t, ok)
	assert.Len(t, rows, 1)
}

func TestConnectorSourceUnavailable(t *testing.T) {
	h := NewConnectorHandler(StaticFetcher{}, retry.NonePolicy())

	_, err := h.Execute(context.Background(),
		svc("fetch", document.TypeConnector, &document.ConnectorSpec{URL: "https://down", OutputKey: "raw"}),
		fakeView{state: map[string]any{}, tick: 1})
	assert.ErrorIs(t, err, ErrSourceUnavailable)
}

func TestProcessorETLPipes(t *testing.T) {
	h := NewProcessorHandler(expr.NewEvaluator())
	rows := []any{
		map[string]any{"region": "US", "units": 2.0, "price": 10.0},
		map[string]any{"region": "EU", "units": 5.0, "price": 10.0},
		map[string]any{"region": "US", "units": 1.0, "price": 3.0},
	}
	spec := &document.ProcessorSpec{
		InputKey:  "raw",
		OutputKey: "clean",
		Pipes: []document.Pipe{
			{Op: document.PipeSelect, Expr: `region == "US"`},
			{Op: document.PipeDerive, Expr: "units * price", As: "revenue"},
		},
	}

	res, err := h.Execute(context.Background(),
		svc("clean", document.TypeProcessor, spec),
		fakeView{state: map[string]any{"raw": rows}, tick: 2})
	require.NoError(t, err)
	require.True(t, res.Fired)

	out, ok := res.State["clean"].([]any)
	require.True(t, ok)
	require.Len(t, out, 2, "EU row must be filtered out")
	first := out[0].(map[string]any)
	assert.Equal(t, 20.0, first["revenue"])
	assert.Equal(t, "US", first["region"])
}

func TestProcessorWaitsForInput(t *testing.T) {
	h := NewProcessorHandler(expr.NewEvaluator())
	res, err := h.Execute(context.Background(),
		svc("clean", document.TypeProcessor, &document.ProcessorSpec{InputKey: "raw", OutputKey: "clean"}),
		fakeView{state: map[string]any{}, tick: 1})
	require.NoError(t, err)

	assert.False(t, res.Fired)
	assert.Empty(t, res.State)
	require.Len(t, res.Events, 1)
	assert.Equal(t, "waiting", res.Events[0].Name)
}

func TestProcessorRejectedScalarOmitsWrite(t *testing.T) {
	h := NewProcessorHandler(expr.NewEvaluator())
	spec := &document.ProcessorSpec{
		InputKey:  "score",
		OutputKey: "approved",
		Pipes: []document.Pipe{
			{Op: document.PipeSelect, Expr: "value > 0.5"},
		},
	}

	// A previously approved value sits at outputKey; a rejected scalar
	// must not null it out.
	res, err := h.Execute(context.Background(),
		svc("gate", document.TypeProcessor, spec),
		fakeView{state: map[string]any{"score": 0.1, "approved": 0.9}, tick: 3})
	require.NoError(t, err)

	assert.False(t, res.Fired)
	assert.NotContains(t, res.State, "approved")
	require.Len(t, res.Events, 1)
	assert.Equal(t, "filtered", res.Events[0].Name)
}

func TestProcessorScalarPassesSelect(t *testing.T) {
	h := NewProcessorHandler(expr.NewEvaluator())
	spec := &document.ProcessorSpec{
		InputKey:  "score",
		OutputKey: "approved",
		Pipes: []document.Pipe{
			{Op: document.PipeSelect, Expr: "value > 0.5"},
			{Op: document.PipeDerive, Expr: "value * 100.0"},
		},
	}

	res, err := h.Execute(context.Background(),
		svc("gate", document.TypeProcessor, spec),
		fakeView{state: map[string]any{"score": 0.8}, tick: 3})
	require.NoError(t, err)

	assert.True(t, res.Fired)
	assert.InDelta(t, 80.0, res.State["approved"], 1e-9)
}

func TestProcessorExpressionFailureNamesPipe(t *testing.T) {
	h := NewProcessorHandler(expr.NewEvaluator())
	spec := &document.ProcessorSpec{
		InputKey:  "raw",
		OutputKey: "clean",
		Pipes: []document.Pipe{
			{Op: document.PipeSelect, Expr: "true"},
			{Op: document.PipeDerive, Expr: "nonexistent + 1", As: "x"},
		},
	}

	_, err := h.Execute(context.Background(),
		svc("clean", document.TypeProcessor, spec),
		fakeView{state: map[string]any{"raw": []any{map[string]any{"a": 1.0}}}, tick: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExpressionFailed)

	var exprErr *ExpressionError
	require.ErrorAs(t, err, &exprErr)
	assert.Equal(t, 1, exprErr.PipeIndex)
}

func monitorSpec(emit document.EmitPolicy) *document.MonitorSpec {
	return &document.MonitorSpec{
		DataKey:   "metrics",
		Checks:    []document.Check{{Name: "cac_high", Expr: "cac > ltv * 3.0"}},
		Emit:      emit,
		OutputKey: "alerts",
	}
}

func TestMonitorOnChangeEdges(t *testing.T) {
	h := NewMonitorHandler(expr.NewEvaluator())
	service := svc("watch", document.TypeMonitor, monitorSpec(document.EmitOnChange))
	state := map[string]any{"metrics": map[string]any{"cac": 1.0, "ltv": 10.0}}

	// Tick 1: check false, nothing to report.
	res, err := h.Execute(context.Background(), service, fakeView{state: state, tick: 1})
	require.NoError(t, err)
	assert.False(t, res.Fired)
	assert.Empty(t, res.Events)

	carry := func(res Result) {
		for k, v := range res.State {
			state[k] = v
		}
	}
	carry(res)

	// Tick 2: check flips true. One event, epoch 1.
	state["metrics"] = map[string]any{"cac": 100.0, "ltv": 10.0}
	res, err = h.Execute(context.Background(), service, fakeView{state: state, tick: 2})
	require.NoError(t, err)
	assert.True(t, res.Fired)
	require.Len(t, res.Events, 1)
	assert.Equal(t, "check-true", res.Events[0].Name)
	carry(res)

	alerts := state["alerts"].(map[string]any)
	entry := alerts["cac_high"].(map[string]any)
	assert.Equal(t, uint64(1), entry["epoch"])

	// Tick 3: still true. No event, no fire, epoch unchanged.
	res, err = h.Execute(context.Background(), service, fakeView{state: state, tick: 3})
	require.NoError(t, err)
	assert.False(t, res.Fired)
	assert.Empty(t, res.Events)
	carry(res)

	// Tick 4: back to false.
	state["metrics"] = map[string]any{"cac": 1.0, "ltv": 10.0}
	res, err = h.Execute(context.Background(), service, fakeView{state: state, tick: 4})
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	assert.Equal(t, "check-false", res.Events[0].Name)
	carry(res)

	// Tick 5: true again. Epoch advances to 2.
	state["metrics"] = map[string]any{"cac": 100.0, "ltv": 10.0}
	res, err = h.Execute(context.Background(), service, fakeView{state: state, tick: 5})
	require.NoError(t, err)
	assert.True(t, res.Fired)
	carry(res)
	entry = state["alerts"].(map[string]any)["cac_high"].(map[string]any)
	assert.Equal(t, uint64(2), entry["epoch"])
}

func TestMonitorOnTrueEmitsEveryTick(t *testing.T) {
	h := NewMonitorHandler(expr.NewEvaluator())
	service := svc("watch", document.TypeMonitor, monitorSpec(document.EmitOnTrue))
	state := map[string]any{"metrics": map[string]any{"cac": 100.0, "ltv": 10.0}}

	for tick := uint64(1); tick <= 3; tick++ {
		res, err := h.Execute(context.Background(), service, fakeView{state: state, tick: tick})
		require.NoError(t, err)
		require.Len(t, res.Events, 1, "tick %d", tick)
		for k, v := range res.State {
			state[k] = v
		}
	}
}

func TestAdapterEdgeTriggeredOnMonitorEpoch(t *testing.T) {
	notifier := NewRecordingNotifier()
	h := NewAdapterHandler(notifier, NewMemoryIdempotencyStore())
	service := svc("alert", document.TypeAdapter, &document.AdapterSpec{
		Kind:           "webhook",
		IdempotencyKey: "alert-1",
		TriggerKey:     "alerts",
		PayloadKey:     "metrics",
	})

	armedState := func(ok bool, epoch float64) map[string]any {
		return map[string]any{
			"alerts":  map[string]any{"cac_high": map[string]any{"ok": ok, "epoch": epoch}},
			"metrics": map[string]any{"cac": 100.0},
		}
	}

	// Trigger inactive: stays armed.
	res, err := h.Execute(context.Background(), service, fakeView{state: armedState(false, 0), tick: 1})
	require.NoError(t, err)
	assert.False(t, res.Fired)

	// First true epoch: fires.
	res, err = h.Execute(context.Background(), service, fakeView{state: armedState(true, 1), tick: 2})
	require.NoError(t, err)
	assert.True(t, res.Fired)
	assert.Len(t, notifier.Calls(), 1)

	// Same epoch on the next tick: suppressed.
	res, err = h.Execute(context.Background(), service, fakeView{state: armedState(true, 1), tick: 3})
	require.NoError(t, err)
	assert.False(t, res.Fired)
	require.Len(t, res.Events, 1)
	assert.Equal(t, "suppressed", res.Events[0].Name)
	assert.Len(t, notifier.Calls(), 1)

	// Epoch bumps after a false/true toggle: fires again.
	res, err = h.Execute(context.Background(), service, fakeView{state: armedState(true, 2), tick: 5})
	require.NoError(t, err)
	assert.True(t, res.Fired)
	assert.Len(t, notifier.Calls(), 2)
}

func TestAdapterDeliveryFailureRetriesNextTick(t *testing.T) {
	notifier := NewRecordingNotifier()
	notifier.Fail = true
	h := NewAdapterHandler(notifier, NewMemoryIdempotencyStore())
	service := svc("alert", document.TypeAdapter, &document.AdapterSpec{
		Kind:           "webhook",
		IdempotencyKey: "alert-1",
		PayloadKey:     "payload",
	})
	state := map[string]any{"payload": "p"}

	_, err := h.Execute(context.Background(), service, fakeView{state: state, tick: 1})
	assert.ErrorIs(t, err, ErrSourceUnavailable)

	// The key was never marked, so the next tick delivers.
	notifier.Fail = false
	res, err := h.Execute(context.Background(), service, fakeView{state: state, tick: 2})
	require.NoError(t, err)
	assert.True(t, res.Fired)
}

func TestAggregatorReductions(t *testing.T) {
	specFor := func(emit document.ReduceEmit) *document.AggregatorSpec {
		s := &document.AggregatorSpec{InputKey: "sample", OutputKey: "agg"}
		s.Window.SizeSec = 10
		s.Reduce.Emit = emit
		return s
	}

	feed := func(t *testing.T, emit document.ReduceEmit, values []float64) any {
		t.Helper()
		h := NewAggregatorHandler(1)
		service := svc("agg", document.TypeAggregator, specFor(emit))
		state := map[string]any{}
		var out any
		for i, v := range values {
			state["sample"] = v
			res, err := h.Execute(context.Background(), service, fakeView{state: state, tick: uint64(i + 1)})
			require.NoError(t, err)
			for k, val := range res.State {
				state[k] = val
			}
			out = state["agg"]
		}
		return out
	}

	values := []float64{4, 2, 8}
	assert.Equal(t, 14.0, feed(t, document.ReduceSum, values))
	assert.InDelta(t, 14.0/3, feed(t, document.ReduceAvg, values).(float64), 1e-9)
	assert.Equal(t, 2.0, feed(t, document.ReduceMin, values))
	assert.Equal(t, 8.0, feed(t, document.ReduceMax, values))
	assert.Equal(t, 8.0, feed(t, document.ReduceLatest, values))
	assert.Equal(t, 3.0, feed(t, document.ReduceCount, values))
}

func TestAggregatorWindowPrunesByTicks(t *testing.T) {
	spec := &document.AggregatorSpec{InputKey: "sample", OutputKey: "agg"}
	spec.Window.SizeSec = 2 // 2 ticks at 1s per tick
	spec.Reduce.Emit = document.ReduceCount

	h := NewAggregatorHandler(1)
	service := svc("agg", document.TypeAggregator, spec)
	state := map[string]any{}
	for tick := uint64(1); tick <= 5; tick++ {
		state["sample"] = float64(tick)
		res, err := h.Execute(context.Background(), service, fakeView{state: state, tick: tick})
		require.NoError(t, err)
		for k, v := range res.State {
			state[k] = v
		}
	}
	// Only the last two ticks survive the window.
	assert.Equal(t, 2.0, state["agg"])
}

func TestAggregatorRejectsNonNumericInput(t *testing.T) {
	spec := &document.AggregatorSpec{InputKey: "sample", OutputKey: "agg"}
	spec.Window.SizeSec = 10
	spec.Reduce.Emit = document.ReduceSum

	h := NewAggregatorHandler(1)
	_, err := h.Execute(context.Background(),
		svc("agg", document.TypeAggregator, spec),
		fakeView{state: map[string]any{"sample": "not a number"}, tick: 1})
	assert.ErrorIs(t, err, ErrExpressionFailed)
}

func TestRouterSelectsBranch(t *testing.T) {
	h := NewRouterHandler(expr.NewEvaluator())
	service := svc("route", document.TypeRouter, &document.RouterSpec{
		Expr:    "load > 0.8",
		OnTrue:  document.RouteAction{Start: []string{"scaler"}, Stop: []string{"reporter"}},
		OnFalse: document.RouteAction{Stop: []string{"scaler"}},
	})

	res, err := h.Execute(context.Background(), service, fakeView{state: map[string]any{"load": 0.9}, tick: 1})
	require.NoError(t, err)
	assert.Equal(t, document.StatusRunning, res.StatusChanges["scaler"])
	assert.Equal(t, document.StatusStopped, res.StatusChanges["reporter"])
	assert.True(t, res.Fired)

	res, err = h.Execute(context.Background(), service, fakeView{state: map[string]any{"load": 0.1}, tick: 2})
	require.NoError(t, err)
	assert.Equal(t, document.StatusStopped, res.StatusChanges["scaler"])
	_, touched := res.StatusChanges["reporter"]
	assert.False(t, touched)
}

func TestRouterConditionFailure(t *testing.T) {
	h := NewRouterHandler(expr.NewEvaluator())
	service := svc("route", document.TypeRouter, &document.RouterSpec{Expr: "load +"})
	_, err := h.Execute(context.Background(), service, fakeView{state: map[string]any{"load": 1.0}, tick: 1})
	assert.ErrorIs(t, err, ErrExpressionFailed)
}

func TestIteratorAdvancesAndExhausts(t *testing.T) {
	h := NewIteratorHandler()
	service := svc("iter", document.TypeIterator, &document.IteratorSpec{
		Items:     []any{"a", "b", "c"},
		OutputKey: "item",
		IndexKey:  "i",
	})

	state := map[string]any{}
	for tick, want := range []string{"a", "b", "c"} {
		res, err := h.Execute(context.Background(), service, fakeView{state: state, tick: uint64(tick + 1)})
		require.NoError(t, err)
		assert.Equal(t, want, res.State["item"])
		assert.Equal(t, float64(tick), res.State["i"])
		if want == "c" {
			assert.True(t, res.Exhausted)
		} else {
			assert.False(t, res.Exhausted)
		}
		for k, v := range res.State {
			state[k] = v
		}
	}
}

func TestIteratorLoopWraps(t *testing.T) {
	h := NewIteratorHandler()
	service := svc("iter", document.TypeIterator, &document.IteratorSpec{
		Items:     []any{"a", "b"},
		OutputKey: "item",
	})
	service.Modifiers.Loop = true

	state := map[string]any{}
	var seen []string
	for tick := uint64(1); tick <= 5; tick++ {
		res, err := h.Execute(context.Background(), service, fakeView{state: state, tick: tick})
		require.NoError(t, err)
		assert.False(t, res.Exhausted)
		seen = append(seen, res.State["item"].(string))
		for k, v := range res.State {
			state[k] = v
		}
	}
	assert.Equal(t, []string{"a", "b", "a", "b", "a"}, seen)
}

func TestIteratorFromSourceKey(t *testing.T) {
	h := NewIteratorHandler()
	service := svc("iter", document.TypeIterator, &document.IteratorSpec{
		SourceKey: "queue",
		OutputKey: "item",
	})

	res, err := h.Execute(context.Background(), service,
		fakeView{state: map[string]any{"queue": []any{1.0}}, tick: 1})
	require.NoError(t, err)
	assert.Equal(t, 1.0, res.State["item"])
	assert.True(t, res.Exhausted)

	// Source absent: waiting, not an error.
	res, err = h.Execute(context.Background(), service, fakeView{state: map[string]any{}, tick: 2})
	require.NoError(t, err)
	assert.False(t, res.Fired)
}

func TestVaultResolvesReferencesOnly(t *testing.T) {
	cache := secrets.NewCache()
	provider := secrets.StaticProvider{"billing/api": "sk-cleartext-value"}
	h := NewVaultHandler(provider, cache)
	service := svc("creds", document.TypeVault, &document.VaultSpec{
		Secrets:   []document.SecretRef{{RefID: "api", Provider: "static", Path: "billing/api"}},
		OutputKey: "creds",
	})

	res, err := h.Execute(context.Background(), service, fakeView{state: map[string]any{}, tick: 1})
	require.NoError(t, err)
	assert.True(t, res.Fired)

	refs, ok := res.State["creds"].([]any)
	require.True(t, ok)
	assert.Equal(t, []any{"api"}, refs)

	cached, ok := cache.Get("api")
	assert.True(t, ok)
	assert.Equal(t, "sk-cleartext-value", cached)

	// Neither patch nor events may carry the value.
	for _, ev := range res.Events {
		assert.NotContains(t, ev.Message, "sk-cleartext-value")
	}
}

func TestVaultUnavailableNamesRefOnly(t *testing.T) {
	h := NewVaultHandler(secrets.StaticProvider{}, secrets.NewCache())
	service := svc("creds", document.TypeVault, &document.VaultSpec{
		Secrets: []document.SecretRef{{RefID: "db", Provider: "static", Path: "prod/db"}},
	})

	_, err := h.Execute(context.Background(), service, fakeView{state: map[string]any{}, tick: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSecretUnavailable)
	assert.Contains(t, err.Error(), "db")
}

func TestRegistryLifecycle(t *testing.T) {
	r := NewRegistry()
	h := NewIteratorHandler()

	require.NoError(t, r.Register(document.TypeIterator, h, LifecyclePolicy{}))
	assert.Error(t, r.Register(document.TypeIterator, h, LifecyclePolicy{}), "duplicate registration")

	_, _, err := r.Resolve(document.TypeConnector)
	assert.ErrorIs(t, err, ErrUnknownPrimitiveType)

	r.Seal()
	assert.Error(t, r.Register(document.TypeConnector, h, LifecyclePolicy{}), "sealed registry")
}

func TestDefaultRegistryCoversAllTypes(t *testing.T) {
	r := NewDefaultRegistry(Deps{})
	for _, typ := range document.Types {
		h, _, err := r.Resolve(typ)
		require.NoError(t, err, "type %s", typ)
		require.NotNil(t, h)
	}

	_, policy, err := r.Resolve(document.TypeAdapter)
	require.NoError(t, err)
	assert.True(t, policy.AutoStop, "adapter defaults to auto-stop")
}

func TestExpressionErrorUnwraps(t *testing.T) {
	err := &ExpressionError{PipeIndex: 2, Err: errors.New("boom")}
	assert.ErrorIs(t, err, ErrExpressionFailed)
	assert.Contains(t, err.Error(), "pipe 2")
}
