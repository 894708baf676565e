package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidewater-labs/spc/pkg/contracts"
	"github.com/tidewater-labs/spc/pkg/document"
	"github.com/tidewater-labs/spc/pkg/expr"
	"github.com/tidewater-labs/spc/pkg/handlers"
)

// stubHandler lets a test register arbitrary behavior under a real
// primitive type.
type stubHandler struct {
	fn func(ctx context.Context, svc *document.Service, view contracts.StateView) (handlers.Result, error)
}

func (h stubHandler) Execute(ctx context.Context, svc *document.Service, view contracts.StateView) (handlers.Result, error) {
	return h.fn(ctx, svc, view)
}

func mustLoadDoc(t *testing.T, raw string) *document.Document {
	t.Helper()
	doc, err := document.Load([]byte(raw))
	require.NoError(t, err)
	return doc
}

// stubRegistry binds stubs to connector slots so documents stay valid
// while the test controls every handler invocation.
func stubRegistry(stubs map[document.Type]stubHandler) *handlers.Registry {
	r := handlers.NewRegistry()
	for typ, h := range stubs {
		_ = r.Register(typ, h, handlers.LifecyclePolicy{})
	}
	return r
}

const etlPipelineDoc = `{
  "spc_version": "1.0.0",
  "meta": {"name": "order-etl"},
  "services": {
    "fetch": {
      "type": "connector",
      "spec": {"url": "https://example.test/orders", "outputKey": "raw"},
      "status": "running"
    },
    "clean": {
      "type": "processor",
      "spec": {
        "inputKey": "raw",
        "outputKey": "clean",
        "pipes": [
          {"op": "select", "expr": "region == \"US\""},
          {"op": "derive", "expr": "units * price", "as": "revenue"}
        ]
      },
      "status": "running"
    },
    "notify": {
      "type": "adapter",
      "spec": {
        "kind": "webhook",
        "endpoint": "https://hooks.example.test/orders",
        "idempotency_key": "order-batch",
        "payloadKey": "clean",
        "triggerKey": "clean"
      },
      "status": "running"
    }
  },
  "state": {}
}`

func etlDeps() (handlers.Deps, *handlers.RecordingNotifier) {
	notifier := handlers.NewRecordingNotifier()
	deps := handlers.Deps{
		Fetcher: handlers.StaticFetcher{
			"https://example.test/orders": []any{
				map[string]any{"region": "US", "units": 3.0, "price": 2.5},
				map[string]any{"region": "EU", "units": 8.0, "price": 1.0},
				map[string]any{"region": "US", "units": 1.0, "price": 10.0},
			},
		},
		Notifier: notifier,
	}
	return deps, notifier
}

func TestETLPipelineEndToEnd(t *testing.T) {
	deps, notifier := etlDeps()
	eng := New(handlers.NewDefaultRegistry(deps))
	require.NoError(t, eng.Load(mustLoadDoc(t, etlPipelineDoc)))

	ctx := context.Background()

	// Tick 1: the connector lands raw; the processor and adapter wait
	// on inputs that do not exist yet.
	res, err := eng.TickOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.Tick)
	assert.Contains(t, res.Record.Patch, "raw")
	assert.NotContains(t, res.Record.Patch, "clean")
	assert.Empty(t, notifier.Calls())

	// Tick 2: the processor sees raw and emits the cleaned rows.
	res, err = eng.TickOnce(ctx)
	require.NoError(t, err)
	require.Contains(t, res.Record.Patch, "clean")
	rows, ok := res.Record.Patch["clean"].([]any)
	require.True(t, ok, "clean should be a row list, got %T", res.Record.Patch["clean"])
	require.Len(t, rows, 2)
	first, ok := rows[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "US", first["region"])
	assert.InDelta(t, 7.5, first["revenue"], 1e-9)
	assert.Empty(t, notifier.Calls())

	// Tick 3: the adapter's trigger is live, it fires once and stops.
	res, err = eng.TickOnce(ctx)
	require.NoError(t, err)
	require.Len(t, notifier.Calls(), 1)
	assert.Equal(t, "stopped", res.Record.StatusChanges["notify"])

	// Tick 4: steady state. Same rows, no second delivery.
	_, err = eng.TickOnce(ctx)
	require.NoError(t, err)
	assert.Len(t, notifier.Calls(), 1)

	exported, err := eng.ExportDocument()
	require.NoError(t, err)
	assert.Equal(t, document.StatusStopped, exported.Services["notify"].Status)
	assert.Equal(t, document.StatusRunning, exported.Services["fetch"].Status)
	assert.Contains(t, exported.State, "clean")
	require.NotNil(t, exported.Services["fetch"].LastRun)
	assert.Equal(t, uint64(4), *exported.Services["fetch"].LastRun)
	require.NotNil(t, exported.Services["notify"].LastRun)
	assert.Equal(t, uint64(3), *exported.Services["notify"].LastRun,
		"a stopped service keeps the tick it last executed")

	ok, detail := eng.Ledger().Verify()
	assert.True(t, ok, detail)
	assert.Equal(t, 4, eng.Ledger().Length())
}

func TestReplayIsDeterministic(t *testing.T) {
	run := func() (string, []byte) {
		deps, _ := etlDeps()
		eng := New(handlers.NewDefaultRegistry(deps))
		require.NoError(t, eng.Load(mustLoadDoc(t, etlPipelineDoc)))
		for i := 0; i < 5; i++ {
			_, err := eng.TickOnce(context.Background())
			require.NoError(t, err)
		}
		exported, err := eng.ExportDocument()
		require.NoError(t, err)
		state, err := json.Marshal(exported.State)
		require.NoError(t, err)
		return eng.Ledger().Head(), state
	}

	head1, state1 := run()
	head2, state2 := run()
	assert.Equal(t, head1, head2, "identical inputs must chain to the same head")
	assert.JSONEq(t, string(state1), string(state2))
}

const singleConnectorDoc = `{
  "spc_version": "1.0.0",
  "meta": {"name": "single"},
  "services": {
    "only": {
      "type": "connector",
      "spec": {"url": "stub://only", "outputKey": "out"},
      "status": "%s"
    }
  },
  "state": {"seed": "kept"}
}`

func TestNoOpTickAdvancesCounterAndChain(t *testing.T) {
	registry := stubRegistry(map[document.Type]stubHandler{
		document.TypeConnector: {fn: func(context.Context, *document.Service, contracts.StateView) (handlers.Result, error) {
			t.Fatal("stopped service must not execute")
			return handlers.Result{}, nil
		}},
	})
	eng := New(registry)
	require.NoError(t, eng.Load(mustLoadDoc(t, fmt.Sprintf(singleConnectorDoc, "stopped"))))

	res, err := eng.TickOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.Tick)
	assert.Empty(t, res.Events)
	assert.Empty(t, res.Record.Patch)
	assert.Nil(t, res.Record.StatusChanges)

	res, err = eng.TickOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), res.Tick)

	exported, err := eng.ExportDocument()
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"seed": "kept"}, exported.State)

	ok, detail := eng.Ledger().Verify()
	assert.True(t, ok, detail)
	assert.Equal(t, 2, eng.Ledger().Length())
}

const twoConnectorsDoc = `{
  "spc_version": "1.0.0",
  "meta": {"name": "pair"},
  "services": {
    "a-writer": {
      "type": "connector",
      "spec": {"url": "stub://a", "outputKey": "a"},
      "status": "running"
    },
    "b-reader": {
      "type": "connector",
      "spec": {"url": "stub://b", "outputKey": "b"},
      "status": "running"
    }
  },
  "state": {}
}`

func TestPatchesInvisibleUntilNextTick(t *testing.T) {
	seen := make(map[uint64]bool)
	registry := stubRegistry(map[document.Type]stubHandler{
		document.TypeConnector: {fn: func(_ context.Context, svc *document.Service, view contracts.StateView) (handlers.Result, error) {
			switch svc.ID {
			case "a-writer":
				return handlers.Result{State: contracts.StatePatch{"shared": "from-a"}}, nil
			default:
				_, present := view.Get("shared")
				seen[view.Tick()] = present
				return handlers.Result{}, nil
			}
		}},
	})
	eng := New(registry)
	require.NoError(t, eng.Load(mustLoadDoc(t, twoConnectorsDoc)))

	for i := 0; i < 2; i++ {
		_, err := eng.TickOnce(context.Background())
		require.NoError(t, err)
	}

	assert.False(t, seen[1], "a same-tick write must not be visible to peers")
	assert.True(t, seen[2], "last tick's commit must be visible on the next tick")
}

func TestConflictingWritesResolveToLaterScanPosition(t *testing.T) {
	registry := stubRegistry(map[document.Type]stubHandler{
		document.TypeConnector: {fn: func(_ context.Context, svc *document.Service, _ contracts.StateView) (handlers.Result, error) {
			return handlers.Result{State: contracts.StatePatch{"shared": svc.ID}}, nil
		}},
	})
	eng := New(registry)
	require.NoError(t, eng.Load(mustLoadDoc(t, twoConnectorsDoc)))

	res, err := eng.TickOnce(context.Background())
	require.NoError(t, err)

	// Scan order is sorted service ID, so b-reader writes last and wins.
	assert.Equal(t, "b-reader", res.Record.Patch["shared"])

	var conflict *contracts.Event
	for i := range res.Events {
		if res.Events[i].Name == "conflict" {
			conflict = &res.Events[i]
		}
	}
	require.NotNil(t, conflict, "duplicate writers must surface a conflict event")
	assert.Equal(t, contracts.LevelWarn, conflict.Level)
	assert.Contains(t, conflict.Message, "a-writer")
	assert.Contains(t, conflict.Message, "b-reader")
}

func TestHandlerTimeoutIsAFailedFire(t *testing.T) {
	registry := stubRegistry(map[document.Type]stubHandler{
		document.TypeConnector: {fn: func(ctx context.Context, _ *document.Service, _ contracts.StateView) (handlers.Result, error) {
			<-ctx.Done()
			// Linger past the deadline so the scheduler observably
			// abandons the invocation rather than racing its reply.
			time.Sleep(100 * time.Millisecond)
			return handlers.Result{State: contracts.StatePatch{"out": "late"}}, ctx.Err()
		}},
	})
	eng := New(registry).WithHandlerTimeout(20 * time.Millisecond)
	require.NoError(t, eng.Load(mustLoadDoc(t, fmt.Sprintf(singleConnectorDoc, "running"))))

	res, err := eng.TickOnce(context.Background())
	require.NoError(t, err, "a handler timeout fails the service, not the tick")

	require.Len(t, res.Events, 1)
	assert.Equal(t, "timeout", res.Events[0].Name)
	assert.Equal(t, contracts.LevelError, res.Events[0].Level)
	assert.Equal(t, "only", res.Events[0].For)
	assert.Empty(t, res.Record.Patch, "no patch from a timed-out handler")

	exported, err := eng.ExportDocument()
	require.NoError(t, err)
	assert.Equal(t, document.StatusRunning, exported.Services["only"].Status,
		"a failed fire never advances the lifecycle")
}

func TestStopTakesEffectAtTickBoundary(t *testing.T) {
	var eng *Engine
	ticks := 0
	registry := stubRegistry(map[document.Type]stubHandler{
		document.TypeConnector: {fn: func(context.Context, *document.Service, contracts.StateView) (handlers.Result, error) {
			ticks++
			eng.Stop()
			return handlers.Result{State: contracts.StatePatch{"out": ticks}}, nil
		}},
	})
	eng = New(registry)
	require.NoError(t, eng.Load(mustLoadDoc(t, fmt.Sprintf(singleConnectorDoc, "running"))))

	require.NoError(t, eng.Start(context.Background()))

	// The tick running when Stop arrived completed in full; nothing ran
	// after the boundary.
	assert.Equal(t, 1, ticks)
	assert.Equal(t, 1, eng.Ledger().Length())
	assert.Equal(t, PhaseIdle, eng.Phase())
}

func TestStartDrainsWhenNothingRuns(t *testing.T) {
	ticks := 0
	registry := stubRegistry(map[document.Type]stubHandler{
		document.TypeConnector: {fn: func(context.Context, *document.Service, contracts.StateView) (handlers.Result, error) {
			ticks++
			return handlers.Result{State: contracts.StatePatch{"out": "v"}}, nil
		}},
	})
	eng := New(registry)

	doc := mustLoadDoc(t, fmt.Sprintf(singleConnectorDoc, "running"))
	falsy := false
	doc.Services["only"].Modifiers.Persistent = &falsy
	require.NoError(t, eng.Load(doc))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, eng.Start(ctx))

	// One tick retired the only service; Start returned on its own.
	assert.Equal(t, 1, ticks)
	assert.Equal(t, 1, eng.Ledger().Length())

	exported, err := eng.ExportDocument()
	require.NoError(t, err)
	assert.Equal(t, document.StatusStopped, exported.Services["only"].Status)
}

const monitorAlertDoc = `{
  "spc_version": "1.0.0",
  "meta": {"name": "cac-watch"},
  "services": {
    "ingest": {
      "type": "connector",
      "spec": {"url": "stub://metrics", "outputKey": "metrics"},
      "status": "running"
    },
    "watch": {
      "type": "monitor",
      "spec": {
        "dataKey": "metrics",
        "checks": [{"name": "cac-high", "expr": "cac > 100.0"}],
        "emit": "onChange",
        "outputKey": "alerts"
      },
      "status": "running"
    },
    "page": {
      "type": "adapter",
      "spec": {
        "kind": "webhook",
        "endpoint": "https://hooks.example.test/page",
        "idempotency_key": "cac-page",
        "triggerKey": "alerts",
        "payloadKey": "metrics"
      },
      "status": "running",
      "modifiers": {"hold": true}
    }
  },
  "state": {}
}`

func TestMonitorEdgeRearmsAdapterAcrossEpochs(t *testing.T) {
	// cac per tick: below the threshold, spiking, recovering, spiking
	// again. The adapter must page exactly once per spike.
	script := map[uint64]float64{
		1: 50, 2: 50, 3: 150, 4: 150, 5: 50, 6: 150, 7: 150, 8: 150,
	}

	notifier := handlers.NewRecordingNotifier()
	eval := expr.NewEvaluator()
	registry := handlers.NewRegistry()
	require.NoError(t, registry.Register(document.TypeConnector, stubHandler{
		fn: func(_ context.Context, _ *document.Service, view contracts.StateView) (handlers.Result, error) {
			return handlers.Result{State: contracts.StatePatch{
				"metrics": map[string]any{"cac": script[view.Tick()]},
			}}, nil
		},
	}, handlers.LifecyclePolicy{}))
	require.NoError(t, registry.Register(document.TypeMonitor,
		handlers.NewMonitorHandler(eval), handlers.LifecyclePolicy{}))
	require.NoError(t, registry.Register(document.TypeAdapter,
		handlers.NewAdapterHandler(notifier, handlers.NewMemoryIdempotencyStore()),
		handlers.LifecyclePolicy{AutoStop: true}))

	eng := New(registry)
	require.NoError(t, eng.Load(mustLoadDoc(t, monitorAlertDoc)))

	callsAfter := make(map[int]int)
	for i := 1; i <= 8; i++ {
		_, err := eng.TickOnce(context.Background())
		require.NoError(t, err)
		callsAfter[i] = len(notifier.Calls())
	}

	// The spike written at tick 3 reaches the monitor at tick 4 and the
	// adapter at tick 5. The recovery and second spike replay the edge,
	// so the second page lands at tick 8.
	assert.Equal(t, 0, callsAfter[4])
	assert.Equal(t, 1, callsAfter[5])
	assert.Equal(t, 1, callsAfter[7], "steady or recovered alert state must not re-page")
	assert.Equal(t, 2, callsAfter[8], "a fresh epoch must re-arm the adapter")

	// hold keeps the adapter running through both firings.
	exported, err := eng.ExportDocument()
	require.NoError(t, err)
	assert.Equal(t, document.StatusRunning, exported.Services["page"].Status)

	ok, detail := eng.Ledger().Verify()
	assert.True(t, ok, detail)
}

const routerGateDoc = `{
  "spc_version": "1.0.0",
  "meta": {"name": "gated"},
  "services": {
    "route": {
      "type": "router",
      "spec": {"expr": "ready", "onTrue": {"start": ["fetch"]}},
      "status": "running",
      "modifiers": {"persistent": false}
    },
    "fetch": {
      "type": "connector",
      "spec": {"url": "stub://gated", "outputKey": "out"},
      "status": "stopped"
    }
  },
  "state": {"ready": true}
}`

func TestRouterStartsDownstreamBeforeLifecycle(t *testing.T) {
	fetched := 0
	eval := expr.NewEvaluator()
	registry := handlers.NewRegistry()
	require.NoError(t, registry.Register(document.TypeRouter,
		handlers.NewRouterHandler(eval), handlers.LifecyclePolicy{}))
	require.NoError(t, registry.Register(document.TypeConnector, stubHandler{
		fn: func(context.Context, *document.Service, contracts.StateView) (handlers.Result, error) {
			fetched++
			return handlers.Result{State: contracts.StatePatch{"out": "fetched"}}, nil
		},
	}, handlers.LifecyclePolicy{}))

	eng := New(registry)
	require.NoError(t, eng.Load(mustLoadDoc(t, routerGateDoc)))

	res, err := eng.TickOnce(context.Background())
	require.NoError(t, err)

	// One record carries both the router's directive and its own
	// retirement under persistent: false.
	assert.Equal(t, "running", res.Record.StatusChanges["fetch"])
	assert.Equal(t, "stopped", res.Record.StatusChanges["route"])
	assert.Zero(t, fetched, "a service started this tick first executes next tick")

	res, err = eng.TickOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, fetched)
	assert.Equal(t, "fetched", res.Record.Patch["out"])
}

func TestLoadRejectsUnregisteredType(t *testing.T) {
	registry := stubRegistry(map[document.Type]stubHandler{
		document.TypeConnector: {fn: func(context.Context, *document.Service, contracts.StateView) (handlers.Result, error) {
			return handlers.Result{}, nil
		}},
	})
	eng := New(registry)

	err := eng.Load(mustLoadDoc(t, monitorAlertDoc))
	require.Error(t, err)
	assert.ErrorIs(t, err, handlers.ErrUnknownPrimitiveType)
	assert.Contains(t, err.Error(), "page")
}

func TestTickWithoutLoadFails(t *testing.T) {
	eng := New(handlers.NewRegistry())
	_, err := eng.TickOnce(context.Background())
	assert.ErrorIs(t, err, ErrNotLoaded)
}

func TestSubscribersReceiveCompletedTicks(t *testing.T) {
	registry := stubRegistry(map[document.Type]stubHandler{
		document.TypeConnector: {fn: func(context.Context, *document.Service, contracts.StateView) (handlers.Result, error) {
			return handlers.Result{State: contracts.StatePatch{"out": "v"}}, nil
		}},
	})
	eng := New(registry)
	require.NoError(t, eng.Load(mustLoadDoc(t, fmt.Sprintf(singleConnectorDoc, "running"))))

	sub := eng.Subscribe()
	res, err := eng.TickOnce(context.Background())
	require.NoError(t, err)

	select {
	case got := <-sub:
		assert.Equal(t, res.Tick, got.Tick)
		assert.Equal(t, res.Record.Hash, got.Record.Hash)
	default:
		t.Fatal("subscriber did not receive the tick result")
	}
}

func TestMaxTicksStopsRunAndClosesSubscription(t *testing.T) {
	registry := stubRegistry(map[document.Type]stubHandler{
		document.TypeConnector: {fn: func(context.Context, *document.Service, contracts.StateView) (handlers.Result, error) {
			return handlers.Result{State: contracts.StatePatch{"out": "v"}}, nil
		}},
	})
	eng := New(registry).WithMaxTicks(3)
	require.NoError(t, eng.Load(mustLoadDoc(t, fmt.Sprintf(singleConnectorDoc, "running"))))

	sub := eng.Subscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, eng.Start(ctx))
	assert.Equal(t, 3, eng.Ledger().Length())

	// The subscription closed with the run; a draining loop terminates
	// on its own and sees every tick in order.
	var seen []uint64
	for res := range sub {
		seen = append(seen, res.Tick)
	}
	assert.Equal(t, []uint64{1, 2, 3}, seen)

	// The connector stays running; only the tick limit ended the run.
	exported, err := eng.ExportDocument()
	require.NoError(t, err)
	assert.Equal(t, document.StatusRunning, exported.Services["only"].Status)
}

func TestLoadResetsRunState(t *testing.T) {
	deps, _ := etlDeps()
	eng := New(handlers.NewDefaultRegistry(deps))
	require.NoError(t, eng.Load(mustLoadDoc(t, etlPipelineDoc)))

	_, err := eng.TickOnce(context.Background())
	require.NoError(t, err)
	firstRun := eng.RunID()
	require.NotEmpty(t, firstRun)
	require.Equal(t, 1, eng.Ledger().Length())

	require.NoError(t, eng.Load(mustLoadDoc(t, etlPipelineDoc)))
	assert.NotEqual(t, firstRun, eng.RunID())
	assert.Equal(t, 0, eng.Ledger().Length())

	res, err := eng.TickOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.Tick)
}
