package handlers

import (
	"context"
	"fmt"

	"github.com/tidewater-labs/spc/pkg/contracts"
	"github.com/tidewater-labs/spc/pkg/document"
	"github.com/tidewater-labs/spc/pkg/expr"
)

// ProcessorHandler applies an ordered sequence of pipes over the value at
// inputKey, writing the transformed value to outputKey. A list input is
// processed row-wise; a scalar passes through the pipes as the single
// variable `value`.
type ProcessorHandler struct {
	eval *expr.Evaluator
}

func NewProcessorHandler(eval *expr.Evaluator) *ProcessorHandler {
	return &ProcessorHandler{eval: eval}
}

func (h *ProcessorHandler) Execute(_ context.Context, svc *document.Service, view contracts.StateView) (Result, error) {
	spec, ok := svc.Spec.(*document.ProcessorSpec)
	if !ok {
		return Result{}, fmt.Errorf("processor %s: wrong spec shape %T", svc.ID, svc.Spec)
	}

	input, exists := view.Get(spec.InputKey)
	if !exists {
		// Upstream has not produced yet; legal, not an error.
		return Result{
			Events: []contracts.Event{
				event(view, "waiting", svc.ID, contracts.LevelInfo, "input %s not present", spec.InputKey),
			},
		}, nil
	}

	output, keep, err := h.runPipes(spec.Pipes, input)
	if err != nil {
		return Result{}, err
	}
	if !keep {
		// A rejected scalar drops the write entirely. Any previous
		// value at outputKey stays untouched, the same way filtered
		// rows simply vanish from a list output.
		return Result{
			Events: []contracts.Event{
				event(view, "filtered", svc.ID, contracts.LevelInfo, "%s rejected by select", spec.InputKey),
			},
		}, nil
	}

	return Result{
		State: contracts.StatePatch{spec.OutputKey: output},
		Events: []contracts.Event{
			event(view, "processed", svc.ID, contracts.LevelInfo, "%s -> %s (%d pipes)", spec.InputKey, spec.OutputKey, len(spec.Pipes)),
		},
		Fired: true,
	}, nil
}

// runPipes returns the transformed value and whether it survived. Only a
// scalar rejected by a select comes back with keep false; a list input
// always survives, possibly empty.
func (h *ProcessorHandler) runPipes(pipes []document.Pipe, input any) (any, bool, error) {
	if rows, ok := input.([]any); ok {
		out, err := h.runRowPipes(pipes, rows)
		if err != nil {
			return nil, false, err
		}
		return out, true, nil
	}

	// Scalar path: each pipe sees the current value as `value`.
	current := input
	for i, pipe := range pipes {
		vars := map[string]any{"value": current}
		switch pipe.Op {
		case document.PipeSelect:
			keep, err := h.eval.EvalBool(pipe.Expr, vars)
			if err != nil {
				return nil, false, &ExpressionError{PipeIndex: i, Err: err}
			}
			if !keep {
				return nil, false, nil
			}
		case document.PipeDerive:
			out, err := h.eval.Eval(pipe.Expr, vars)
			if err != nil {
				return nil, false, &ExpressionError{PipeIndex: i, Err: err}
			}
			current = out
		}
	}
	return current, true, nil
}

// runRowPipes applies pipes in declared order over the whole row set:
// select filters rows, derive adds a computed field to each survivor.
// Row fields are bound as top-level identifiers alongside `row`.
func (h *ProcessorHandler) runRowPipes(pipes []document.Pipe, rows []any) ([]any, error) {
	current := rows
	for i, pipe := range pipes {
		next := make([]any, 0, len(current))
		for _, raw := range current {
			row, isMap := raw.(map[string]any)
			vars := map[string]any{"row": raw}
			if isMap {
				for k, v := range row {
					vars[k] = v
				}
			}
			switch pipe.Op {
			case document.PipeSelect:
				keep, err := h.eval.EvalBool(pipe.Expr, vars)
				if err != nil {
					return nil, &ExpressionError{PipeIndex: i, Err: err}
				}
				if keep {
					next = append(next, raw)
				}
			case document.PipeDerive:
				out, err := h.eval.Eval(pipe.Expr, vars)
				if err != nil {
					return nil, &ExpressionError{PipeIndex: i, Err: err}
				}
				if isMap {
					derived := make(map[string]any, len(row)+1)
					for k, v := range row {
						derived[k] = v
					}
					derived[pipe.As] = out
					next = append(next, derived)
				} else {
					next = append(next, out)
				}
			}
		}
		current = next
	}
	return current, nil
}
