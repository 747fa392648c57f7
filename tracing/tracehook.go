package tracing

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/sarchlab/xdma/hooking"
	"github.com/sarchlab/xdma/xdma"
)

// Task kinds produced by the transfer hook.
const (
	KindRequest  = "req"
	KindTransfer = "xfer"
	KindPeriod   = "period"
)

// Steps recorded on a request task when its transfer retires.
const (
	StepDone      = "done"
	StepFailed    = "failed"
	StepCancelled = "cancelled"
)

// CollectTrace lets the tracer collect transfer tasks from a channel. Hooked
// on a controller, it covers every channel the controller allocates later.
func CollectTrace(domain hooking.Hookable, tracer Tracer) {
	hooks := domain.Hooks()
	for _, hook := range hooks {
		hook, ok := hook.(*transferHook)
		if ok && hook.t == tracer {
			panic(fmt.Sprintf(
				"domain %s already has tracer %s",
				domain.Name(), reflect.TypeOf(tracer)))
		}
	}

	h := transferHook{t: tracer, periods: make(map[string]uint64)}
	domain.AcceptHook(&h)
}

// A transferHook turns request events of a channel into tasks. A request
// task runs from enqueue to dequeue. Its transfer task runs from submission
// to completion.
type transferHook struct {
	t Tracer

	mu      sync.Mutex
	periods map[string]uint64
}

// Func calls the tracer interfaces when the hook is triggered
func (h *transferHook) Func(ctx hooking.HookCtx) {
	where := ctx.Domain.Name()

	switch ctx.Pos {
	case xdma.HookPosReqEnqueue:
		req := ctx.Item.(xdma.Request)
		h.t.StartTask(Task{
			ID:     requestTaskID(where, req.ID),
			Kind:   KindRequest,
			What:   req.Direction.String(),
			Where:  where,
			Detail: req,
		})
	case xdma.HookPosReqSubmit:
		req := ctx.Item.(xdma.Request)
		h.t.StartTask(Task{
			ID:       transferTaskID(where, req.ID),
			ParentID: requestTaskID(where, req.ID),
			Kind:     KindTransfer,
			What:     req.Direction.String(),
			Where:    where,
			Detail:   req,
		})
	case xdma.HookPosReqComplete:
		req := ctx.Item.(xdma.Request)
		h.t.EndTask(Task{ID: transferTaskID(where, req.ID), Detail: req})
		h.t.StepTask(Task{
			ID:    requestTaskID(where, req.ID),
			Steps: []TaskStep{{What: outcome(req.Status)}},
		})
	case xdma.HookPosReqDequeue:
		req := ctx.Item.(xdma.Request)
		h.t.EndTask(Task{ID: requestTaskID(where, req.ID), Detail: req})
	case xdma.HookPosPeriodDone:
		h.period(where, ctx.Item.(xdma.Status))
	}
}

// period records a cyclic period as a task that starts and ends at once.
func (h *transferHook) period(where string, st xdma.Status) {
	h.mu.Lock()
	n := h.periods[where]
	h.periods[where]++
	h.mu.Unlock()

	task := Task{
		ID:     fmt.Sprintf("%s@period%d", where, n),
		Kind:   KindPeriod,
		What:   outcome(st),
		Where:  where,
		Detail: st,
	}

	h.t.StartTask(task)
	h.t.EndTask(task)
}

func outcome(st xdma.Status) string {
	switch {
	case st.Err == nil:
		return StepDone
	case errors.Is(st.Err, xdma.ErrCancelled):
		return StepCancelled
	default:
		return StepFailed
	}
}

// Request IDs are unique per controller only.
func requestTaskID(where, id string) string {
	return where + "@" + id
}

func transferTaskID(where, id string) string {
	return where + "@" + id + ".xfer"
}
