package xdma

import (
	"github.com/sarchlab/xdma/hooking"
)

// Hook positions of a channel. The item of the hook context is a Request
// value for request events, and a Status for cyclic periods.
var (
	HookPosReqEnqueue  = &hooking.HookPos{Name: "ReqEnqueue"}
	HookPosReqSubmit   = &hooking.HookPos{Name: "ReqSubmit"}
	HookPosReqComplete = &hooking.HookPos{Name: "ReqComplete"}
	HookPosReqDequeue  = &hooking.HookPos{Name: "ReqDequeue"}
	HookPosPeriodDone  = &hooking.HookPos{Name: "PeriodDone"}
)

func (ch *Channel) invoke(pos *hooking.HookPos, item any) {
	if ch.NumHooks() == 0 {
		return
	}

	ch.InvokeHook(hooking.HookCtx{
		Domain: ch,
		Pos:    pos,
		Item:   item,
	})
}
