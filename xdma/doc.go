// Package xdma is a generic DMA channel layer.
//
// A Controller wraps one engine Backend and hands out Channels. A channel is
// prepared for one kind of operation: a one-shot memcpy, a cyclic transfer, a
// fixed-function FIFO stream, or scatter-gather. Scatter-gather channels
// accept consumer buffers through Enqueue, cut them into segments that the
// engine can address, and hold one descriptor per segment in a ring. Submit
// hands the descriptors to the backend, which reports completion through the
// controller. Completed requests are retired strictly in enqueue order and
// collected with Dequeue.
//
//	ch, _ := ctrl.AllocChannel(meta)
//	_ = ch.PrepScatterGather(16, 0, 4)
//	ch.SetupIntr(func(ch *xdma.Channel, st xdma.Status) { ... })
//	_ = ch.Enqueue(buf, devAddr, xdma.MemToDev)
//	_ = ch.Submit()
package xdma
