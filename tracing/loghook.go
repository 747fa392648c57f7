package tracing

import (
	"github.com/sirupsen/logrus"

	"github.com/sarchlab/xdma/hooking"
	"github.com/sarchlab/xdma/xdma"
)

// RequestLogger is a hook for logging requests as they move through a
// channel.
type RequestLogger struct {
	log   *logrus.Logger
	level logrus.Level
}

// NewRequestLogger returns a new RequestLogger which writes into the logger
// at the given level.
func NewRequestLogger(logger *logrus.Logger, level logrus.Level) *RequestLogger {
	return &RequestLogger{log: logger, level: level}
}

// Func writes the request information into the logger.
func (h *RequestLogger) Func(ctx hooking.HookCtx) {
	if !h.log.IsLevelEnabled(h.level) {
		return
	}

	entry := h.log.WithFields(logrus.Fields{
		"where": ctx.Domain.Name(),
		"event": ctx.Pos.Name,
	})

	switch item := ctx.Item.(type) {
	case xdma.Request:
		entry = entry.WithFields(logrus.Fields{
			"req": item.ID,
			"dir": item.Direction.String(),
			"len": item.Len,
		})

		if ctx.Pos == xdma.HookPosReqComplete {
			entry = entry.WithField("transferred", item.Status.Transferred)
		}

		if item.Status.Err != nil {
			entry = entry.WithError(item.Status.Err)
		}
	case xdma.Status:
		entry = entry.WithField("transferred", item.Transferred)
		if item.Err != nil {
			entry = entry.WithError(item.Err)
		}
	default:
		return
	}

	entry.Log(h.level, "request event")
}
