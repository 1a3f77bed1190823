package risk

import (
	"sync"
	"time"

	"trading_engine/internal/core"
	"trading_engine/pkg/telemetry"
)

// HaltSwitch is the process-wide trading circuit breaker. Once tripped, the
// gate rejects every intent until an operator resets it; there is no
// automatic cooldown.
type HaltSwitch struct {
	mu        sync.RWMutex
	tripped   bool
	reason    string
	trippedAt time.Time

	reporter core.IReporter
	logger   core.ILogger
}

func NewHaltSwitch(reporter core.IReporter, logger core.ILogger) *HaltSwitch {
	return &HaltSwitch{
		reporter: reporter,
		logger:   logger.WithField("component", "halt_switch"),
	}
}

func (h *HaltSwitch) Trip(reason string) {
	h.mu.Lock()
	if h.tripped {
		h.mu.Unlock()
		return
	}
	h.tripped = true
	h.reason = reason
	h.trippedAt = time.Now()
	h.mu.Unlock()

	h.logger.Error("Trading halted", "reason", reason)
	telemetry.GetGlobalMetrics().SetHalted(true)
	h.reporter.Report(core.Report{
		Kind:    core.ReportRiskHalt,
		Message: reason,
	})
}

func (h *HaltSwitch) Tripped() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.tripped
}

// Reset clears the halt. Operator action only.
func (h *HaltSwitch) Reset() {
	h.mu.Lock()
	wasTripped := h.tripped
	h.tripped = false
	h.reason = ""
	h.mu.Unlock()

	if wasTripped {
		h.logger.Warn("Trading halt reset by operator")
	}
	telemetry.GetGlobalMetrics().SetHalted(false)
}

func (h *HaltSwitch) Status() (tripped bool, reason string, at time.Time) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.tripped, h.reason, h.trippedAt
}
