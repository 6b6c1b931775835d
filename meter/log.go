package meter

import (
	"log/slog"

	"github.com/ineyio/llmbroker"
)

// LogMeter logs client events using slog.
type LogMeter struct {
	Logger *slog.Logger
}

var _ llmbroker.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, slog.Default() is used.
func NewLogMeter(logger *slog.Logger) *LogMeter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) OnSelect(e llmbroker.SelectEvent) {
	m.Logger.Info("select",
		"model", e.Model,
		"server", e.Server.Hex(),
		"candidates", e.Candidates,
		"reused", e.Reused,
	)
}

func (m *LogMeter) OnDispatch(e llmbroker.DispatchEvent) {
	m.Logger.Debug("dispatch",
		"endpoint", e.Endpoint,
		"request_id", e.RequestID,
		"messages", e.Messages,
		"max_tokens", e.MaxTokens,
	)
}

func (m *LogMeter) OnResult(e llmbroker.ResultEvent) {
	if e.Success {
		m.Logger.Info("result",
			"endpoint", e.Endpoint,
			"request_id", e.RequestID,
			"duration_ms", e.Duration.Milliseconds(),
		)
	} else {
		m.Logger.Warn("result_error",
			"endpoint", e.Endpoint,
			"request_id", e.RequestID,
			"duration_ms", e.Duration.Milliseconds(),
			"retry_safe", llmbroker.IsRetrySafe(e.Error),
			"error", e.Error,
		)
	}
}

func (m *LogMeter) OnLedgerWrite(e llmbroker.LedgerWriteEvent) {
	attrs := []any{
		"op", e.Op,
		"contract", e.Contract.Hex(),
		"duration_ms", e.Duration.Milliseconds(),
	}
	if e.Value != nil && e.Value.Sign() > 0 {
		attrs = append(attrs, "value_eth", llmbroker.FormatEther(e.Value))
	}
	if e.Error != nil {
		attrs = append(attrs,
			"unconfirmed", llmbroker.IsUnsafeToRetry(e.Error),
			"error", e.Error,
		)
		m.Logger.Error("ledger_write_error", attrs...)
		return
	}
	m.Logger.Info("ledger_write", attrs...)
}
