package meter

import "github.com/ineyio/llmbroker"

// NoopMeter is a meter that does nothing.
type NoopMeter struct{}

var _ llmbroker.Meter = (*NoopMeter)(nil)

func (m *NoopMeter) OnSelect(llmbroker.SelectEvent)           {}
func (m *NoopMeter) OnDispatch(llmbroker.DispatchEvent)       {}
func (m *NoopMeter) OnResult(llmbroker.ResultEvent)           {}
func (m *NoopMeter) OnLedgerWrite(llmbroker.LedgerWriteEvent) {}
