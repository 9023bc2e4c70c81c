package orchestrator_test

import (
	"testing"

	"github.com/jgilcrest/tradingagent/eventbus"
)

func newMemBus(t *testing.T) *eventbus.MemBus {
	t.Helper()
	b := eventbus.NewMemBus()
	t.Cleanup(func() { _ = b.Close() })
	return b
}
