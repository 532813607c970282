package system

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/perimeterlabs/vantage/internal/scan"
)

func TestClockNowIsUTC(t *testing.T) {
	t.Parallel()

	// The value must satisfy scan.Clock; the pool and collector take it
	// through that interface.
	var clk scan.Clock = New()

	before := time.Now().UTC().Add(-time.Second)
	got := clk.Now()
	after := time.Now().UTC().Add(time.Second)

	require.Equal(t, time.UTC, got.Location())
	require.False(t, got.Before(before), "timestamp went backwards")
	require.False(t, got.After(after), "timestamp ran ahead")
}
