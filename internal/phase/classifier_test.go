package phase

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/flyingwolf1701/hypertrader/internal/core"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name  string
		sells int
		buys  int
		prev  core.Phase
		want  core.Phase
	}{
		{"all sells is advance", 4, 0, core.PhaseAdvance, core.PhaseAdvance},
		{"all sells from decline is advance", 4, 0, core.PhaseDecline, core.PhaseAdvance},
		{"all buys is decline", 0, 4, core.PhaseRetracement, core.PhaseDecline},
		{"mixed after advance is retracement", 3, 1, core.PhaseAdvance, core.PhaseRetracement},
		{"mixed stays retracement", 2, 2, core.PhaseRetracement, core.PhaseRetracement},
		{"mixed after decline is recovery", 1, 3, core.PhaseDecline, core.PhaseRecovery},
		{"mixed stays recovery", 2, 2, core.PhaseRecovery, core.PhaseRecovery},
		{"empty window carries previous", 0, 0, core.PhaseRecovery, core.PhaseRecovery},
		{"mixed after reset is retracement", 2, 1, core.PhaseReset, core.PhaseRetracement},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.sells, tt.buys, tt.prev))
		})
	}
}

func TestClassify_Deterministic(t *testing.T) {
	// Same composition and same previous phase must always agree.
	for i := 0; i < 10; i++ {
		assert.Equal(t, core.PhaseRecovery, Classify(1, 3, core.PhaseDecline))
	}
}

func TestIsReset(t *testing.T) {
	assert.True(t, IsReset(core.PhaseRetracement, core.PhaseAdvance))
	assert.True(t, IsReset(core.PhaseRecovery, core.PhaseAdvance))
	assert.False(t, IsReset(core.PhaseAdvance, core.PhaseAdvance))
	assert.False(t, IsReset(core.PhaseDecline, core.PhaseAdvance))
	assert.False(t, IsReset(core.PhaseRecovery, core.PhaseDecline))
}
