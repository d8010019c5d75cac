package settlement

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestFeeScheduleCompute(t *testing.T) {
	schedule := FeeSchedule{BasisPoints: d("25"), Floor: d("0.0001")}
	if got := schedule.Compute(d("2")); !got.Equal(d("0.005")) {
		t.Fatalf("expected 0.005, got %s", got)
	}
	if got := schedule.Compute(d("0.01")); !got.Equal(d("0.0001")) {
		t.Fatalf("expected floor, got %s", got)
	}
	if err := (FeeSchedule{BasisPoints: d("-1"), Floor: decimal.Zero}).Validate(); err == nil {
		t.Fatalf("negative bps accepted")
	}
	if got := (FeeTable{}).For("PAXG").Compute(d("100")); !got.IsZero() {
		t.Fatalf("missing schedule should be free, got %s", got)
	}
}
