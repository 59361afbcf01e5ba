package stats_test

import (
	"math"
	"testing"

	"github.com/funnel-goat/funnel-goat/internal/stats"
)

func TestSignificanceTest_ClearWinner(t *testing.T) {
	// A: 10% (100/1000), B: 5% (50/1000)
	confidence := stats.SignificanceTest(100, 1000, 50, 1000)

	if confidence < 0.95 {
		t.Errorf("expected high confidence (>0.95), got %f", confidence)
	}
}

func TestSignificanceTest_NoSignificance(t *testing.T) {
	confidence := stats.SignificanceTest(50, 1000, 50, 1000)

	if math.Abs(confidence-0.5) > 1e-9 {
		t.Errorf("expected 0.5 for equal rates, got %f", confidence)
	}
}

func TestSignificanceTest_ZeroViews(t *testing.T) {
	if c := stats.SignificanceTest(0, 0, 0, 0); c != 0.5 {
		t.Errorf("expected 0.5 for zero views, got %f", c)
	}
	if c := stats.SignificanceTest(10, 100, 0, 0); c != 0.5 {
		t.Errorf("expected 0.5 when only one arm has data, got %f", c)
	}
}

func TestWilsonInterval(t *testing.T) {
	lower, upper := stats.WilsonInterval(35, 700, 0.95)

	if lower >= 0.05 || upper <= 0.05 {
		t.Errorf("expected interval around 0.05, got [%f, %f]", lower, upper)
	}
	if lower < 0 || upper > 1 {
		t.Errorf("interval out of range: [%f, %f]", lower, upper)
	}

	if l, u := stats.WilsonInterval(0, 0, 0.95); l != 0 || u != 0 {
		t.Errorf("expected zero interval for no trials, got [%f, %f]", l, u)
	}
}

func TestZScore(t *testing.T) {
	if z := stats.ZScore(0.95); z != 1.96 {
		t.Errorf("expected 1.96, got %f", z)
	}
	if z := stats.ZScore(0.80); math.Abs(z-1.2816) > 0.001 {
		t.Errorf("expected ~1.2816 for 80%%, got %f", z)
	}
}

func TestCompare_UsesControlAsBaseline(t *testing.T) {
	arms := []stats.Arm{
		{Key: "B", Visitors: 1000, Conversions: 100},
		{Key: "A", Visitors: 1000, Conversions: 50, Control: true},
	}
	got := stats.Compare(arms, 0.95)

	if len(got) != 2 {
		t.Fatalf("expected 2 results, got %d", len(got))
	}
	if got[1].ConfidenceVsControl != 0.5 {
		t.Errorf("expected control to report 0.5, got %f", got[1].ConfidenceVsControl)
	}
	if got[0].ConfidenceVsControl < 0.95 {
		t.Errorf("expected B to beat control with high confidence, got %f", got[0].ConfidenceVsControl)
	}
	if got[0].Rate != 0.1 {
		t.Errorf("expected rate 0.1, got %f", got[0].Rate)
	}
}
