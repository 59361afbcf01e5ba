package allocator

import (
	"context"

	"github.com/funnel-goat/funnel-goat/internal/stats"
	"github.com/funnel-goat/funnel-goat/internal/store"
)

// MinSampleSize is the visitor count every variant needs before a
// comparison is flagged significant. It is a sample-size gate, not a
// statistical test.
const MinSampleSize = 100

type VariantReport struct {
	ID             string              `json:"id"`
	Key            string              `json:"key"`
	Name           string              `json:"name,omitempty"`
	Status         store.VariantStatus `json:"status"`
	IsControl      bool                `json:"is_control"`
	Visitors       int64               `json:"visitors"`
	Conversions    int64               `json:"conversions"`
	ConversionRate float64             `json:"conversion_rate"`
	// Informational only. Rate interval is 0-1, confidence is the z-test
	// probability of beating the control.
	CILower             float64 `json:"ci_lower"`
	CIUpper             float64 `json:"ci_upper"`
	ConfidenceVsControl float64 `json:"confidence_vs_control"`
}

type ComparisonReport struct {
	FunnelID                string          `json:"funnel_id"`
	Variants                []VariantReport `json:"variants"`
	TotalVisitors           int64           `json:"total_visitors"`
	TotalConversions        int64           `json:"total_conversions"`
	ConversionRate          float64         `json:"conversion_rate"`
	BestPerforming          *VariantReport  `json:"best_performing,omitempty"`
	StatisticalSignificance bool            `json:"statistical_significance"`
	// SignificanceNote documents what StatisticalSignificance means.
	SignificanceNote string `json:"significance_note"`
}

const significanceNote = "statistical_significance only means every variant has at least 100 visitors; it is not a hypothesis test"

// Compare reports every variant of the funnel with its conversion rate.
// The best performer is the highest rate, the first one in stable order on
// ties.
func (a *Allocator) Compare(ctx context.Context, tenantID, funnelID string) (*ComparisonReport, error) {
	if _, err := a.store.GetFunnel(ctx, tenantID, funnelID); err != nil {
		return nil, err
	}
	variants, err := a.store.ListVariants(ctx, tenantID, funnelID)
	if err != nil {
		return nil, err
	}
	return BuildReport(funnelID, variants), nil
}

// BuildReport computes the comparison for variants in stable order.
func BuildReport(funnelID string, variants []*store.Variant) *ComparisonReport {
	report := &ComparisonReport{
		FunnelID:         funnelID,
		Variants:         make([]VariantReport, 0, len(variants)),
		SignificanceNote: significanceNote,
	}

	arms := make([]stats.Arm, len(variants))
	for i, v := range variants {
		arms[i] = stats.Arm{Key: v.Key, Visitors: v.Visitors, Conversions: v.Conversions, Control: v.IsControl}
	}
	armStats := stats.Compare(arms, 0.95)

	significant := len(variants) > 0
	best := -1
	for i, v := range variants {
		report.TotalVisitors += v.Visitors
		report.TotalConversions += v.Conversions
		if v.Visitors < MinSampleSize {
			significant = false
		}

		report.Variants = append(report.Variants, VariantReport{
			ID:                  v.ID,
			Key:                 v.Key,
			Name:                v.Name,
			Status:              v.Status,
			IsControl:           v.IsControl,
			Visitors:            v.Visitors,
			Conversions:         v.Conversions,
			ConversionRate:      v.ConversionRate(),
			CILower:             armStats[i].CILower,
			CIUpper:             armStats[i].CIUpper,
			ConfidenceVsControl: armStats[i].ConfidenceVsControl,
		})
		if best < 0 || v.ConversionRate() > report.Variants[best].ConversionRate {
			best = i
		}
	}

	if report.TotalVisitors > 0 {
		report.ConversionRate = float64(report.TotalConversions) / float64(report.TotalVisitors) * 100
	}
	if best >= 0 {
		b := report.Variants[best]
		report.BestPerforming = &b
	}
	report.StatisticalSignificance = significant
	return report
}
