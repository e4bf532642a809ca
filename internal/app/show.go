package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"exchange-risk-ledger/internal/model"
	"exchange-risk-ledger/internal/stats"
)

// List prints the loaded records, newest first.
func (a *App) List(ctx context.Context, out io.Writer, opts ListOptions) error {
	var filter model.Status
	if opts.Status != "" {
		status, ok := model.ParseStatus(opts.Status)
		if !ok {
			return fmt.Errorf("unknown status %q", opts.Status)
		}
		filter = status
	}

	return a.withRuntime(ctx, func(rt *runtime) error {
		recs, err := rt.controller.Refresh(ctx)
		if err != nil {
			return err
		}

		shown := 0
		writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(writer, "ID\tName\tLiquidity\tRisk\tLevel\tStatus\tCreated (UTC)")
		for _, rec := range recs {
			if filter != "" && rec.Status != filter {
				continue
			}
			if opts.Limit > 0 && shown >= opts.Limit {
				break
			}
			fmt.Fprintf(
				writer,
				"%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
				rec.ID,
				sanitizeInline(rec.Name),
				formatLiquidity(rec.Liquidity),
				rec.RiskScore,
				stats.Bucket(rec.RiskScore),
				rec.Status,
				rec.CreatedTime().Format(stats.TrendLabelLayout),
			)
			shown++
		}
		if err := writer.Flush(); err != nil {
			return err
		}
		if shown == 0 {
			fmt.Fprintln(out, "no records found")
		}
		return nil
	})
}

// Stats prints the aggregate figures.
func (a *App) Stats(ctx context.Context, out io.Writer) error {
	return a.withRuntime(ctx, func(rt *runtime) error {
		recs, err := rt.controller.Refresh(ctx)
		if err != nil {
			return err
		}
		sum := stats.Summarize(recs)

		writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintf(writer, "Total exchanges\t%d\n", sum.TotalCount)
		fmt.Fprintf(writer, "Average risk\t%s\n", sum.AverageRiskDecimal().StringFixed(2))
		fmt.Fprintf(writer, "High risk\t%d\n", sum.HighRiskCount)
		fmt.Fprintf(writer, "Verified\t%d\n", sum.VerifiedCount)
		fmt.Fprintf(writer, "Pending\t%d\n", sum.PendingCount)
		fmt.Fprintf(writer, "Rejected\t%d\n", sum.RejectedCount)
		fmt.Fprintf(writer, "Distribution (low/medium/high)\t%d/%d/%d\n", sum.Distribution.Low, sum.Distribution.Medium, sum.Distribution.High)
		return writer.Flush()
	})
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	cleaned = strings.ReplaceAll(cleaned, "\t", " ")
	return cleaned
}
