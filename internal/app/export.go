package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"exchange-risk-ledger/internal/stats"
)

// Export renders the liquidity trend as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	return a.withRuntime(ctx, func(rt *runtime) error {
		recs, err := rt.controller.Refresh(ctx)
		if err != nil {
			return err
		}
		trend := stats.LiquidityTrend(recs)
		if trend.Empty() {
			a.Logger.Info().Msg("no records to export")
			return nil
		}

		points := downsampleTrend(trend, opts.MaxPoints)
		a.Logger.Info().Int("total", len(trend)).Int("exported", len(points)).Msg("exporting liquidity trend")

		if opts.CSVPath != "" {
			if err := writeTrendCSV(opts.CSVPath, points); err != nil {
				return err
			}
		}
		if opts.PNGPath != "" {
			if err := writeTrendPNG(opts.PNGPath, points, a.Config.Export.ChartWidth, a.Config.Export.ChartHeight); err != nil {
				return err
			}
		}
		return nil
	})
}

func downsampleTrend(trend stats.Trend, max int) stats.Trend {
	if max <= 0 || len(trend) <= max {
		return trend
	}
	if max == 1 {
		return trend[len(trend)-1:]
	}

	result := make(stats.Trend, 0, max)
	step := float64(len(trend)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(trend) {
			idx = len(trend) - 1
		}
		result = append(result, trend[idx])
	}
	return result
}

func writeTrendCSV(path string, trend stats.Trend) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"id", "label", "created_at", "liquidity_musd", "height"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, point := range trend {
		row := []string{
			point.ID,
			point.Label,
			time.Unix(point.CreatedAt, 0).UTC().Format(time.RFC3339),
			decimal.NewFromFloat(point.Liquidity).String(),
			strconv.FormatFloat(point.Height, 'f', 4, 64),
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeTrendPNG(path string, trend stats.Trend, width, height int) error {
	if err := ensureDir(path); err != nil {
		return err
	}
	if width <= 0 {
		width = 1024
	}
	if height <= 0 {
		height = 512
	}

	bars := make([]chart.Value, len(trend))
	for i, point := range trend {
		bars[i] = chart.Value{Label: point.Label, Value: point.Height * 100}
	}

	graph := chart.BarChart{
		Title:    "Liquidity trend (% of max)",
		Width:    width,
		Height:   height,
		BarWidth: max(4, width/(2*len(trend)+1)),
		Background: chart.Style{
			Padding: chart.Box{Top: 40},
		},
		YAxis: chart.YAxis{
			Range: &chart.ContinuousRange{Min: 0, Max: 100},
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.0f%%")
			},
		},
		Bars: bars,
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
