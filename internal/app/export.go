package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"trade-halt-breaker/internal/numeric"
	"trade-halt-breaker/internal/storage"
)

// Export renders a pair's price history as CSV and/or PNG. Each exported row
// carries the fluctuation against the newest price at least one listen window
// older inside the export range, which is what the breaker itself compares.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	defer closeStore()

	pair := storage.Pair{Coin: opts.Coin, Currency: opts.Currency}

	windowSeconds := a.Config.Breaker.Template.ListenWindowSeconds
	setting, err := store.GetPairSetting(ctx, pair)
	if err != nil {
		return err
	}
	if setting != nil {
		windowSeconds = setting.ListenWindowSeconds
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := to.Add(-24 * time.Hour)
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	prices, err := store.ListTradePrices(ctx, pair, from.UnixMilli(), to.UnixMilli(), opts.MaxPoints)
	if err != nil {
		return err
	}
	if len(prices) == 0 {
		a.Logger.Info().Str("pair", pair.String()).Msg("no trade prices found for export window")
		return nil
	}

	points := buildExportPoints(prices, windowSeconds)
	downsampled := downsamplePoints(points, opts.MaxPoints)
	a.Logger.Info().
		Str("pair", pair.String()).
		Int("total", len(points)).
		Int("exported", len(downsampled)).
		Msg("exporting trade prices")

	if opts.CSVPath != "" {
		if err := writePricesCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}
	if opts.PNGPath != "" {
		if err := writePricesPNG(opts.PNGPath, pair, downsampled); err != nil {
			return err
		}
	}
	return nil
}

type exportPoint struct {
	TradedAt       time.Time
	TradeID        int64
	Price          string
	FluctuationPct string

	priceF       float64
	fluctuationF float64
	hasRef       bool
}

func buildExportPoints(prices []storage.TradePrice, windowSeconds int) []exportPoint {
	sort.Slice(prices, func(i, j int) bool { return prices[i].TradedAtMs < prices[j].TradedAtMs })

	windowMs := numeric.SecondsToMillis(windowSeconds)
	points := make([]exportPoint, 0, len(prices))

	for i, row := range prices {
		point := exportPoint{
			TradedAt: time.UnixMilli(row.TradedAtMs).UTC(),
			TradeID:  row.TradeID,
			Price:    row.Price.String(),
			priceF:   row.Price.InexactFloat64(),
		}

		// Newest earlier row that is at least one window old. Rows are sorted
		// ascending so a backwards scan finds it first.
		cutoff := row.TradedAtMs - windowMs
		for j := i - 1; j >= 0; j-- {
			if prices[j].TradedAtMs > cutoff {
				continue
			}
			fluctuation, err := numeric.FluctuationPercent(row.Price, prices[j].Price)
			if err == nil {
				point.FluctuationPct = fluctuation.String()
				point.fluctuationF = fluctuation.InexactFloat64()
				point.hasRef = true
			}
			break
		}

		points = append(points, point)
	}
	return points
}

func downsamplePoints(points []exportPoint, max int) []exportPoint {
	if max <= 0 || len(points) <= max {
		return points
	}

	result := make([]exportPoint, 0, max)
	step := float64(len(points)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(points) {
			idx = len(points) - 1
		}
		result = append(result, points[idx])
	}
	return result
}

func writePricesCSV(path string, points []exportPoint) error {
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

	header := []string{"traded_at", "trade_id", "price", "fluctuation_pct"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, point := range points {
		record := []string{
			point.TradedAt.Format(time.RFC3339Nano),
			strconv.FormatInt(point.TradeID, 10),
			point.Price,
			point.FluctuationPct,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writePricesPNG(path string, pair storage.Pair, points []exportPoint) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(points))
	price := make([]float64, len(points))
	fluctX := make([]time.Time, 0, len(points))
	fluct := make([]float64, 0, len(points))

	for i, point := range points {
		x[i] = point.TradedAt
		price[i] = point.priceF
		if point.hasRef {
			fluctX = append(fluctX, point.TradedAt)
			fluct = append(fluct, point.fluctuationF)
		}
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.6f")
	}
	graph := chart.Chart{
		Title:  pair.String(),
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Price",
			ValueFormatter: priceFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Fluctuation (%)",
			ValueFormatter: priceFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Price",
				XValues: x,
				YValues: price,
			},
		},
	}
	if len(fluct) > 0 {
		graph.Series = append(graph.Series, chart.TimeSeries{
			Name:    "Fluctuation %",
			XValues: fluctX,
			YValues: fluct,
			YAxis:   chart.YAxisSecondary,
		})
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

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
