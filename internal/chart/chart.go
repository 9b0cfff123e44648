// Package chart turns result tables into bar-chart figures.
package chart

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/hoonartek/peggybuddy/internal/warehouse"
)

const (
	categoryColumn = "year"
	valueColumn    = "revenue"
	title          = "Revenue by Year"
)

// ErrNotChartable is returned by Bar for tables Matches rejects.
var ErrNotChartable = errors.New("table does not have exactly the year and revenue columns")

// Matches reports whether columns are exactly {year, revenue}, in any order
// and case.
func Matches(columns []string) bool {
	if len(columns) != 2 {
		return false
	}
	a, b := strings.ToLower(columns[0]), strings.ToLower(columns[1])
	return (a == categoryColumn && b == valueColumn) || (a == valueColumn && b == categoryColumn)
}

// Bar renders t as a standalone HTML bar chart.
func Bar(t *warehouse.Table) (string, error) {
	if t == nil || !Matches(t.Columns) {
		return "", ErrNotChartable
	}
	yearIdx := t.ColumnIndex(categoryColumn)
	revenueIdx := t.ColumnIndex(valueColumn)

	years := make([]string, 0, len(t.Rows))
	values := make([]opts.BarData, 0, len(t.Rows))
	for i, row := range t.Rows {
		v, err := number(row[revenueIdx])
		if err != nil {
			return "", fmt.Errorf("row %d: %w", i+1, err)
		}
		years = append(years, warehouse.FormatValue(row[yearIdx]))
		values = append(values, opts.BarData{Value: v})
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "360px"}),
		charts.WithTitleOpts(opts.Title{Title: title}),
		charts.WithXAxisOpts(opts.XAxis{Name: categoryColumn}),
		charts.WithYAxisOpts(opts.YAxis{Name: valueColumn}),
	)
	bar.SetXAxis(years).AddSeries(valueColumn, values)

	var buf bytes.Buffer
	if err := bar.Render(&buf); err != nil {
		return "", fmt.Errorf("render chart: %w", err)
	}
	return buf.String(), nil
}

func number(v any) (float64, error) {
	switch n := v.(type) {
	case nil:
		return 0, nil
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int32:
		return float64(n), nil
	}
	s := strings.TrimSpace(warehouse.FormatValue(v))
	if s == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("revenue %q is not numeric", s)
	}
	return f, nil
}
