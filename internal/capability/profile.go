package capability

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"math"
	"strconv"
	"strings"

	"datastory/pkg"
)

// CSVSource resolves a dataset reference to its raw CSV content.
type CSVSource interface {
	GetCSV(ctx context.Context, ref string) ([]byte, error)
}

// Profiler computes the statistical profile of a dataset sample. Unlike the
// other capabilities it runs in-process; the uniform adapter contract still
// applies (deadline, classified failures, no side effects).
type Profiler struct {
	source CSVSource
}

// NewProfiler creates the profile capability over a dataset source.
func NewProfiler(source CSVSource) *Profiler {
	return &Profiler{source: source}
}

func (p *Profiler) Name() string {
	return NameProfile
}

// Invoke profiles the run's dataset. The sample travels with the input when
// the caller already holds it; otherwise it is fetched by reference.
func (p *Profiler) Invoke(ctx context.Context, in Input) (*Output, error) {
	data := in.Dataset.SampleCSV
	if data == nil {
		if p.source == nil {
			return nil, Transport(NameProfile, fmt.Errorf("no dataset source configured"))
		}
		var err error
		data, err = p.source.GetCSV(ctx, in.Dataset.Ref)
		if err != nil {
			return nil, Classify(NameProfile, err)
		}
	}

	summary, err := ProfileCSV(data)
	if err != nil {
		return nil, InvalidOutput(NameProfile, err)
	}

	if err := ctx.Err(); err != nil {
		return nil, Classify(NameProfile, err)
	}
	return &Output{Capability: NameProfile, Profile: summary}, nil
}

// ProfileCSV computes a profiling summary over raw CSV content: shape,
// per-column types and stats, missing/duplicate counts and notable pairwise
// correlations. Output is deterministic for a given input (columns keep
// header order, correlations keep column-pair order).
func ProfileCSV(data []byte) (*pkg.ProfileSummary, error) {
	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse CSV: %w", err)
	}
	if len(records) < 1 {
		return nil, fmt.Errorf("empty CSV")
	}

	header := records[0]
	rows := records[1:]

	summary := &pkg.ProfileSummary{
		Rows:         len(rows),
		Columns:      header,
		Dtypes:       make(map[string]string, len(header)),
		ColumnInfo:   make(map[string]pkg.ColumnInfo, len(header)),
		NumericStats: make(map[string]pkg.ColumnStats),
	}

	// Column-major values, padded with empty cells for short rows.
	values := make([][]string, len(header))
	for i := range header {
		values[i] = make([]string, len(rows))
		for j, row := range rows {
			if i < len(row) {
				values[i][j] = strings.TrimSpace(row[i])
			}
		}
	}

	numericCols, categoricalCols := 0, 0
	numeric := make(map[int][]float64)

	for i, col := range header {
		dtype := inferDtype(values[i])
		summary.Dtypes[col] = dtype

		unique := make(map[string]struct{})
		missing := 0
		for _, v := range values[i] {
			if v == "" {
				missing++
				continue
			}
			unique[v] = struct{}{}
		}
		summary.MissingCells += missing

		missingPct := 0.0
		if len(rows) > 0 {
			missingPct = float64(missing) / float64(len(rows)) * 100
		}
		summary.ColumnInfo[col] = pkg.ColumnInfo{
			Type:       dtype,
			Unique:     len(unique),
			Missing:    missing,
			MissingPct: missingPct,
		}

		if dtype == "int64" || dtype == "float64" {
			numericCols++
			var nums []float64
			for _, v := range values[i] {
				if v == "" {
					continue
				}
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					nums = append(nums, f)
				}
			}
			numeric[i] = nums
			summary.NumericStats[col] = describe(nums)
		} else {
			categoricalCols++
		}
	}

	summary.DuplicateRows = countDuplicates(rows)
	summary.Correlations = correlations(header, values, numeric)

	parts := []string{
		fmt.Sprintf("Dataset has %d rows and %d columns", summary.Rows, len(header)),
		fmt.Sprintf("Column types: %d numeric, %d categorical", numericCols, categoricalCols),
	}
	if summary.MissingCells > 0 {
		parts = append(parts, fmt.Sprintf("Contains %d missing values", summary.MissingCells))
	}
	summary.Summary = strings.Join(parts, ". ")

	return summary, nil
}

func inferDtype(values []string) string {
	sawValue, sawFloat, allBool := false, false, true
	for _, v := range values {
		if v == "" {
			continue
		}
		sawValue = true
		lower := strings.ToLower(v)
		if lower == "true" || lower == "false" {
			continue
		}
		allBool = false
		if _, err := strconv.ParseInt(v, 10, 64); err == nil {
			continue
		}
		if _, err := strconv.ParseFloat(v, 64); err == nil {
			sawFloat = true
			continue
		}
		return "object"
	}
	if !sawValue {
		return "object"
	}
	if allBool {
		return "bool"
	}
	if sawFloat {
		return "float64"
	}
	return "int64"
}

func describe(nums []float64) pkg.ColumnStats {
	if len(nums) == 0 {
		return pkg.ColumnStats{}
	}
	stats := pkg.ColumnStats{Min: nums[0], Max: nums[0]}
	sum := 0.0
	for _, f := range nums {
		if f < stats.Min {
			stats.Min = f
		}
		if f > stats.Max {
			stats.Max = f
		}
		sum += f
	}
	stats.Mean = sum / float64(len(nums))

	variance := 0.0
	for _, f := range nums {
		d := f - stats.Mean
		variance += d * d
	}
	if len(nums) > 1 {
		stats.Std = math.Sqrt(variance / float64(len(nums)-1))
	}
	return stats
}

func countDuplicates(rows [][]string) int {
	seen := make(map[string]struct{}, len(rows))
	duplicates := 0
	for _, row := range rows {
		key := strings.Join(row, "\x1f")
		if _, ok := seen[key]; ok {
			duplicates++
		} else {
			seen[key] = struct{}{}
		}
	}
	return duplicates
}

// correlations reports Pearson correlations above 0.5 in magnitude for every
// numeric column pair, in header order.
func correlations(header []string, values [][]string, numeric map[int][]float64) []pkg.Correlation {
	var cols []int
	for i := range header {
		if _, ok := numeric[i]; ok {
			cols = append(cols, i)
		}
	}

	var out []pkg.Correlation
	for a := 0; a < len(cols); a++ {
		for b := a + 1; b < len(cols); b++ {
			i, j := cols[a], cols[b]
			r, ok := pearson(values[i], values[j])
			if !ok {
				continue
			}
			r = math.Round(r*100) / 100
			if math.Abs(r) > 0.5 {
				out = append(out, pkg.Correlation{
					Columns:     [2]string{header[i], header[j]},
					Correlation: r,
				})
			}
		}
	}
	return out
}

// pearson computes the correlation over rows where both cells parse.
func pearson(xs, ys []string) (float64, bool) {
	var px, py []float64
	for k := range xs {
		x, errX := strconv.ParseFloat(xs[k], 64)
		y, errY := strconv.ParseFloat(ys[k], 64)
		if errX != nil || errY != nil {
			continue
		}
		px = append(px, x)
		py = append(py, y)
	}
	n := float64(len(px))
	if n < 2 {
		return 0, false
	}

	var sumX, sumY float64
	for k := range px {
		sumX += px[k]
		sumY += py[k]
	}
	meanX, meanY := sumX/n, sumY/n

	var cov, varX, varY float64
	for k := range px {
		dx, dy := px[k]-meanX, py[k]-meanY
		cov += dx * dy
		varX += dx * dx
		varY += dy * dy
	}
	if varX == 0 || varY == 0 {
		return 0, false
	}
	return cov / math.Sqrt(varX*varY), true
}
