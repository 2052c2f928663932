package capability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datastory/pkg"
)

const sampleCSV = `id,price,qty,category,flag
1,10.5,2,a,true
2,20.5,4,b,false
3,30.5,6,a,true
4,,8,b,false
5,50.5,10,,true
`

func TestProfileCSVShapeAndTypes(t *testing.T) {
	summary, err := ProfileCSV([]byte(sampleCSV))
	require.NoError(t, err)

	assert.Equal(t, 5, summary.Rows)
	assert.Equal(t, []string{"id", "price", "qty", "category", "flag"}, summary.Columns)
	assert.Equal(t, map[string]string{
		"id":       "int64",
		"price":    "float64",
		"qty":      "int64",
		"category": "object",
		"flag":     "bool",
	}, summary.Dtypes)
}

func TestProfileCSVBooleanColumn(t *testing.T) {
	summary, err := ProfileCSV([]byte("flag\ntrue\nfalse\ntrue\n"))
	require.NoError(t, err)
	assert.Equal(t, "bool", summary.Dtypes["flag"])

	// case-insensitive, with gaps
	summary, err = ProfileCSV([]byte("flag\nTrue\n\nFALSE\n"))
	require.NoError(t, err)
	assert.Equal(t, "bool", summary.Dtypes["flag"])

	// booleans mixed with free text stay object
	summary, err = ProfileCSV([]byte("flag\ntrue\nmaybe\n"))
	require.NoError(t, err)
	assert.Equal(t, "object", summary.Dtypes["flag"])
}

func TestProfileCSVMissingValues(t *testing.T) {
	summary, err := ProfileCSV([]byte(sampleCSV))
	require.NoError(t, err)

	assert.Equal(t, 2, summary.MissingCells)

	price := summary.ColumnInfo["price"]
	assert.Equal(t, 1, price.Missing)
	assert.InDelta(t, 20.0, price.MissingPct, 0.001)

	id := summary.ColumnInfo["id"]
	assert.Equal(t, 0, id.Missing)
	assert.Equal(t, 5, id.Unique)
}

func TestProfileCSVNumericStats(t *testing.T) {
	summary, err := ProfileCSV([]byte(sampleCSV))
	require.NoError(t, err)

	qty, ok := summary.NumericStats["qty"]
	require.True(t, ok)
	assert.Equal(t, 2.0, qty.Min)
	assert.Equal(t, 10.0, qty.Max)
	assert.Equal(t, 6.0, qty.Mean)
	assert.InDelta(t, 3.1623, qty.Std, 0.001)

	_, ok = summary.NumericStats["category"]
	assert.False(t, ok, "categorical columns carry no numeric stats")
}

func TestProfileCSVCorrelations(t *testing.T) {
	summary, err := ProfileCSV([]byte(sampleCSV))
	require.NoError(t, err)

	// qty is exactly 2*id, so the pair correlates perfectly; pairs appear in
	// header order.
	require.NotEmpty(t, summary.Correlations)
	assert.Contains(t, summary.Correlations, pkg.Correlation{
		Columns:     [2]string{"id", "qty"},
		Correlation: 1,
	})
	for i := 1; i < len(summary.Correlations); i++ {
		prev, cur := summary.Correlations[i-1].Columns, summary.Correlations[i].Columns
		assert.NotEqual(t, prev, cur)
	}
}

func TestProfileCSVDuplicateRows(t *testing.T) {
	data := []byte("a,b\n1,x\n1,x\n2,y\n1,x\n")
	summary, err := ProfileCSV(data)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.DuplicateRows)
}

func TestProfileCSVSummaryText(t *testing.T) {
	summary, err := ProfileCSV([]byte(sampleCSV))
	require.NoError(t, err)
	assert.Equal(t,
		"Dataset has 5 rows and 5 columns. Column types: 3 numeric, 2 categorical. Contains 2 missing values",
		summary.Summary)

	clean, err := ProfileCSV([]byte("a\n1\n2\n"))
	require.NoError(t, err)
	assert.Equal(t, "Dataset has 2 rows and 1 columns. Column types: 1 numeric, 0 categorical", clean.Summary)
}

func TestProfileCSVRejectsMalformedInput(t *testing.T) {
	_, err := ProfileCSV([]byte("col\n\"unterminated"))
	assert.Error(t, err)

	_, err = ProfileCSV(nil)
	assert.Error(t, err)
}

func TestProfileCSVDeterministic(t *testing.T) {
	first, err := ProfileCSV([]byte(sampleCSV))
	require.NoError(t, err)
	second, err := ProfileCSV([]byte(sampleCSV))
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

type fakeSource struct {
	data []byte
	err  error
	ref  string
}

func (f *fakeSource) GetCSV(ctx context.Context, ref string) ([]byte, error) {
	f.ref = ref
	return f.data, f.err
}

func TestProfilerInvokeFetchesByRef(t *testing.T) {
	source := &fakeSource{data: []byte(sampleCSV)}
	profiler := NewProfiler(source)

	out, err := profiler.Invoke(context.Background(), Input{Dataset: DatasetContext{Ref: "ds-1"}})
	require.NoError(t, err)
	assert.Equal(t, "ds-1", source.ref)
	require.NotNil(t, out.Profile)
	assert.Equal(t, 5, out.Profile.Rows)
}

func TestProfilerInvokePrefersInlineSample(t *testing.T) {
	source := &fakeSource{err: errors.New("should not be called")}
	profiler := NewProfiler(source)

	out, err := profiler.Invoke(context.Background(), Input{
		Dataset: DatasetContext{Ref: "ds-1", SampleCSV: []byte(sampleCSV)},
	})
	require.NoError(t, err)
	assert.Empty(t, source.ref)
	assert.Equal(t, 5, out.Profile.Rows)
}

func TestProfilerInvokeClassifiesFailures(t *testing.T) {
	profiler := NewProfiler(&fakeSource{err: errors.New("db down")})
	_, err := profiler.Invoke(context.Background(), Input{Dataset: DatasetContext{Ref: "ds-1"}})
	var ce *Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, KindTransport, ce.Kind)

	profiler = NewProfiler(&fakeSource{data: []byte("col\n\"broken")})
	_, err = profiler.Invoke(context.Background(), Input{Dataset: DatasetContext{Ref: "ds-1"}})
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, KindInvalidOutput, ce.Kind)
}
