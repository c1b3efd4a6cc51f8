package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quantmill/marketsync/internal/catalog"
	"github.com/quantmill/marketsync/internal/provider"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var testFetchTime = time.Date(2024, 1, 3, 9, 30, 0, 0, time.UTC)

// quoteIface mirrors the stock_daily catalog entry in miniature.
func quoteIface() *catalog.Interface {
	return &catalog.Interface{
		Name:         "stock_daily",
		ProviderFunc: "stock_zh_a_hist",
		Table:        "market_data.stock_daily",
		Params:       []catalog.Param{{Name: "symbol", Value: "600519"}},
		Inject:       []catalog.Injection{{Field: "stock_code", Param: "symbol"}},
		BusinessKey:  []string{"trade_date", "stock_code"},
		FieldMap: map[string]string{
			"日期": "trade_date",
			"收盘": "close_price",
		},
		Schema: []catalog.Field{
			{Name: "trade_date", Type: catalog.FieldDate, Layout: "2006-01-02"},
			{Name: "stock_code", Type: catalog.FieldString},
			{Name: "close_price", Type: catalog.FieldDecimal, Nullable: true},
		},
		Mode: catalog.ModeIgnore,
	}
}

func TestClean_ValidationCompleteness(t *testing.T) {
	iface := quoteIface()
	raws := []provider.Record{
		{"日期": "2024-01-02", "收盘": 10.5},
		{"收盘": 11.0},                         // missing key
		{"日期": "2024-01-03", "收盘": 11.5},
		{"日期": nil, "收盘": 12.0},              // null key
		{"日期": "2024-01-04", "收盘": "12.25"},
	}

	records, rejects := Clean(raws, iface, iface.Params, testFetchTime)

	// N raws with K invalid yield exactly N-K records and K rejects.
	assert.Len(t, records, 3)
	require.Len(t, rejects, 2)
	for _, rej := range rejects {
		assert.Equal(t, RejectMissingKey, rej.Reason)
		assert.Equal(t, "trade_date", rej.Field)
	}
}

func TestClean_RenamesAndCoerces(t *testing.T) {
	iface := quoteIface()
	raws := []provider.Record{
		{"日期": "2024-01-02", "收盘": "1,234.5"},
	}

	records, rejects := Clean(raws, iface, iface.Params, testFetchTime)
	require.Empty(t, rejects)
	require.Len(t, records, 1)

	rec := records[0]
	assert.Equal(t, "stock_daily", rec.Interface)
	assert.Equal(t, testFetchTime, rec.FetchTime)
	assert.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), rec.Fields["trade_date"])
	assert.Equal(t, 1234.5, rec.Fields["close_price"])
}

func TestClean_InjectsRequestParams(t *testing.T) {
	iface := quoteIface()
	raws := []provider.Record{
		{"日期": "2024-01-02", "收盘": 10.0},
	}

	records, rejects := Clean(raws, iface, iface.Params, testFetchTime)
	require.Empty(t, rejects)
	require.Len(t, records, 1)
	assert.Equal(t, "600519", records[0].Fields["stock_code"])

	// An overridden param value flows through.
	overridden := catalog.MergeParams(iface.Params, []catalog.Param{{Name: "symbol", Value: "000858"}})
	records, _ = Clean(raws, iface, overridden, testFetchTime)
	require.Len(t, records, 1)
	assert.Equal(t, "000858", records[0].Fields["stock_code"])
}

func TestClean_NATokensBecomeNull(t *testing.T) {
	iface := quoteIface()
	for _, na := range []string{"", "-", "N/A", "null", "None", "  -  "} {
		raws := []provider.Record{
			{"日期": "2024-01-02", "收盘": na},
		}
		records, rejects := Clean(raws, iface, iface.Params, testFetchTime)
		require.Empty(t, rejects, "token %q", na)
		require.Len(t, records, 1, "token %q", na)
		assert.Nil(t, records[0].Fields["close_price"], "token %q", na)
	}
}

func TestClean_CustomNATokens(t *testing.T) {
	iface := quoteIface()
	iface.NAValues = []string{"missing"}
	raws := []provider.Record{
		{"日期": "2024-01-02", "收盘": "missing"},
	}
	records, rejects := Clean(raws, iface, iface.Params, testFetchTime)
	require.Empty(t, rejects)
	require.Len(t, records, 1)
	assert.Nil(t, records[0].Fields["close_price"])
}

func TestClean_NullInNonNullableField(t *testing.T) {
	iface := quoteIface()
	iface.Schema[2].Nullable = false
	raws := []provider.Record{
		{"日期": "2024-01-02", "收盘": "-"},
	}
	records, rejects := Clean(raws, iface, iface.Params, testFetchTime)
	assert.Empty(t, records)
	require.Len(t, rejects, 1)
	assert.Equal(t, RejectTypeMismatch, rejects[0].Reason)
	assert.Equal(t, "close_price", rejects[0].Field)
}

func TestClean_TypeMismatchRejectsRow(t *testing.T) {
	iface := quoteIface()
	raws := []provider.Record{
		{"日期": "2024-01-02", "收盘": "not a number"},
		{"日期": "2024-01-03", "收盘": 11.0},
	}
	records, rejects := Clean(raws, iface, iface.Params, testFetchTime)
	assert.Len(t, records, 1)
	require.Len(t, rejects, 1)
	assert.Equal(t, RejectTypeMismatch, rejects[0].Reason)
}

func TestClean_LayoutFallback(t *testing.T) {
	iface := quoteIface()
	// Does not match the declared 2006-01-02 layout; flexible parsing
	// absorbs the drift.
	raws := []provider.Record{
		{"日期": "2024/01/02", "收盘": 10.0},
	}
	records, rejects := Clean(raws, iface, iface.Params, testFetchTime)
	require.Empty(t, rejects)
	require.Len(t, records, 1)
	assert.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), records[0].Fields["trade_date"])
}

func TestClean_CompactDateLayout(t *testing.T) {
	iface := quoteIface()
	iface.Schema[0].Layout = "20060102"
	raws := []provider.Record{
		{"日期": "20240102", "收盘": 10.0},
	}
	records, rejects := Clean(raws, iface, iface.Params, testFetchTime)
	require.Empty(t, rejects)
	require.Len(t, records, 1)
	assert.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), records[0].Fields["trade_date"])
}

func TestClean_DateOutOfRange(t *testing.T) {
	iface := quoteIface()
	raws := []provider.Record{
		{"日期": "1800-01-01", "收盘": 10.0},
	}
	records, rejects := Clean(raws, iface, iface.Params, testFetchTime)
	assert.Empty(t, records)
	require.Len(t, rejects, 1)
	assert.Equal(t, RejectOutOfRange, rejects[0].Reason)
}

func TestClean_PercentAndCommaStripped(t *testing.T) {
	iface := &catalog.Interface{
		Name:         "macro_cpi",
		ProviderFunc: "macro_china_cpi_monthly",
		Table:        "market_data.macro_indicator",
		BusinessKey:  []string{"period"},
		Schema: []catalog.Field{
			{Name: "period", Type: catalog.FieldString},
			{Name: "yoy_change", Type: catalog.FieldDecimal, Nullable: true},
		},
	}
	raws := []provider.Record{
		{"period": "2024-01", "yoy_change": "2.9%"},
	}
	records, rejects := Clean(raws, iface, nil, testFetchTime)
	require.Empty(t, rejects)
	require.Len(t, records, 1)
	assert.Equal(t, 2.9, records[0].Fields["yoy_change"])
}

func TestClean_NumericValuesAsStrings(t *testing.T) {
	iface := quoteIface()
	raws := []provider.Record{
		// JSON numbers arrive as float64; a numeric stock code must
		// still become a string.
		{"日期": "2024-01-02", "收盘": 10.0},
	}
	iface.Inject = nil
	raws[0]["stock_code"] = 600519.0

	records, rejects := Clean(raws, iface, nil, testFetchTime)
	require.Empty(t, rejects)
	require.Len(t, records, 1)
	assert.Equal(t, "600519", records[0].Fields["stock_code"])
}

func TestClean_Deterministic(t *testing.T) {
	iface := quoteIface()
	raws := []provider.Record{
		{"日期": "2024-01-02", "收盘": 10.5},
		{"日期": "2024-01-03", "收盘": "-"},
	}

	a, arej := Clean(raws, iface, iface.Params, testFetchTime)
	b, brej := Clean(raws, iface, iface.Params, testFetchTime)
	assert.Equal(t, a, b)
	assert.Equal(t, arej, brej)
}
