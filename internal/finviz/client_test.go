package finviz_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/epeers/dividends/internal/finviz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const snapshotPage = `<html><body>
<table class="snapshot-table2">
<tr>
  <td class="snapshot-td2-cp">P/E</td><td class="snapshot-td2"><b>27.81</b></td>
  <td class="snapshot-td2-cp">Perf Week</td><td class="snapshot-td2"><b><span class="is-positive">1.20%</span></b></td>
</tr>
<tr>
  <td class="snapshot-td2-cp">Target Price</td><td class="snapshot-td2"><b>201.66</b></td>
  <td class="snapshot-td2-cp">Perf Month</td><td class="snapshot-td2"><b>-3.05%</b></td>
</tr>
<tr>
  <td class="snapshot-td2-cp">Recom</td><td class="snapshot-td2"><b>-</b></td>
  <td class="snapshot-td2-cp">Change</td><td class="snapshot-td2"><b> 0.54% </b></td>
</tr>
</table>
</body></html>`

func TestParseSnapshot(t *testing.T) {
	rec, err := finviz.ParseSnapshot("AAPL", strings.NewReader(snapshotPage))
	require.NoError(t, err)

	assert.Equal(t, "AAPL", rec.Symbol)
	require.NotNil(t, rec.ChangePercent)
	assert.Equal(t, "0.54%", *rec.ChangePercent)
	assert.Equal(t, "1.20%", *rec.PerfWeek)
	assert.Equal(t, "-3.05%", *rec.PerfMonth)
	assert.Equal(t, "27.81", *rec.PERatio)
	assert.Equal(t, "201.66", *rec.TargetPrice)
	assert.Nil(t, rec.Recommendation, `"-" must be absent, not a value`)
	assert.False(t, rec.Failed())
}

func TestParseSnapshot_MissingLabelIsNil(t *testing.T) {
	page := `<table class="snapshot-table2"><tr><td>P/E</td><td class="snapshot-td2">12.5</td></tr></table>`

	rec, err := finviz.ParseSnapshot("KO", strings.NewReader(page))
	require.NoError(t, err)
	assert.Equal(t, "12.5", *rec.PERatio)
	assert.Nil(t, rec.ChangePercent)
	assert.Nil(t, rec.TargetPrice)
}

func TestParseSnapshot_NoTable(t *testing.T) {
	_, err := finviz.ParseSnapshot("NOPE", strings.NewReader(`<html><body>Ticker not found</body></html>`))
	if !errors.Is(err, finviz.ErrNoSnapshot) {
		t.Fatalf("expected ErrNoSnapshot, got %v", err)
	}
}

func TestEnrich(t *testing.T) {
	var gotTicker, gotUA atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTicker.Store(r.URL.Query().Get("t"))
		gotUA.Store(r.Header.Get("User-Agent"))
		w.Write([]byte(snapshotPage))
	}))
	defer server.Close()

	client := finviz.NewClientWithBaseURL(server.URL)
	rec, err := client.Enrich(context.Background(), "AAPL")
	require.NoError(t, err)

	assert.Equal(t, "aapl", gotTicker.Load(), "ticker is sent lowercase")
	assert.Contains(t, gotUA.Load(), "Mozilla/5.0")
	assert.Equal(t, "27.81", *rec.PERatio)
}

func TestEnrich_StatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	_, err := finviz.NewClientWithBaseURL(server.URL).Enrich(context.Background(), "BBB")

	var fe *finviz.FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "BBB", fe.Symbol)
	assert.Equal(t, http.StatusForbidden, fe.StatusCode)
}

func TestEnrich_UnknownTicker(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><body>no quote</body></html>`))
	}))
	defer server.Close()

	_, err := finviz.NewClientWithBaseURL(server.URL).Enrich(context.Background(), "ZZZZ")

	var fe *finviz.FetchError
	require.ErrorAs(t, err, &fe)
	assert.ErrorIs(t, err, finviz.ErrNoSnapshot)
}

func TestEnrich_CancelledContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(snapshotPage))
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := finviz.NewClientWithBaseURL(server.URL).Enrich(ctx, "AAPL")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
