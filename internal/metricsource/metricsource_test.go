package metricsource

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-pipeline/internal/healthgate"
	"github.com/ChuLiYu/beaver-pipeline/pkg/types"
)

var (
	_ healthgate.Source      = (*Prometheus)(nil)
	_ healthgate.QuerySource = (*Prometheus)(nil)
	_ healthgate.Source      = (*Influx)(nil)
	_ healthgate.QuerySource = (*Influx)(nil)
	_ healthgate.Source      = (*Static)(nil)
)

type promStub struct {
	mu      sync.Mutex
	queries []string
	paths   []string
}

func (s *promStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	s.mu.Lock()
	s.queries = append(s.queries, r.Form.Get("query"))
	s.paths = append(s.paths, r.URL.Path)
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if strings.HasSuffix(r.URL.Path, "/query_range") {
		fmt.Fprint(w, `{"status":"success","data":{"resultType":"matrix","result":[
			{"metric":{"pod":"b"},"values":[[1700000030,"0.04"]]},
			{"metric":{"pod":"a"},"values":[[1700000000,"0.01"],[1700000015,"0.02"]]}]}}`)
		return
	}
	fmt.Fprint(w, `{"status":"success","data":{"resultType":"vector","result":[
		{"metric":{},"value":[1700000000,"0.5"]}]}}`)
}

func TestPrometheusRangeQuery(t *testing.T) {
	stub := &promStub{}
	srv := httptest.NewServer(stub)
	defer srv.Close()

	src, err := NewPrometheus(srv.URL, 0)
	require.NoError(t, err)

	samples, err := src.Query(context.Background(), "error_rate", 5*time.Minute)
	require.NoError(t, err)
	require.Len(t, samples, 3)
	assert.Equal(t, []float64{0.01, 0.02, 0.04}, values(samples))
	assert.Equal(t, "error_rate", samples[0].Metric)
	assert.Equal(t, int64(1700000000), samples[0].At.Unix())

	_, err = src.QueryExpr(context.Background(), "error_rate", `sum(rate(http_errors[1m]))`, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{"error_rate", `sum(rate(http_errors[1m]))`}, stub.queries)
}

func TestPrometheusInstantQuery(t *testing.T) {
	stub := &promStub{}
	srv := httptest.NewServer(stub)
	defer srv.Close()

	src, err := NewPrometheus(srv.URL, time.Second)
	require.NoError(t, err)

	samples, err := src.Query(context.Background(), "up", 0)
	require.NoError(t, err)
	assert.Equal(t, []float64{0.5}, values(samples))
	assert.True(t, strings.HasSuffix(stub.paths[0], "/api/v1/query"))
}

func TestPrometheusServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"status":"error","errorType":"bad_data","error":"parse error"}`)
	}))
	defer srv.Close()

	src, err := NewPrometheus(srv.URL, 0)
	require.NoError(t, err)
	_, err = src.Query(context.Background(), "error_rate{", time.Minute)
	assert.Error(t, err)
}

func TestPrometheusStepWidensForLongWindows(t *testing.T) {
	p := &Prometheus{step: 15 * time.Second}
	assert.Equal(t, 15*time.Second, p.stepFor(5*time.Minute))
	assert.Equal(t, 24*time.Hour/MaxPoints, p.stepFor(24*time.Hour))
}

const influxCSV = "#datatype,string,long,dateTime:RFC3339,double,string,string\r\n" +
	"#group,false,false,false,false,true,true\r\n" +
	"#default,_result,,,,,\r\n" +
	",result,table,_time,_value,_field,_measurement\r\n" +
	",,0,2024-05-01T10:00:00Z,0.01,value,error_rate\r\n" +
	",,0,2024-05-01T10:00:10Z,0.03,value,error_rate\r\n" +
	"\r\n"

func TestInfluxQuery(t *testing.T) {
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		body = r.URL.Query().Get("org") + " " + string(data)
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		fmt.Fprint(w, influxCSV)
	}))
	defer srv.Close()

	src := NewInflux(srv.URL, "token", "acme", "canary")
	defer src.Close()

	samples, err := src.Query(context.Background(), "error_rate", 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []float64{0.01, 0.03}, values(samples))
	assert.Equal(t, "error_rate", samples[1].Metric)
	assert.True(t, strings.HasPrefix(body, "acme "), body)
	assert.Contains(t, body, "range(start: -300s)")
}

func TestDefaultFlux(t *testing.T) {
	flux := defaultFlux("canary", "p99_latency", 90*time.Second)
	assert.Contains(t, flux, `from(bucket: "canary")`)
	assert.Contains(t, flux, `range(start: -90s)`)
	assert.Contains(t, flux, `r._measurement == "p99_latency"`)

	assert.Equal(t, "1s", fluxDuration(0))
}

func TestStaticWindow(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s := NewStatic()
	s.now = func() time.Time { return now }
	s.Set("error_rate", 0.1, 0.2, 0.3)

	all, err := s.Query(context.Background(), "error_rate", 0)
	require.NoError(t, err)
	assert.Equal(t, []float64{0.1, 0.2, 0.3}, values(all))

	recent, err := s.Query(context.Background(), "error_rate", time.Second)
	require.NoError(t, err)
	assert.Equal(t, []float64{0.2, 0.3}, values(recent))

	none, err := s.Query(context.Background(), "latency", time.Minute)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func values(samples []types.HealthSample) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = s.Value
	}
	return out
}
