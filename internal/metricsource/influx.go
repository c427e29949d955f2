package metricsource

import (
	"context"
	"fmt"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"

	"github.com/ChuLiYu/beaver-pipeline/pkg/types"
)

// Influx reads samples from an InfluxDB 2.x bucket with Flux. By default a
// metric is a measurement whose "value" field is read.
type Influx struct {
	client influxdb2.Client
	org    string
	bucket string
}

func NewInflux(url, token, org, bucket string) *Influx {
	return &Influx{
		client: influxdb2.NewClient(url, token),
		org:    org,
		bucket: bucket,
	}
}

func (s *Influx) Query(ctx context.Context, metric string, window time.Duration) ([]types.HealthSample, error) {
	return s.run(ctx, metric, defaultFlux(s.bucket, metric, window))
}

// QueryExpr runs a Flux script. $bucket and $window are substituted.
func (s *Influx) QueryExpr(ctx context.Context, metric, expr string, window time.Duration) ([]types.HealthSample, error) {
	flux := strings.NewReplacer("$bucket", fmt.Sprintf("%q", s.bucket), "$window", fluxDuration(window)).Replace(expr)
	return s.run(ctx, metric, flux)
}

func (s *Influx) run(ctx context.Context, metric, flux string) ([]types.HealthSample, error) {
	result, err := s.client.QueryAPI(s.org).Query(ctx, flux)
	if err != nil {
		return nil, fmt.Errorf("influx query %s: %w", metric, err)
	}
	defer result.Close()

	var out []types.HealthSample
	for result.Next() {
		record := result.Record()
		v, ok := toFloat(record.Value())
		if !ok {
			continue
		}
		out = append(out, types.HealthSample{Metric: metric, Value: v, At: record.Time()})
	}
	if result.Err() != nil {
		return nil, fmt.Errorf("influx results %s: %w", metric, result.Err())
	}
	return out, nil
}

func (s *Influx) Close() { s.client.Close() }

func defaultFlux(bucket, metric string, window time.Duration) string {
	return fmt.Sprintf(`from(bucket: %q)
  |> range(start: -%s)
  |> filter(fn: (r) => r._measurement == %q and r._field == "value")
  |> sort(columns: ["_time"], desc: false)`, bucket, fluxDuration(window), metric)
}

// fluxDuration renders d in whole seconds; Flux has no fractional units.
func fluxDuration(d time.Duration) string {
	secs := int64(d / time.Second)
	if secs < 1 {
		secs = 1
	}
	return fmt.Sprintf("%ds", secs)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}
