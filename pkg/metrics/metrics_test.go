package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ericogr/thermocouple-logger/pkg/bus"
	"github.com/ericogr/thermocouple-logger/pkg/scheduler"
	"github.com/ericogr/thermocouple-logger/pkg/sensor"
	"github.com/ericogr/thermocouple-logger/pkg/storage"
	"github.com/ericogr/thermocouple-logger/pkg/storage/archive"
)

func TestObservers(t *testing.T) {
	m := New()
	m.ObserveSample(scheduler.Event{Channel: 1, Reading: sensor.Reading{Channel: 1, Calibrated: 25}, Outcome: storage.Persisted})
	m.ObserveSample(scheduler.Event{Channel: 1, Reading: sensor.Reading{Channel: 1, Calibrated: 26}, Outcome: storage.Degraded})
	m.ObserveSample(scheduler.Event{Channel: 1, Err: bus.ErrNotConnected})
	m.ObserveSinkFailure(&storage.SinkError{Sink: archive.Name, Err: errors.New("disk full")})
	m.ObserveMaintenance(&archive.MaintenanceError{Step: archive.StepCompress})
	m.ObserveState(bus.Connected)

	if v := testutil.ToFloat64(m.samples.WithLabelValues("1", "persisted")); v != 1 {
		t.Fatalf("persisted samples = %v", v)
	}
	if v := testutil.ToFloat64(m.samples.WithLabelValues("1", "degraded")); v != 1 {
		t.Fatalf("degraded samples = %v", v)
	}
	if v := testutil.ToFloat64(m.skipped.WithLabelValues("1")); v != 1 {
		t.Fatalf("skipped = %v", v)
	}
	if v := testutil.ToFloat64(m.temperature.WithLabelValues("1")); v != 26 {
		t.Fatalf("temperature = %v", v)
	}
	if v := testutil.ToFloat64(m.sinkFailures.WithLabelValues("archive")); v != 1 {
		t.Fatalf("sink failures = %v", v)
	}
	if v := testutil.ToFloat64(m.maintenance.WithLabelValues("compress")); v != 1 {
		t.Fatalf("maintenance failures = %v", v)
	}
	if v := testutil.ToFloat64(m.connection); v != float64(bus.Connected) {
		t.Fatalf("connection = %v", v)
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.ObserveState(bus.Error)
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "thermocouple_connection_state 3") {
		t.Fatalf("metrics output missing connection state:\n%s", body)
	}
}
