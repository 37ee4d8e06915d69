package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/CK6170/AnalogShield-go/calibration"
	"github.com/CK6170/AnalogShield-go/file"
	"github.com/CK6170/AnalogShield-go/internal/monitor"
	"github.com/CK6170/AnalogShield-go/models"
	"github.com/CK6170/AnalogShield-go/serial"
	"github.com/CK6170/AnalogShield-go/serial/sim"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

func quiet() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func simParams() *models.PARAMETERS {
	return &models.PARAMETERS{
		SERIAL: &models.SERIAL{PORT: SimPort, TIMEOUTMS: 1000},
		METER:  &models.METER{KIND: "sim"},
		WARMUP: -1,
	}
}

func newTestServer(t *testing.T, store calibration.Store, settle time.Duration) *Server {
	t.Helper()
	s := New(Config{
		Params:  simParams(),
		Store:   store,
		Metrics: monitor.New(quiet()),
		Log:     quiet(),
		Tune: func(c *calibration.Calibrator) {
			c.Settle = settle
			c.StepDelay = 0
			c.Samples = 3
			c.StepTimeout = time.Second
		},
	})
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func connect(t *testing.T, s *Server) *sim.Device {
	t.Helper()
	if _, err := s.Connect(context.Background(), ""); err != nil {
		t.Fatal(err)
	}
	return s.dev.hw.Sim
}

func do(s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func waitRun(t *testing.T, s *Server, id string) RunRecord {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if rec, ok := s.runs.Get(id); ok && rec.Status != runRunning {
			return rec
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s did not finish", id)
	return RunRecord{}
}

func TestHealthAndConnect(t *testing.T) {
	s := newTestServer(t, nil, 0)

	var h HealthResponse
	decode(t, do(s, http.MethodGet, "/api/health", nil), &h)
	if !h.OK || h.Connected {
		t.Fatalf("health = %+v", h)
	}

	rec := do(s, http.MethodPost, "/api/connect", nil)
	if rec.Code != 200 {
		t.Fatalf("connect: %d %s", rec.Code, rec.Body)
	}
	var cr ConnectResponse
	decode(t, rec, &cr)
	if !cr.Connected || cr.Port != SimPort {
		t.Errorf("connect = %+v", cr)
	}
	decode(t, do(s, http.MethodGet, "/api/health", nil), &h)
	if !h.Connected {
		t.Error("health reports disconnected")
	}

	if rec := do(s, http.MethodPost, "/api/disconnect", nil); rec.Code != 200 {
		t.Fatalf("disconnect: %d", rec.Code)
	}
	if rec := do(s, http.MethodGet, "/api/channels/0/read", nil); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("read after disconnect: %d", rec.Code)
	}
}

func TestOpenHardwareTimeout(t *testing.T) {
	cases := []struct {
		ms   int
		want time.Duration
	}{
		{0, serial.DefaultTimeout},
		{1500, 1500 * time.Millisecond},
		{-1, 0},
	}
	for _, c := range cases {
		p := simParams()
		p.SERIAL.TIMEOUTMS = c.ms
		hw, err := OpenHardware(context.Background(), p, serial.Options{Log: quiet()})
		if err != nil {
			t.Fatalf("TIMEOUTMS %d: %v", c.ms, err)
		}
		if got := hw.Shield.Timeout(); got != c.want {
			t.Errorf("TIMEOUTMS %d: timeout = %v, want %v", c.ms, got, c.want)
		}
		_ = hw.Close()
	}
}

func TestUnboundedExchangeEndsWithContext(t *testing.T) {
	p := simParams()
	p.SERIAL.TIMEOUTMS = -1
	hw, err := OpenHardware(context.Background(), p, serial.Options{Log: quiet()})
	if err != nil {
		t.Fatal(err)
	}
	defer hw.Close()
	hw.Sim.Mute = true

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	_, err = hw.Shield.AnalogReadRaw(ctx, 0, 1)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestWriteAndRead(t *testing.T) {
	s := newTestServer(t, nil, 0)
	dev := connect(t, s)

	if rec := do(s, http.MethodPost, "/api/channels/0/write", WriteRequest{Volts: 2.5, Raw: true}); rec.Code != 200 {
		t.Fatalf("write: %d %s", rec.Code, rec.Body)
	}
	if v := dev.Output(0); math.Abs(v-2.5) > 1e-3 {
		t.Errorf("DAC0 = %v", v)
	}

	rec := do(s, http.MethodGet, "/api/channels/2/read?samples=4&raw=true", nil)
	if rec.Code != 200 {
		t.Fatalf("read: %d %s", rec.Code, rec.Body)
	}
	var rr ReadResponse
	decode(t, rec, &rr)
	if rr.Channel != 2 || !rr.Raw || len(rr.Samples) != 4 || math.Abs(rr.Mean-2.5) > 1e-3 {
		t.Errorf("read = %+v", rr)
	}
}

func TestBadRequests(t *testing.T) {
	s := newTestServer(t, nil, 0)
	dev := connect(t, s)
	dev.ResetLog()

	cases := []struct {
		method, path string
		body         interface{}
	}{
		{http.MethodGet, "/api/channels/7/read", nil},
		{http.MethodGet, "/api/channels/all/read", nil},
		{http.MethodGet, "/api/channels/0/read?samples=0", nil},
		{http.MethodGet, "/api/channels/0/read?samples=x", nil},
		{http.MethodPost, "/api/channels/1/write", WriteRequest{Volts: 6}},
		{http.MethodPost, "/api/channels/1/ramp", map[string]float64{"phase": 150}},
		{http.MethodPost, "/api/channels/1/ramp", map[string]string{"function": "sawtooth"}},
		{http.MethodPost, "/api/calibration/start", CalStartRequest{Direction: "sideways"}},
	}
	for _, c := range cases {
		if rec := do(s, c.method, c.path, c.body); rec.Code != http.StatusBadRequest {
			t.Errorf("%s %s: %d %s", c.method, c.path, rec.Code, rec.Body)
		}
	}
	if sent := dev.Sent(); len(sent) != 0 {
		t.Errorf("rejected requests reached the device: %v", sent)
	}
}

func TestRampPartialUpdate(t *testing.T) {
	s := newTestServer(t, nil, 0)
	dev := connect(t, s)

	on := true
	amp := 2.0
	rec := do(s, http.MethodPost, "/api/channels/1/ramp", RampRequest{On: &on, Amplitude: &amp})
	if rec.Code != 200 {
		t.Fatalf("ramp: %d %s", rec.Code, rec.Body)
	}
	var got RampDTO
	decode(t, rec, &got)
	want := RampDTO{Channel: 1, On: true, PeriodMS: 100, Amplitude: 2, Function: "triangle"}
	if got != want {
		t.Errorf("ramp = %+v, want %+v", got, want)
	}
	if r := dev.Ramp(1); !r.On {
		t.Errorf("device ramp = %+v", r)
	}
	if r := dev.Ramp(0); r.On {
		t.Errorf("channel 0 touched: %+v", r)
	}

	var all []RampDTO
	decode(t, do(s, http.MethodGet, "/api/channels/all/ramp", nil), &all)
	if len(all) != 4 || !all[1].On || all[0].On {
		t.Errorf("all = %+v", all)
	}
}

func TestConcurrentRampsLandOnTheirChannel(t *testing.T) {
	s := newTestServer(t, nil, 0)
	dev := connect(t, s)
	dev.Stall = 1
	sh := s.dev.hw.Shield

	for i := 0; i < 50; i++ {
		var wg sync.WaitGroup
		for ch := 0; ch < 4; ch++ {
			ms := 200 + 100*ch + i
			wg.Add(1)
			go func(ch, ms int) {
				defer wg.Done()
				rec := do(s, http.MethodPost, fmt.Sprintf("/api/channels/%d/ramp", ch), RampRequest{PeriodMS: &ms})
				if rec.Code != 200 {
					t.Errorf("ramp %d: %d %s", ch, rec.Code, rec.Body)
				}
			}(ch, ms)
		}
		wg.Wait()

		for ch := 0; ch < 4; ch++ {
			want := 200 + 100*ch + i
			cached, err := sh.Ramp(serial.Channel(ch))
			if err != nil {
				t.Fatal(err)
			}
			if got := dev.Ramp(ch).Period; got != want || int(cached.Period/time.Millisecond) != want {
				t.Fatalf("iter %d ch %d: device period=%dms cached=%v, want %dms", i, ch, got, cached.Period, want)
			}
		}
	}
}

func TestQueue(t *testing.T) {
	s := newTestServer(t, nil, 0)
	dev := connect(t, s)
	if rec := do(s, http.MethodPost, "/api/queue", QueueRequest{On: true}); rec.Code != 200 {
		t.Fatalf("queue: %d", rec.Code)
	}
	if !dev.Queue() {
		t.Error("queue mode not set")
	}
}

func TestCalibrationRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cal.json")
	store := file.NewStore(path)
	s := newTestServer(t, store, 0)
	dev := connect(t, s)
	dev.ADCGain[2] = 0.98
	dev.ADCOffset[2] = 0.05

	rec := do(s, http.MethodPost, "/api/calibration/start", CalStartRequest{Channel: "2", Direction: "adc"})
	if rec.Code != 200 {
		t.Fatalf("start: %d %s", rec.Code, rec.Body)
	}
	var start CalStartResponse
	decode(t, rec, &start)
	if start.Jobs != 1 || start.RunID == "" {
		t.Fatalf("start = %+v", start)
	}

	run := waitRun(t, s, start.RunID)
	if run.Status != runDone || len(run.Results) != 1 || run.Results[0].Fit == nil {
		t.Fatalf("run = %+v", run)
	}
	if f := run.Results[0].Fit; math.Abs(f.SLOPE-1/0.98) > 1e-3 {
		t.Errorf("fit = %+v", f)
	}

	var st CalStatusResponse
	decode(t, do(s, http.MethodGet, "/api/calibration", nil), &st)
	if st.Running || st.Table.Get(models.ADC, 2) == nil {
		t.Errorf("status = %+v", st)
	}
	saved, err := store.Load(context.Background())
	if err != nil || saved.Get(models.ADC, 2) == nil {
		t.Errorf("store = %+v, %v", saved, err)
	}

	var byID RunRecord
	decode(t, do(s, http.MethodGet, "/api/calibration/runs/"+start.RunID, nil), &byID)
	if byID.ID != start.RunID {
		t.Errorf("run by id = %+v", byID)
	}
	if rec := do(s, http.MethodGet, "/api/calibration/runs/nope", nil); rec.Code != 404 {
		t.Errorf("unknown run: %d", rec.Code)
	}
}

func TestCalibrationBusyAndStop(t *testing.T) {
	s := newTestServer(t, nil, time.Minute)
	connect(t, s)

	var start CalStartResponse
	decode(t, do(s, http.MethodPost, "/api/calibration/start", CalStartRequest{Channel: "all", Direction: "dac"}), &start)
	if start.Jobs != 4 {
		t.Fatalf("start = %+v", start)
	}

	if rec := do(s, http.MethodPost, "/api/channels/0/write", WriteRequest{Volts: 1}); rec.Code != http.StatusConflict {
		t.Errorf("write during calibration: %d", rec.Code)
	}
	if rec := do(s, http.MethodPost, "/api/calibration/start", CalStartRequest{}); rec.Code != http.StatusConflict {
		t.Errorf("second start: %d", rec.Code)
	}

	if rec := do(s, http.MethodPost, "/api/calibration/stop", nil); rec.Code != 200 {
		t.Fatalf("stop: %d", rec.Code)
	}
	run := waitRun(t, s, start.RunID)
	if run.Status != runCancelled {
		t.Errorf("run = %+v", run)
	}
	if rec := do(s, http.MethodPost, "/api/channels/0/write", WriteRequest{Volts: 1}); rec.Code != 200 {
		t.Errorf("write after stop: %d %s", rec.Code, rec.Body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, nil, 0)
	connect(t, s)
	do(s, http.MethodGet, "/api/channels/0/read", nil)

	rec := do(s, http.MethodGet, "/metrics", nil)
	body := rec.Body.String()
	for _, name := range []string{"analogshield_transactions_total", "analogshield_uncalibrated_warnings_total"} {
		if !strings.Contains(body, name) {
			t.Errorf("metrics missing %s", name)
		}
	}
}

func TestWSCalibrationStream(t *testing.T) {
	s := newTestServer(t, nil, 0)
	connect(t, s)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws/calibration", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var msg WSMessage
	if err := conn.ReadJSON(&msg); err != nil || msg.Type != "status" {
		t.Fatalf("first message = %+v, %v", msg, err)
	}

	resp, err := http.Post(ts.URL+"/api/calibration/start", "application/json",
		strings.NewReader(`{"channel":"0","direction":"dac"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	seen := map[string]int{}
	for {
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v (seen %v)", err, seen)
		}
		seen[msg.Type]++
		if msg.Type == "done" {
			break
		}
	}
	if seen["progress"] == 0 {
		t.Errorf("no progress events: %v", seen)
	}
}
