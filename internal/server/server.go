package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/CK6170/AnalogShield-go/calibration"
	"github.com/CK6170/AnalogShield-go/internal/monitor"
	"github.com/CK6170/AnalogShield-go/models"
	"github.com/CK6170/AnalogShield-go/serial"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"
)

const opCalibration = "calibration"

// DeviceSession is the single connected shield. mu guards every field.
// op is held across a whole request's device I/O, and while a calibration
// is started or the device is opened or closed. Lock order is op, then mu.
type DeviceSession struct {
	op sync.Mutex
	mu sync.Mutex

	params *models.PARAMETERS
	hw     *Hardware

	// One active operation at a time
	opCancel context.CancelFunc
	opKind   string
	opID     string

	last *calibration.Progress
}

// Config wires a Server to its collaborators. Only Params is required.
type Config struct {
	Params *models.PARAMETERS
	// Store persists calibration results; nil keeps them in the shield only.
	Store   calibration.Store
	Metrics *monitor.Metrics
	Log     logrus.FieldLogger
	// WebDir, when set, is served at "/".
	WebDir string
	// Tune adjusts each Calibrator before a run starts.
	Tune func(*calibration.Calibrator)
}

type Server struct {
	mux *http.ServeMux

	params  *models.PARAMETERS
	store   calibration.Store
	metrics *monitor.Metrics
	log     logrus.FieldLogger
	tune    func(*calibration.Calibrator)

	runs *RunStore
	dev  *DeviceSession

	wsCal *WSHub
}

func New(cfg Config) *Server {
	log := cfg.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	params := cfg.Params
	if params == nil {
		params = &models.PARAMETERS{SERIAL: &models.SERIAL{}}
	}
	s := &Server{
		mux:     http.NewServeMux(),
		params:  params,
		store:   cfg.Store,
		metrics: cfg.Metrics,
		log:     log.WithField("component", "server"),
		tune:    cfg.Tune,
		runs:    NewRunStore(),
		dev:     &DeviceSession{},
		wsCal:   NewWSHub(),
	}

	// API
	s.mux.HandleFunc("/api/health", s.handleHealth)
	s.mux.HandleFunc("/api/connect", s.handleConnect)
	s.mux.HandleFunc("/api/disconnect", s.handleDisconnect)

	s.mux.HandleFunc("/api/channels/{ch}/read", s.handleRead)
	s.mux.HandleFunc("/api/channels/{ch}/write", s.handleWrite)
	s.mux.HandleFunc("/api/channels/{ch}/ramp", s.handleRamp)
	s.mux.HandleFunc("/api/queue", s.handleQueue)

	s.mux.HandleFunc("/api/calibration", s.handleCalStatus)
	s.mux.HandleFunc("/api/calibration/start", s.handleCalStart)
	s.mux.HandleFunc("/api/calibration/stop", s.handleStopOp)
	s.mux.HandleFunc("/api/calibration/runs/{id}", s.handleCalRun)

	// WS
	s.mux.HandleFunc("/ws/calibration", s.handleWSCal)

	if s.metrics != nil {
		s.mux.Handle("/metrics", s.metrics.Handler())
	}

	if cfg.WebDir != "" {
		fs := http.FileServer(http.Dir(cfg.WebDir))
		s.mux.Handle("/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if p := r.URL.Path; p == "/" || strings.HasSuffix(p, ".html") || strings.HasSuffix(p, ".js") {
				w.Header().Set("Cache-Control", "no-store")
			}
			fs.ServeHTTP(w, r)
		}))
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) readJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	b, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return err
	}
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, v)
}

// writeError maps driver error kinds onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, serial.ErrInvalidChannel),
		errors.Is(err, serial.ErrOutOfRange),
		errors.Is(err, serial.ErrInvalidArgument),
		errors.Is(err, models.ErrInvalidDirection):
		status = http.StatusBadRequest
	case errors.Is(err, serial.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errors.Is(err, serial.ErrTransport), errors.Is(err, serial.ErrMalformedResponse):
		status = http.StatusBadGateway
	}
	s.writeJSON(w, status, APIError{Error: err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	s.dev.mu.Lock()
	connected := s.dev.hw != nil
	s.dev.mu.Unlock()
	s.writeJSON(w, 200, HealthResponse{OK: true, Connected: connected, Timestamp: time.Now()})
}

// Connect opens the shield on port (or the configured port when empty),
// replacing any existing session.
func (s *Server) Connect(ctx context.Context, port string) (ConnectResponse, error) {
	p := *s.params
	sp := models.SERIAL{}
	if s.params.SERIAL != nil {
		sp = *s.params.SERIAL
	}
	if port = strings.TrimSpace(port); port != "" {
		sp.PORT = port
	}
	p.SERIAL = &sp

	s.dev.op.Lock()
	defer s.dev.op.Unlock()
	s.dev.mu.Lock()
	defer s.dev.mu.Unlock()
	s.dev.cancelLocked()
	_ = s.dev.disconnectLocked()

	var table *models.CALIBRATION
	warn := ""
	if s.store != nil {
		t, err := s.store.Load(ctx)
		if err != nil {
			warn = fmt.Sprintf("calibration not loaded: %v", err)
			s.log.WithError(err).Warn("load calibration")
		}
		table = t
	}
	opts := serial.Options{
		Calibration: table,
		OnWarning:   s.onWarning,
		Log:         s.log,
	}
	if s.metrics != nil {
		opts.OnTransact = s.metrics.ObserveTransact
	}
	hw, err := OpenHardware(ctx, &p, opts)
	if err != nil {
		return ConnectResponse{}, err
	}
	if hw.Meter == nil && warn == "" {
		warn = "no reference meter; calibration unavailable"
	}
	s.dev.params = &p
	s.dev.hw = hw
	s.log.WithField("port", sp.PORT).Info("shield connected")
	return ConnectResponse{Connected: true, Port: sp.PORT, Backend: sp.BACKEND, Warning: warn}, nil
}

// Close cancels any running operation and releases the device.
func (s *Server) Close() error {
	s.dev.op.Lock()
	defer s.dev.op.Unlock()
	s.dev.mu.Lock()
	defer s.dev.mu.Unlock()
	s.dev.cancelLocked()
	return s.dev.disconnectLocked()
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req ConnectRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeJSON(w, 400, APIError{Error: err.Error()})
		return
	}
	resp, err := s.Connect(r.Context(), req.Port)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, 200, resp)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	_ = s.Close()
	s.writeJSON(w, 200, map[string]bool{"ok": true})
}

func (s *Server) handleStopOp(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	s.dev.mu.Lock()
	defer s.dev.mu.Unlock()
	s.dev.cancelLocked()
	s.writeJSON(w, 200, map[string]bool{"ok": true})
}

func (d *DeviceSession) cancelLocked() {
	if d.opCancel != nil {
		d.opCancel()
		d.opCancel = nil
		d.opKind = ""
		d.opID = ""
	}
}

func (d *DeviceSession) disconnectLocked() error {
	var err error
	if d.hw != nil {
		err = d.hw.Close()
	}
	d.hw = nil
	d.params = nil
	return err
}

// shield returns the connected shield with the device operation lock held;
// the caller must call release once its I/O is done. It writes 503/409 and
// returns nil when there is no shield or a calibration owns it.
func (s *Server) shield(w http.ResponseWriter) (sh *serial.Shield, release func()) {
	s.dev.op.Lock()
	s.dev.mu.Lock()
	defer s.dev.mu.Unlock()
	if s.dev.hw == nil {
		s.dev.op.Unlock()
		s.writeJSON(w, http.StatusServiceUnavailable, APIError{Error: "not connected"})
		return nil, nil
	}
	if s.dev.opKind != "" {
		s.dev.op.Unlock()
		s.writeJSON(w, http.StatusConflict, APIError{Error: s.dev.opKind + " in progress"})
		return nil, nil
	}
	return s.dev.hw.Shield, s.dev.op.Unlock
}

func (s *Server) onWarning(wr serial.Warning) {
	if s.metrics != nil {
		s.metrics.Warnings.WithLabelValues(wr.Direction.String(), wr.Channel.String()).Inc()
	}
	s.wsCal.Broadcast(WSMessage{Type: "warning", Data: map[string]interface{}{
		"direction": wr.Direction.String(),
		"channel":   int(wr.Channel),
		"message":   wr.Error(),
	}})
}

func channelParam(r *http.Request) (serial.Channel, error) {
	return serial.ParseChannel(r.PathValue("ch"))
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	ch, err := channelParam(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	samples := 1
	if v := r.URL.Query().Get("samples"); v != "" {
		if samples, err = strconv.Atoi(v); err != nil {
			s.writeJSON(w, 400, APIError{Error: "samples: " + err.Error()})
			return
		}
	}
	raw, _ := strconv.ParseBool(r.URL.Query().Get("raw"))

	sh, release := s.shield(w)
	if sh == nil {
		return
	}
	defer release()
	read := sh.AnalogRead
	if raw {
		read = sh.AnalogReadRaw
	}
	vals, err := read(r.Context(), ch, samples)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, 200, ReadResponse{Channel: int(ch), Raw: raw, Samples: vals, Mean: stat.Mean(vals, nil)})
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	ch, err := channelParam(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req WriteRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeJSON(w, 400, APIError{Error: err.Error()})
		return
	}
	sh, release := s.shield(w)
	if sh == nil {
		return
	}
	defer release()
	write := sh.AnalogWrite
	if req.Raw {
		write = sh.AnalogWriteRaw
	}
	if err := write(r.Context(), ch, req.Volts); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, 200, map[string]bool{"ok": true})
}

func rampDTO(ch serial.Channel, rc serial.RampConfig) RampDTO {
	return RampDTO{
		Channel:   int(ch),
		On:        rc.On,
		PeriodMS:  int(rc.Period / time.Millisecond),
		Amplitude: rc.Amplitude,
		Offset:    rc.Offset,
		Phase:     rc.Phase,
		Function:  rc.Function.String(),
	}
}

func rampView(sh *serial.Shield, ch serial.Channel) (interface{}, error) {
	if ch != serial.AllChannels {
		rc, err := sh.Ramp(ch)
		return rampDTO(ch, rc), err
	}
	out := make([]RampDTO, 0, len(serial.Channels))
	for _, c := range serial.Channels {
		rc, err := sh.Ramp(c)
		if err != nil {
			return nil, err
		}
		out = append(out, rampDTO(c, rc))
	}
	return out, nil
}

func (s *Server) handleRamp(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	ch, err := channelParam(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req RampRequest
	if r.Method == http.MethodPost {
		if err := s.readJSON(r, &req); err != nil {
			s.writeJSON(w, 400, APIError{Error: err.Error()})
			return
		}
	}
	sh, release := s.shield(w)
	if sh == nil {
		return
	}
	defer release()
	if r.Method == http.MethodPost {
		if err := applyRamp(r.Context(), sh, ch, req); err != nil {
			s.writeError(w, err)
			return
		}
	}
	v, err := rampView(sh, ch)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, 200, v)
}

// applyRamp validates the merged settings first so a bad field sends nothing,
// then pushes only the fields present in req.
func applyRamp(ctx context.Context, sh *serial.Shield, ch serial.Channel, req RampRequest) error {
	base := ch
	if ch == serial.AllChannels {
		base = serial.Channels[0]
	}
	cur, err := sh.Ramp(base)
	if err != nil {
		return err
	}
	if req.PeriodMS != nil {
		cur.Period = time.Duration(*req.PeriodMS) * time.Millisecond
	}
	if req.Amplitude != nil {
		cur.Amplitude = *req.Amplitude
	}
	if req.Offset != nil {
		cur.Offset = *req.Offset
	}
	if req.Phase != nil {
		cur.Phase = *req.Phase
	}
	if req.Function != nil {
		if cur.Function, err = serial.ParseWaveform(*req.Function); err != nil {
			return err
		}
	}
	if err := cur.Validate(); err != nil {
		return err
	}

	steps := []struct {
		set bool
		fn  func() error
	}{
		{req.PeriodMS != nil, func() error { return sh.SetRampPeriod(ctx, ch, cur.Period) }},
		{req.Amplitude != nil, func() error { return sh.SetRampAmplitude(ctx, ch, cur.Amplitude) }},
		{req.Offset != nil, func() error { return sh.SetRampOffset(ctx, ch, cur.Offset) }},
		{req.Phase != nil, func() error { return sh.SetRampPhase(ctx, ch, cur.Phase) }},
		{req.Function != nil, func() error { return sh.SetRampFunction(ctx, ch, cur.Function) }},
	}
	for _, st := range steps {
		if !st.set {
			continue
		}
		if err := st.fn(); err != nil {
			return err
		}
	}
	if req.On != nil {
		if *req.On {
			return sh.RampOn(ctx, ch)
		}
		return sh.RampOff(ctx, ch)
	}
	return nil
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req QueueRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeJSON(w, 400, APIError{Error: err.Error()})
		return
	}
	sh, release := s.shield(w)
	if sh == nil {
		return
	}
	defer release()
	var err error
	if req.On {
		err = sh.QueueOn(r.Context())
	} else {
		err = sh.QueueOff(r.Context())
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, 200, map[string]bool{"ok": true})
}

func (s *Server) handleCalStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	s.dev.mu.Lock()
	resp := CalStatusResponse{Running: s.dev.opKind == opCalibration, RunID: s.dev.opID, Last: s.dev.last}
	hw := s.dev.hw
	s.dev.mu.Unlock()

	if hw != nil {
		resp.Table = hw.Shield.Calibration()
	} else if s.store != nil {
		t, err := s.store.Load(r.Context())
		if err != nil {
			s.writeError(w, err)
			return
		}
		resp.Table = t
	}
	if resp.Table == nil {
		resp.Table = &models.CALIBRATION{}
	}
	s.writeJSON(w, 200, resp)
}

func (s *Server) handleCalRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	rec, ok := s.runs.Get(r.PathValue("id"))
	if !ok {
		s.writeJSON(w, 404, APIError{Error: "run not found"})
		return
	}
	s.writeJSON(w, 200, rec)
}

func (s *Server) handleCalStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req CalStartRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeJSON(w, 400, APIError{Error: err.Error()})
		return
	}
	if req.Channel == "" {
		req.Channel = "all"
	}
	jobs, err := calibration.Plan(req.Direction, req.Channel)
	if err != nil {
		s.writeError(w, err)
		return
	}

	// op waits out any request still talking to the device.
	s.dev.op.Lock()
	defer s.dev.op.Unlock()
	s.dev.mu.Lock()
	defer s.dev.mu.Unlock()
	if s.dev.hw == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, APIError{Error: "not connected"})
		return
	}
	if s.dev.opKind != "" {
		s.writeJSON(w, http.StatusConflict, APIError{Error: s.dev.opKind + " in progress"})
		return
	}
	if s.dev.hw.Meter == nil {
		s.writeJSON(w, http.StatusConflict, APIError{Error: "no reference meter"})
		return
	}
	rec, err := s.runs.Put()
	if err != nil {
		s.writeJSON(w, 500, APIError{Error: err.Error()})
		return
	}

	c := calibration.NewCalibrator(s.dev.hw.Shield, s.dev.hw.Meter, s.store)
	c.Log = s.log
	if cc := s.dev.params.CALIBRATION; cc != nil {
		if cc.SETTLEMS > 0 {
			c.Settle = time.Duration(cc.SETTLEMS) * time.Millisecond
		}
		if cc.STEPMS > 0 {
			c.StepDelay = time.Duration(cc.STEPMS) * time.Millisecond
		}
		if cc.SAMPLES > 0 {
			c.Samples = cc.SAMPLES
		}
	}
	if s.tune != nil {
		s.tune(c)
	}
	c.OnProgress = func(p calibration.Progress) {
		s.dev.mu.Lock()
		if s.dev.opID == rec.ID {
			pp := p
			s.dev.last = &pp
		}
		s.dev.mu.Unlock()
		s.wsCal.Broadcast(WSMessage{Type: "progress", Data: p})
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.dev.opCancel = cancel
	s.dev.opKind = opCalibration
	s.dev.opID = rec.ID
	s.dev.last = nil

	go s.runCalibration(ctx, rec.ID, c, jobs)

	s.writeJSON(w, 200, CalStartResponse{RunID: rec.ID, Jobs: len(jobs)})
}

func (s *Server) runCalibration(ctx context.Context, id string, c *calibration.Calibrator, jobs []calibration.Job) {
	log := s.log.WithField("run", id)
	if s.metrics != nil {
		s.metrics.CalibrationOn.Set(1)
		defer s.metrics.CalibrationOn.Set(0)
	}
	status := runDone
	for _, job := range jobs {
		fit, err := c.Calibrate(ctx, job.Direction, job.Channel)
		s.runs.addResult(id, job, fit, err)
		if s.metrics != nil {
			result := "ok"
			if err != nil {
				result = "error"
			}
			s.metrics.Calibrations.WithLabelValues(job.Direction.String(), job.Channel.String(), result).Inc()
		}
		if ctx.Err() != nil {
			status = runCancelled
			break
		}
		if err != nil {
			log.WithError(err).WithFields(logrus.Fields{
				"direction": job.Direction.String(),
				"channel":   int(job.Channel),
			}).Warn("calibration job failed")
			status = runFailed
		}
	}
	_ = s.runs.Update(id, func(r *RunRecord) {
		r.Status = status
		r.Finished = time.Now()
	})

	s.dev.mu.Lock()
	if s.dev.opID == id {
		s.dev.opCancel()
		s.dev.opCancel = nil
		s.dev.opKind = ""
		s.dev.opID = ""
	}
	s.dev.mu.Unlock()

	rec, _ := s.runs.Get(id)
	log.WithField("status", status).Info("calibration run finished")
	s.wsCal.Broadcast(WSMessage{Type: "done", Data: rec})
}

// WatchStore reloads the shield's correction table whenever updates fires,
// until ctx is done. It is used with RedisStore.Subscribe so several hosts
// share one table.
func (s *Server) WatchStore(ctx context.Context, updates <-chan struct{}) {
	if s.store == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-updates:
			if !ok {
				return
			}
			t, err := s.store.Load(ctx)
			if err != nil {
				s.log.WithError(err).Warn("reload calibration")
				continue
			}
			s.dev.mu.Lock()
			if s.dev.hw != nil && t != nil {
				s.dev.hw.Shield.SetCalibration(t)
			}
			s.dev.mu.Unlock()
			s.wsCal.Broadcast(WSMessage{Type: "calibration", Data: t})
		}
	}
}
