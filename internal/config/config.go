// Package config loads PARAMETERS from JSON or YAML and builds the logger.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/CK6170/AnalogShield-go/models"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Defaults applied by ApplyDefaults.
const (
	DefaultCalibrationPath = "calibration.json"
	DefaultServerAddr      = ":8080"
	DefaultSettleMS        = 2000
	DefaultStepMS          = 10
	DefaultSamples         = 500
	DefaultBaud            = 2000000
	DefaultOpenDelayMS     = 3000
	DefaultTimeoutMS       = 2000
)

// Load reads path; .yaml/.yml is parsed as YAML, anything else as JSON.
func Load(path string) (*models.PARAMETERS, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var p models.PARAMETERS
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &p)
	default:
		err = json.Unmarshal(data, &p)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	ApplyDefaults(&p)
	return &p, nil
}

// Default returns a configuration with every section populated.
func Default() *models.PARAMETERS {
	p := &models.PARAMETERS{SERIAL: &models.SERIAL{PORT: "/dev/ttyACM0"}}
	ApplyDefaults(p)
	return p
}

// ApplyDefaults fills missing sections and zero values.
func ApplyDefaults(p *models.PARAMETERS) {
	if p.SERIAL == nil {
		p.SERIAL = &models.SERIAL{}
	}
	if p.SERIAL.BAUDRATE <= 0 {
		p.SERIAL.BAUDRATE = DefaultBaud
	}
	if p.SERIAL.TIMEOUTMS == 0 {
		p.SERIAL.TIMEOUTMS = DefaultTimeoutMS
	}
	if p.SERIAL.OPENDELAYMS == 0 {
		p.SERIAL.OPENDELAYMS = DefaultOpenDelayMS
	}
	if p.CALIBRATION == nil {
		p.CALIBRATION = &models.CALCONFIG{}
	}
	c := p.CALIBRATION
	if c.PATH == "" {
		c.PATH = DefaultCalibrationPath
	}
	if c.SETTLEMS <= 0 {
		c.SETTLEMS = DefaultSettleMS
	}
	if c.STEPMS <= 0 {
		c.STEPMS = DefaultStepMS
	}
	if c.SAMPLES <= 0 {
		c.SAMPLES = DefaultSamples
	}
	if p.METER == nil {
		p.METER = &models.METER{KIND: "usbtmc", PORT: "/dev/usbtmc0"}
	}
	if p.SERVER == nil {
		p.SERVER = &models.SERVER{}
	}
	if p.SERVER.ADDR == "" {
		p.SERVER.ADDR = DefaultServerAddr
	}
	if p.LOG == nil {
		p.LOG = &models.LOG{}
	}
	if p.LOG.LEVEL == "" {
		p.LOG.LEVEL = "info"
		if p.DEBUG {
			p.LOG.LEVEL = "debug"
		}
	}
	if p.LOG.FORMAT == "" {
		p.LOG.FORMAT = "text"
	}
}

// NewLogger builds a logrus logger from cfg. Unknown levels fall back to info;
// an unopenable log file falls back to stderr with a warning.
func NewLogger(cfg *models.LOG) *logrus.Logger {
	log := logrus.New()
	if cfg == nil {
		cfg = &models.LOG{}
	}
	level, err := logrus.ParseLevel(cfg.LEVEL)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	if cfg.FORMAT == "json" {
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02 15:04:05",
		})
	} else {
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}

	switch cfg.OUTPUT {
	case "stdout":
		log.SetOutput(os.Stdout)
	case "file":
		if cfg.FILE == "" {
			break
		}
		f, err := os.OpenFile(cfg.FILE, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			log.Warnf("open log file %s: %v, using stderr", cfg.FILE, err)
			break
		}
		log.SetOutput(f)
	case "discard":
		log.SetOutput(io.Discard)
	}
	return log
}
