package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/CK6170/AnalogShield-go/calibration"
	file "github.com/CK6170/AnalogShield-go/file"
	"github.com/CK6170/AnalogShield-go/internal/config"
	"github.com/CK6170/AnalogShield-go/internal/server"
	models "github.com/CK6170/AnalogShield-go/models"
	serialpkg "github.com/CK6170/AnalogShield-go/serial"
	ui "github.com/CK6170/AnalogShield-go/ui"
	"gonum.org/v1/gonum/stat"
)

// App version variables. Set these at build time with -ldflags if desired.
var (
	AppVersion = "dev"
	AppBuild   = "local"
)

const usage = `Usage: analogshield [flags] <command> [args]

Commands:
  write <ch> <volts>                 set a DAC output (-raw skips correction)
  read <ch> [samples]                read an ADC channel (-raw skips correction)
  ramp <ch> [on|off] [key=value...]  period=ms amplitude=V offset=V phase=% function=triangle|sine|square
  queue on|off                       toggle command queue mode
  calibrate [adc|dac|both] [ch|all]  interactive calibration against the meter
  show                               print the stored calibration table
  init [path]                        write a default config file

<ch> is 0..3, or "all" where the command allows it.

Flags:
`

func main() {
	var (
		cfgPath = flag.String("config", "config.json", "parameters file (.json, .yaml)")
		port    = flag.String("port", "", "serial port (overrides SERIAL.PORT, \"sim\" for the simulator)")
		raw     = flag.Bool("raw", false, "skip the calibration correction")
		debug   = flag.Bool("debug", false, "verbose output")
		version = flag.Bool("v", false, "print version and exit")
	)
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if *version {
		fmt.Printf("%s [build %s]\n", AppVersion, AppBuild)
		return
	}
	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	// Route the standard logger output through the red writer
	log.SetFlags(0)
	log.SetOutput(ui.NewRedWriter(os.Stderr))

	if args[0] == "init" {
		path := *cfgPath
		if len(args) > 1 {
			path = args[1]
		}
		if err := file.PersistParameters(path, config.Default()); err != nil {
			log.Fatalf("init: %v", err)
		}
		ui.Greenf("Wrote %s\n", path)
		return
	}

	params, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("%v", err)
	}
	if *port != "" {
		params.SERIAL.PORT = *port
	}
	if *debug {
		params.DEBUG = true
		params.LOG.LEVEL = "debug"
	}
	logger := config.NewLogger(params.LOG)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	store, closeStore, err := calibration.OpenStore(ctx, params.CALIBRATION, logger)
	if err != nil {
		log.Fatalf("calibration store: %v", err)
	}
	defer closeStore()

	if args[0] == "show" {
		table, err := store.Load(ctx)
		if err != nil {
			log.Fatalf("%v", err)
		}
		ui.PrintTable(table)
		return
	}

	table, err := store.Load(ctx)
	if err != nil {
		ui.Warningf("Warning: calibration not loaded: %v\n", err)
	}
	hw, err := server.OpenHardware(ctx, params, serialpkg.Options{
		Calibration: table,
		Log:         logger,
		OnWarning: func(w serialpkg.Warning) {
			ui.Warningf("Warning: %v\n", w)
		},
	})
	if err != nil {
		log.Fatalf("%v", err)
	}
	defer hw.Close()
	ui.Debugf(params.DEBUG, "shield ready on %s\n", params.SERIAL.PORT)

	if err := run(ctx, hw, params, store, args, *raw); err != nil {
		hw.Close()
		log.Fatalf("%s: %v", args[0], err)
	}
}

func run(ctx context.Context, hw *server.Hardware, params *models.PARAMETERS, store calibration.Store, args []string, raw bool) error {
	sh := hw.Shield
	cmd, args := args[0], args[1:]
	need := func(n int) error {
		if len(args) < n {
			return fmt.Errorf("expected %d argument(s), see -h", n)
		}
		return nil
	}

	switch cmd {
	case "write":
		if err := need(2); err != nil {
			return err
		}
		ch, err := serialpkg.ParseChannel(args[0])
		if err != nil {
			return err
		}
		v, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return err
		}
		if raw {
			return sh.AnalogWriteRaw(ctx, ch, v)
		}
		return sh.AnalogWrite(ctx, ch, v)

	case "read":
		if err := need(1); err != nil {
			return err
		}
		ch, err := serialpkg.ParseChannel(args[0])
		if err != nil {
			return err
		}
		n := 1
		if len(args) > 1 {
			if n, err = strconv.Atoi(args[1]); err != nil {
				return err
			}
		}
		read := sh.AnalogRead
		if raw {
			read = sh.AnalogReadRaw
		}
		vals, err := read(ctx, ch, n)
		if err != nil {
			return err
		}
		for i, v := range vals {
			fmt.Printf("[%03d] % .6f\n", i, v)
		}
		if len(vals) > 1 {
			mean, sd := stat.MeanStdDev(vals, nil)
			ui.Greenf("mean % .6f  sd %.6f\n", mean, sd)
		}
		return nil

	case "ramp":
		if err := need(1); err != nil {
			return err
		}
		ch, err := serialpkg.ParseChannel(args[0])
		if err != nil {
			return err
		}
		return rampCommand(ctx, sh, ch, args[1:])

	case "queue":
		if err := need(1); err != nil {
			return err
		}
		switch strings.ToLower(args[0]) {
		case "on":
			return sh.QueueOn(ctx)
		case "off":
			return sh.QueueOff(ctx)
		}
		return fmt.Errorf("queue: want on or off, got %q", args[0])

	case "calibrate":
		dir, ch := "both", "all"
		if len(args) > 0 {
			dir = args[0]
		}
		if len(args) > 1 {
			ch = args[1]
		}
		jobs, err := calibration.Plan(dir, ch)
		if err != nil {
			return err
		}
		if hw.Meter == nil {
			return fmt.Errorf("no reference meter configured")
		}
		c := calibration.NewCalibrator(sh, hw.Meter, store)
		c.Log = config.NewLogger(params.LOG)
		cc := params.CALIBRATION
		c.Settle = time.Duration(cc.SETTLEMS) * time.Millisecond
		c.StepDelay = time.Duration(cc.STEPMS) * time.Millisecond
		c.Samples = cc.SAMPLES

		ui.ClearScreen()
		ui.Greenf("AnalogShield calibration version: %s [build %s]\n", AppVersion, AppBuild)
		ui.Greenf("--------------------------------------------\n")
		err = calibration.Run(ctx, c, jobs, calibration.Options{
			Debug:       params.DEBUG,
			RecordPath:  cc.RECORD,
			HistoryPath: historyPath(cc.PATH),
		})
		fmt.Println()
		ui.PrintTable(sh.Calibration())
		return err
	}
	return fmt.Errorf("unknown command %q", cmd)
}

// rampCommand applies key=value settings, then on/off. Every value is
// checked before anything is sent.
func rampCommand(ctx context.Context, sh *serialpkg.Shield, ch serialpkg.Channel, args []string) error {
	base := ch
	if ch == serialpkg.AllChannels {
		base = serialpkg.Channels[0]
	}
	cur, err := sh.Ramp(base)
	if err != nil {
		return err
	}
	var sets []func() error
	var toggle func() error
	for _, a := range args {
		switch strings.ToLower(a) {
		case "on":
			toggle = func() error { return sh.RampOn(ctx, ch) }
			continue
		case "off":
			toggle = func() error { return sh.RampOff(ctx, ch) }
			continue
		}
		key, val, ok := strings.Cut(a, "=")
		if !ok {
			return fmt.Errorf("ramp: bad argument %q", a)
		}
		if strings.ToLower(key) == "function" {
			w, err := serialpkg.ParseWaveform(val)
			if err != nil {
				return err
			}
			cur.Function = w
			sets = append(sets, func() error { return sh.SetRampFunction(ctx, ch, w) })
			continue
		}
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return fmt.Errorf("ramp %s: %w", key, err)
		}
		switch strings.ToLower(key) {
		case "period":
			d := time.Duration(f * float64(time.Millisecond))
			cur.Period = d
			sets = append(sets, func() error { return sh.SetRampPeriod(ctx, ch, d) })
		case "amplitude", "amp":
			cur.Amplitude = f
			sets = append(sets, func() error { return sh.SetRampAmplitude(ctx, ch, f) })
		case "offset":
			cur.Offset = f
			sets = append(sets, func() error { return sh.SetRampOffset(ctx, ch, f) })
		case "phase":
			cur.Phase = f
			sets = append(sets, func() error { return sh.SetRampPhase(ctx, ch, f) })
		default:
			return fmt.Errorf("ramp: unknown setting %q", key)
		}
	}
	if err := cur.Validate(); err != nil {
		return err
	}
	if toggle != nil {
		sets = append(sets, toggle)
	}
	for _, fn := range sets {
		if err := fn(); err != nil {
			return err
		}
	}
	for _, c := range serialpkg.Channels {
		if ch != serialpkg.AllChannels && c != ch {
			continue
		}
		r, _ := sh.Ramp(c)
		fmt.Printf("ramp %d: on=%v period=%v amplitude=%.3f offset=%.3f phase=%.1f%% %s\n",
			c, r.On, r.Period, r.Amplitude, r.Offset, r.Phase, r.Function)
	}
	return nil
}

// historyPath puts the calibration history next to the calibration file.
func historyPath(calPath string) string {
	if calPath == "" {
		return ""
	}
	return strings.TrimSuffix(calPath, ".json") + "_history.log"
}
