// Command kp184bat discharges a battery through a KP184 electronic load
// and records voltage and current until a threshold or time limit ends the
// run.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	kp184 "github.com/afedorov3/KP184"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const exitUsage = 64

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

type options struct {
	tty, socket, serialConf, address string
	load, lowV, halfV, lowI, highI   string
	maxTime, interval                string
	baseline, debounce               uint64
	file                             string
	overwrite, quiet                 bool
	mqttBroker, mqttTopic            string
	metricsAddr, logLevel            string
	halfVSet                         bool
}

func parseFlags(args []string, env envDefaults, stderr io.Writer) (*options, error) {
	o := &options{}
	fs := flag.NewFlagSet("kp184bat", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.tty, "t", env.TTY, "communicate via TTY port")
	fs.StringVar(&o.socket, "s", env.Socket, "communicate via socket, host[:port]")
	fs.StringVar(&o.serialConf, "B", env.Serial, "serial configuration string")
	fs.StringVar(&o.address, "a", env.Address, "device address")
	fs.StringVar(&o.load, "l", "", "load mode and value: val[m]<A|R|W>")
	fs.StringVar(&o.lowV, "v", "", "voltage threshold, V")
	fs.StringVar(&o.halfV, "V", "", "voltage threshold to set half load, V (empty: same as -v)")
	fs.StringVar(&o.lowI, "c", "", "current low threshold, A")
	fs.StringVar(&o.highI, "C", "", "current high threshold, load is immediately off, A")
	fs.StringVar(&o.maxTime, "T", "", "maximum load time, h:m:s")
	fs.StringVar(&o.interval, "i", "1", "sample interval, s")
	fs.Uint64Var(&o.baseline, "N", kp184.DefaultBaselineSamples, "initial no load samples")
	fs.Uint64Var(&o.debounce, "n", kp184.DefaultDebounceSamples, "sequential samples exceeding thresholds")
	fs.StringVar(&o.file, "f", "", "output CSV file name [stdout]")
	fs.BoolVar(&o.overwrite, "o", false, "do not append CSV file")
	fs.BoolVar(&o.quiet, "q", false, "produce no additional information")
	fs.StringVar(&o.mqttBroker, "mqtt", env.MQTTBroker, "publish samples to this MQTT broker, tcp://host:port")
	fs.StringVar(&o.mqttTopic, "mqtt-topic", env.MQTTTopic, "MQTT topic prefix")
	fs.StringVar(&o.metricsAddr, "metrics", env.MetricsAddr, "serve Prometheus metrics on this address")
	fs.StringVar(&o.logLevel, "log", env.LogLevel, "log level: DEBUG, INFO, WARNING, ERROR, NONE")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "V" {
			o.halfVSet = true
		}
	})
	return o, nil
}

func buildConfig(o *options) (kp184.DischargeConfig, error) {
	cfg := kp184.DefaultDischargeConfig()
	var err error

	if o.load == "" || o.lowV == "" {
		return cfg, errors.New("load (-l) and voltage threshold (-v) are required")
	}
	if cfg.Mode, cfg.Load, err = kp184.ParseLoad(o.load); err != nil {
		return cfg, err
	}
	if cfg.LowVoltage, err = kp184.ParseQuantity(o.lowV, "V"); err != nil {
		return cfg, err
	}
	if o.halfVSet {
		if o.halfV == "" {
			cfg.HalfVoltage = cfg.LowVoltage
		} else if cfg.HalfVoltage, err = kp184.ParseQuantity(o.halfV, "V"); err != nil {
			return cfg, err
		}
	}
	if o.lowI != "" {
		if cfg.LowCurrent, err = kp184.ParseQuantity(o.lowI, "A"); err != nil {
			return cfg, err
		}
	}
	if o.highI != "" {
		if cfg.HighCurrent, err = kp184.ParseQuantity(o.highI, "A"); err != nil {
			return cfg, err
		}
	}
	if o.maxTime != "" {
		if cfg.MaxDuration, err = kp184.ParseHMS(o.maxTime); err != nil {
			return cfg, err
		}
	}
	if cfg.Interval, err = kp184.ParseInterval(o.interval); err != nil {
		return cfg, err
	}
	cfg.BaselineSamples = o.baseline
	cfg.DebounceSamples = o.debounce
	cfg.OutputPath = o.file
	cfg.Append = !o.overwrite
	cfg.Quiet = o.quiet
	return cfg, cfg.Validate()
}

func run(args []string, stderr io.Writer) int {
	logger := kp184.NewLogger(stderr, kp184.LevelWarning, "kp184bat")
	env := loadEnv(logger)

	o, err := parseFlags(args, env, stderr)
	if err != nil {
		return exitUsage
	}
	if level, err := kp184.ParseLogLevel(o.logLevel); err == nil {
		logger.SetLevel(level)
	} else {
		fmt.Fprintf(stderr, "ERR %v\n", err)
		return exitUsage
	}

	kind, target := kp184.LinkNone, ""
	switch {
	case o.tty != "" && o.socket != "":
		fmt.Fprintln(stderr, "ERR -t and -s are mutually exclusive")
		return exitUsage
	case o.tty != "":
		kind, target = kp184.LinkSerial, o.tty
	case o.socket != "":
		kind, target = kp184.LinkSocket, o.socket
	default:
		fmt.Fprintln(stderr, "ERR one of -t or -s is required")
		return exitUsage
	}

	cfg, err := buildConfig(o)
	if err != nil {
		fmt.Fprintf(stderr, "ERR %v\n", err)
		return exitUsage
	}

	link := kp184.NewLink()
	link.SetLogger(logger)
	dev, err := kp184.NewKP184(link, kp184.KP184ProtocolConfig())
	if err != nil {
		fmt.Fprintf(stderr, "ERR %v\n", err)
		return exitUsage
	}
	dev.SetLogger(logger)
	if o.address != "" {
		addr, perr := strconv.Atoi(o.address)
		if perr != nil || dev.SetAddress(addr) != nil {
			pc := dev.Framer().Config()
			fmt.Fprintf(stderr, "ERR Device address range is %d .. %d\n", pc.MinAddress, pc.MaxAddress)
			return exitUsage
		}
	}

	if err := link.Open(kind, target, o.serialConf); err != nil {
		fmt.Fprintf(stderr, "ERR %v\n", err)
		return 1
	}
	defer dev.Close()

	runID := uuid.NewString()
	if !cfg.Quiet {
		conf := ""
		if kind == kp184.LinkSerial {
			conf = " " + o.serialConf
		}
		fmt.Fprintf(stderr, "Connection: %s %s%s address %d\nRun: %s\nSettings:\n%s",
			kind, target, conf, dev.Address(), runID, cfg)
	}

	csvSink, err := kp184.NewCSVSink(cfg.OutputPath, cfg.Append, cfg.Persist())
	if err != nil {
		fmt.Fprintf(stderr, "ERR %v\n", err)
		return exitUsage
	}
	var sink kp184.SampleSink = csvSink
	if o.mqttBroker != "" {
		mcfg := kp184.DefaultMQTTConfig()
		mcfg.Broker = o.mqttBroker
		mcfg.Topic = o.mqttTopic
		mq, err := kp184.NewMQTTSink(mcfg, runID)
		if err != nil {
			fmt.Fprintf(stderr, "ERR %v\n", err)
			return 1
		}
		mq.SetLogger(logger)
		sink = kp184.TeeSink{csvSink, mq}
	}

	ctrl, err := kp184.NewController(dev, cfg, sink)
	if err != nil {
		fmt.Fprintf(stderr, "ERR %v\n", err)
		return exitUsage
	}
	ctrl.SetLogger(logger)

	console := newConsoleObserver(stderr, cfg)
	if console != nil {
		ctrl.AddObserver(console)
	}
	if o.metricsAddr != "" {
		srv := serveMetrics(o.metricsAddr, kp184.NewMetricsCollector(runID, cfg.Mode), ctrl, logger)
		defer srv.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	res, err := ctrl.Run(ctx)
	if console != nil && console.printed {
		fmt.Fprintln(stderr)
	}
	if err != nil {
		fmt.Fprintf(stderr, "ERR %v\n", err)
	}
	if !cfg.Quiet && res.Reason != kp184.ReasonNone {
		fmt.Fprintf(stderr, "Terminated by %s\n%s\n", res.Reason, res.Summary())
	}
	if res.Reason == kp184.ReasonNone && err != nil {
		return 1
	}
	return int(res.Reason)
}

func serveMetrics(addr string, collector *kp184.MetricsCollector, ctrl *kp184.Controller, logger io.Writer) *http.Server {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collector)
	ctrl.AddObserver(collector)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(logger, "[ERROR] metrics server: %v\n", err)
		}
	}()
	return srv
}

// consoleObserver keeps a one line progress report on the terminal and
// rings on every failed reconnect attempt.
type consoleObserver struct {
	w        io.Writer
	progress bool
	printed  bool
}

// newConsoleObserver returns nil in quiet mode. The progress line is
// only drawn when samples go to a file, so it never mixes with CSV on
// stdout.
func newConsoleObserver(w io.Writer, cfg kp184.DischargeConfig) *consoleObserver {
	if cfg.Quiet {
		return nil
	}
	return &consoleObserver{w: w, progress: cfg.OutputPath != ""}
}

func (c *consoleObserver) ObserveProgress(p kp184.Progress) {
	if !c.progress {
		return
	}
	c.printed = true
	fmt.Fprintf(c.w, "\r%d %s s %g V %g A %.5g W %.5g Ah %.5g Wh\x1b[K",
		p.Seq, p.ElapsedString(), p.Voltage, p.Current, p.Power(), p.Capacity, p.Energy)
}

func (c *consoleObserver) ObserveReconnect(attempt int, err error) {
	if err != nil {
		fmt.Fprint(c.w, ".\a")
	}
}
