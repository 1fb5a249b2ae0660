package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/san-kum/beamstab/internal/config"
	"github.com/san-kum/beamstab/internal/device"
	"github.com/san-kum/beamstab/internal/metrics"
	"github.com/san-kum/beamstab/internal/server"
	"github.com/san-kum/beamstab/internal/stabilizer"
	"github.com/san-kum/beamstab/internal/storage"
	"github.com/san-kum/beamstab/internal/viz"
)

const activationPrompt = "Activate beam current stabilization with the above parameters? (y/n) "

func runStabilizer(cmd *cobra.Command, args []string) error {
	logger := newLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	printParameters(os.Stdout, cfg)
	if !assumeYes {
		ok, err := confirm(os.Stdin, os.Stdout)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("beam current stabilization not activated")
			return nil
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if monitor {
		// The monitor owns the terminal; logs go next to the run history.
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return err
		}
		f, err := os.OpenFile(filepath.Join(dataDir, "beamstab.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
		defer f.Close()
		logger.SetOutput(f)
	}

	gun, closeGun, err := openDevice(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeGun()

	mem := storage.NewMemory(storage.DefaultMemoryCapacity)
	recorder := storage.Tee{mem}
	if !noLog {
		sess, err := storage.New(dataDir).Begin(deviceName, cfg)
		if err != nil {
			return err
		}
		defer sess.Close()
		recorder = append(recorder, sess)
		logger.Info("recording history", "run", sess.ID, "dir", sess.Dir)
	}

	reg := prometheus.NewRegistry()
	collector, err := metrics.NewCollector(reg)
	if err != nil {
		return err
	}

	src := config.FileSource{Path: configFile}
	opts := []stabilizer.Option{
		stabilizer.WithLogger(logger),
		stabilizer.WithRecorder(recorder),
		stabilizer.WithConfigSource(src),
		stabilizer.WithConfigSink(src),
		stabilizer.WithObserver(collector),
	}
	if resetOnReload {
		opts = append(opts, stabilizer.WithResetOnReload())
	}
	var feed *viz.Feed
	if monitor {
		feed = viz.NewFeed(0)
		opts = append(opts, stabilizer.WithObserver(feed))
	}

	loop := stabilizer.New(gun, gun, cfg, opts...)

	if listen != "" {
		srv := &server.Server{Loop: loop, History: mem, Gatherer: reg, Stop: cancel}
		httpSrv := &http.Server{Addr: listen, Handler: srv.Router()}
		go func() {
			logger.Info("serving control API", "addr", listen)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("control API stopped", "err", err)
			}
		}()
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
			defer done()
			httpSrv.Shutdown(shutdownCtx)
		}()
	}

	if !monitor {
		return loop.Run(ctx)
	}

	errc := make(chan error, 1)
	go func() {
		errc <- loop.Run(ctx)
		cancel()
	}()
	p := tea.NewProgram(viz.NewMonitor(ctx, cancel, loop, feed), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		cancel()
		<-errc
		return err
	}
	cancel()
	return <-errc
}

// gunDevice is what the loop needs from a device.
type gunDevice interface {
	stabilizer.Sensor
	stabilizer.Actuator
}

func openDevice(ctx context.Context, cfg config.Config, logger *log.Logger) (gunDevice, func(), error) {
	switch deviceName {
	case "sim":
		sim, err := newSim(cfg)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("using simulated gun", "voltage_v", cfg.VoltageMin+(cfg.VoltageMax-cfg.VoltageMin)/2)
		return sim, func() {}, nil
	case "remote":
		r := device.NewRemote(addr, serialLink, device.DefaultChannels(), logger)
		if err := r.Open(ctx); err != nil {
			return nil, nil, fmt.Errorf("connecting to gateway %s: %w", addr, err)
		}
		return r, func() { r.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown device: %s (expected sim or remote)", deviceName)
	}
}

// newSim builds a simulated gun starting in the middle of the voltage range.
func newSim(cfg config.Config) (*device.Sim, error) {
	p := device.DefaultPlantParams()
	if plantFile != "" {
		data, err := os.ReadFile(plantFile)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", plantFile, err)
		}
	}
	return device.NewSim(p, cfg.VoltageMin+(cfg.VoltageMax-cfg.VoltageMin)/2, seed), nil
}

func runGateway(cmd *cobra.Command, args []string) error {
	logger := newLogger()

	sim, err := newSim(config.DefaultConfig())
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", gatewayAddr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("serving simulated gun", "addr", ln.Addr().String(),
		"current", device.DefaultCurrentChannel, "voltage", device.DefaultVoltageChannel)
	return device.NewGateway(sim, device.DefaultChannels(), logger).Serve(ctx, ln)
}

func printParameters(w io.Writer, cfg config.Config) {
	fmt.Fprintf(w, "Target emission current: %g mA (resolution %g mA)\n", cfg.TargetCurrent, cfg.Resolution)
	fmt.Fprintf(w, "Focus voltage range: %g .. %g V\n", cfg.VoltageMin, cfg.VoltageMax)
	fmt.Fprintf(w, "Voltage step: %g .. %g V\n", cfg.StepMin, cfg.StepMax)
	fmt.Fprintf(w, "PID gains: Kp=%g Ki=%g Kd=%g\n", cfg.Kp, cfg.Ki, cfg.Kd)
	fmt.Fprintf(w, "Sampling interval: %s\n", cfg.Interval())
}

// confirm asks the activation question until it gets y or n. End of input
// counts as no.
func confirm(in io.Reader, out io.Writer) (bool, error) {
	sc := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, activationPrompt)
		if !sc.Scan() {
			return false, sc.Err()
		}
		switch strings.ToLower(strings.TrimSpace(sc.Text())) {
		case "y", "yes":
			return true, nil
		case "n", "no":
			return false, nil
		}
	}
}
