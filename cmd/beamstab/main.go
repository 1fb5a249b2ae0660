package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/log"
	"github.com/guptarohit/asciigraph"
	"github.com/spf13/cobra"

	"github.com/san-kum/beamstab/internal/config"
	"github.com/san-kum/beamstab/internal/storage"
)

var version = "dev"

var (
	dataDir    string
	configFile string
	debug      bool
	// run
	deviceName    string
	addr          string
	serialLink    bool
	listen        string
	monitor       bool
	assumeYes     bool
	noLog         bool
	resetOnReload bool
	plantFile     string
	seed          int64
	// mkconf
	preset string
	// gateway
	gatewayAddr string
)

// main registers the beamstab commands and executes the root command, exiting
// with status 1 on error.
func main() {
	rootCmd := &cobra.Command{
		Use:           "beamstab",
		Short:         "electron beam emission current stabilizer",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&dataDir, "data", ".beamstab", "data directory for run history")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", config.DefaultPath, "config file path (yaml or json)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "debug logging")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "run the stabilization loop",
		Args:  cobra.NoArgs,
		RunE:  runStabilizer,
	}
	runCmd.Flags().StringVar(&deviceName, "device", "sim", "device backend: sim or remote")
	runCmd.Flags().StringVar(&addr, "addr", "localhost:5064", "gateway address, or serial device with --serial")
	runCmd.Flags().BoolVar(&serialLink, "serial", false, "reach the gateway over a serial link")
	runCmd.Flags().StringVar(&listen, "listen", "", "serve the HTTP control API on this address, e.g. :8090")
	runCmd.Flags().BoolVar(&monitor, "monitor", false, "show the live terminal monitor")
	runCmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "activate without asking")
	runCmd.Flags().BoolVar(&noLog, "no-log", false, "do not record the run history")
	runCmd.Flags().BoolVar(&resetOnReload, "reset-on-reload", false, "clear the PID integral when the config file changes")
	runCmd.Flags().StringVar(&plantFile, "plant", "", "simulated plant parameters (yaml)")
	runCmd.Flags().Int64Var(&seed, "seed", time.Now().UnixNano(), "random seed of the simulated plant")

	gatewayCmd := &cobra.Command{
		Use:   "gateway",
		Short: "serve a simulated gun over the gateway line protocol",
		Args:  cobra.NoArgs,
		RunE:  runGateway,
	}
	gatewayCmd.Flags().StringVar(&gatewayAddr, "listen", ":5064", "listen address")
	gatewayCmd.Flags().StringVar(&plantFile, "plant", "", "simulated plant parameters (yaml)")
	gatewayCmd.Flags().Int64Var(&seed, "seed", time.Now().UnixNano(), "random seed")

	mkconfCmd := &cobra.Command{
		Use:   "mkconf",
		Short: "write a config file from a preset",
		Args:  cobra.NoArgs,
		RunE:  makeConfig,
	}
	mkconfCmd.Flags().StringVar(&preset, "preset", "default", "preset name")

	confCmd := &cobra.Command{
		Use:   "conf",
		Short: "print the effective configuration",
		Args:  cobra.NoArgs,
		RunE:  showConfig,
	}

	presetsCmd := &cobra.Command{
		Use:   "presets",
		Short: "list available presets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tTARGET\tKP\tKI\tKD\tSTEP_MAX")
			for _, name := range config.ListPresets() {
				p, _ := config.GetPreset(name)
				fmt.Fprintf(w, "%s\t%.1f mA\t%g\t%g\t%g\t%g V\n", name, p.TargetCurrent, p.Kp, p.Ki, p.Kd, p.StepMax)
			}
			return w.Flush()
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "list recorded runs",
		Args:  cobra.NoArgs,
		RunE:  listRuns,
	}

	plotCmd := &cobra.Command{
		Use:   "plot [run_id]",
		Short: "plot current and voltage of a run",
		Args:  cobra.ExactArgs(1),
		RunE:  plotRun,
	}

	exportJSONCmd := &cobra.Command{
		Use:   "export-json [run_id]",
		Short: "export run data to JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return storage.New(dataDir).ExportJSON(os.Stdout, args[0])
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("beamstab", version)
		},
	}

	rootCmd.AddCommand(runCmd, gatewayCmd, mkconfCmd, confCmd, presetsCmd, listCmd, plotCmd, exportJSONCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func newLogger() *log.Logger {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		TimeFormat:      "2006-01-02 15:04:05.000",
		Prefix:          "beamstab",
	})
	if debug {
		logger.SetLevel(log.DebugLevel)
	}
	return logger
}

// loadConfig reads the config file, falling back to the defaults when it
// does not exist yet.
func loadConfig(logger *log.Logger) (config.Config, error) {
	cfg, err := config.Load(configFile)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Warn("config file not found, using defaults", "path", configFile)
		return config.DefaultConfig(), nil
	}
	return cfg, err
}

func makeConfig(cmd *cobra.Command, args []string) error {
	cfg, ok := config.GetPreset(preset)
	if !ok {
		return fmt.Errorf("unknown preset: %s (available: %v)", preset, config.ListPresets())
	}
	if err := config.Save(configFile, cfg); err != nil {
		return err
	}
	fmt.Printf("wrote %s (preset %s)\n", configFile, preset)
	return nil
}

func showConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(newLogger())
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	return config.Encode(os.Stdout, cfg)
}

func listRuns(cmd *cobra.Command, args []string) error {
	st := storage.New(dataDir)
	runs, err := st.List()
	if err != nil {
		return err
	}

	if len(runs) == 0 {
		fmt.Println("no runs found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTARTED\tDEVICE\tTARGET\tVOLTAGE RANGE\tGAINS")

	for _, run := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%.1f mA\t%.0f..%.0f V\t%g/%g/%g\n",
			run.ID,
			run.Started.Format("2006-01-02 15:04:05"),
			run.Device,
			run.Config.TargetCurrent,
			run.Config.VoltageMin,
			run.Config.VoltageMax,
			run.Config.Kp,
			run.Config.Ki,
			run.Config.Kd,
		)
	}

	return w.Flush()
}

func plotRun(cmd *cobra.Command, args []string) error {
	runID := args[0]

	st := storage.New(dataDir)
	meta, err := st.Load(runID)
	if err != nil {
		return err
	}

	rows, err := st.LoadHistory(runID)
	if err != nil {
		return err
	}

	if len(rows) == 0 {
		return fmt.Errorf("no data to plot")
	}

	fmt.Printf("run: %s\n", meta.ID)
	fmt.Printf("device: %s\n", meta.Device)
	fmt.Printf("target: %.2f mA\n", meta.Config.TargetCurrent)
	fmt.Printf("cycles: %d\n\n", len(rows))

	currents := make([]float64, len(rows))
	voltages := make([]float64, len(rows))
	for i, row := range rows {
		currents[i] = row.Current
		voltages[i] = row.Voltage
	}

	for _, series := range []struct {
		data    []float64
		caption string
	}{
		{currents, "emission current [mA]"},
		{voltages, "focus voltage [V]"},
	} {
		graph := asciigraph.Plot(series.data,
			asciigraph.Height(10),
			asciigraph.Width(80),
			asciigraph.Caption(series.caption),
		)
		fmt.Println(graph)
		fmt.Println()
	}

	return nil
}
