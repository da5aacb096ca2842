package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/FAI3/orchestra/internal/ledger"
	"github.com/FAI3/orchestra/internal/log"
	"github.com/FAI3/orchestra/internal/model"
	"github.com/FAI3/orchestra/internal/service"
)

var (
	userConfigPath string // /default/config/path/orchestra on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag

	flagRun model.TestRequest
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "orchestra")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is orchestra.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	runCmd.Flags().Uint64Var((*uint64)(&flagRun.ModelID), "model", 0, "model id registered on the remote service")
	runCmd.Flags().IntVar(&flagRun.MaxQueries, "max-queries", 10, "maximum number of queries per evaluation")
	runCmd.Flags().Uint32Var(&flagRun.Seed, "seed", 0, "random seed")
	runCmd.Flags().BoolVar(&flagRun.Shuffle, "shuffle", false, "shuffle the questions (CAT)")
	runCmd.Flags().StringSliceVar(&flagRun.Dataset, "dataset", nil, "dataset to evaluate, repeatable (FAIRNESS)")
	runCmd.Flags().StringSliceVar(&flagRun.Languages, "language", nil, "language to evaluate, repeatable (KALEIDOSCOPE)")
	_ = runCmd.MarkFlagRequired("model")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initOrchestra

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(versionCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		slog.Error("orchestra failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "orchestra",
	Short:        "Launches evaluation tests on the remote job service and tracks their jobs",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve the dashboard API and poll the launched jobs",
	Args:  cobra.NoArgs,
	RunE:  doServe,
}

var runCmd = &cobra.Command{
	Use:       "run CAT|FAIRNESS|KALEIDOSCOPE",
	Short:     "run a single test and print its outcome",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{string(model.KindCAT), string(model.KindFairness), string(model.KindKaleidoscope)},
	RunE:      doRun,
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "list the jobs of the configured owner",
	Args:  cobra.NoArgs,
	RunE:  doJobs,
}

var stopCmd = &cobra.Command{
	Use:   "stop JOB_ID",
	Short: "ask the remote service to stop a job",
	Args:  cobra.ExactArgs(1),
	RunE:  doStop,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print the build and config information",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 1, ' ', 0)
		for _, kv := range versionInfo() {
			fmt.Fprintf(w, "%s:\t%s\n", kv[0], kv[1])
		}
		return w.Flush()
	},
}

// versionInfo lists the module version and the vcs stamps of the binary.
func versionInfo() [][2]string {
	var ret [][2]string
	if configPath != "" {
		ret = append(ret, [2]string{"config", configPath})
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return append(ret, [2]string{"orchestra", "unknown"})
	}
	ret = append(ret,
		[2]string{"orchestra", info.Main.Version},
		[2]string{"go", info.GoVersion},
	)
	labels := map[string]string{
		"vcs.revision": "commit",
		"vcs.time":     "date",
		"vcs.modified": "dirty",
	}
	for _, s := range info.Settings {
		if label, ok := labels[s.Key]; ok {
			ret = append(ret, [2]string{label, s.Value})
		}
	}
	return ret
}

func doRun(cmd *cobra.Command, args []string) error {
	ctx := log.ContextAttrs(cmd.Context(), slog.Group("orchestra",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	))

	client, err := ledger.NewClient(config.Remote)
	if err != nil {
		return err
	}

	req := flagRun
	req.Kind = model.TestKind(strings.ToUpper(args[0]))

	registry := service.NewRegistry()
	var jobs []model.JobID
	registry.OnRegister(func(id model.JobID) { jobs = append(jobs, id) })

	dispatcher := service.NewDispatcher(client, registry, logNotifier)
	defer dispatcher.Close()

	run, err := dispatcher.Launch(ctx, req)
	if err != nil {
		return err
	}

	out, err := run.Wait(ctx)
	if err != nil {
		run.Cancel()
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	err = enc.Encode(struct {
		model.Outcome
		Jobs []model.JobID `json:"jobs"`
	}{out, jobs})
	if err != nil {
		return err
	}
	return out.Err()
}

func doJobs(cmd *cobra.Command, _ []string) error {
	if config.Remote.Owner == "" {
		return errors.New("remote.owner is not configured")
	}
	client, err := ledger.NewClient(config.Remote)
	if err != nil {
		return err
	}
	jobs, err := client.GetJobsByOwner(cmd.Context(), config.Remote.Owner)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tMODEL\tSTATUS\tPROGRESS\tUPDATED")
	for _, j := range jobs {
		fmt.Fprintf(w, "%s\t%d\t%s\t%d/%d\t%s\n",
			j.ID, j.ModelID, j.Status,
			j.Progress.Completed, j.Progress.Target,
			j.Timestamp.Local().Format(time.DateTime),
		)
	}
	return w.Flush()
}

func doStop(cmd *cobra.Command, args []string) error {
	id, err := model.ParseJobID(args[0])
	if err != nil {
		return fmt.Errorf("invalid job id %q: %w", args[0], err)
	}
	client, err := ledger.NewClient(config.Remote)
	if err != nil {
		return err
	}
	if err := client.StopJob(cmd.Context(), id); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "stop requested for job %s\n", id)
	return nil
}

// logNotifier surfaces notifications in the log when there is no dashboard.
var logNotifier = model.NotifierFunc(func(ctx context.Context, n model.Notification) {
	level := slog.LevelInfo
	if n.Level == model.LevelError {
		level = slog.LevelError
	}
	slog.Log(ctx, level, n.Message, "notification", n.Level, "kind", n.Kind, "job_id", n.JobID)
})

func initOrchestra(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv("ORCHESTRACONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{".", userConfigPath} {
			path := filepath.Join(d, "orchestra.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	// store default configuration
	if configPath == "" {
		configPath = filepath.Join(userConfigPath, "orchestra.yaml")
		if err := storeDefault(configPath); err != nil {
			return err
		}
	}

	var err error
	config, err = model.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("parsing config %s: %w", configPath, err)
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		config.Service.Verbose = true
	}

	// initialize logging
	slog.SetDefault(log.New(os.Stderr, config.Service.LogFormat, config.Service.Verbose))

	slog.Debug("orchestra run", "configPath", configPath)
	slog.Debug("orchestra run", "config", redacted(config))
	return nil
}

func storeDefault(path string) error {
	err := os.MkdirAll(filepath.Dir(path), 0755)
	if err != nil {
		return fmt.Errorf("creating directory %s: %w", filepath.Dir(path), err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating file %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()
	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(model.DefaultConfig()); err != nil {
		return fmt.Errorf("storing configuration: %w", err)
	}
	return enc.Close()
}

func redacted(cfg model.Config) model.Config {
	if cfg.Remote.Auth.Token != "" {
		cfg.Remote.Auth.Token = "***"
	}
	return cfg
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
