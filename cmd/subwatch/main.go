package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"subwatch/internal/app"
	"subwatch/internal/checker"
	"subwatch/internal/diff"
	"subwatch/internal/schedule"
	logx "subwatch/pkg/logx"
)

var rootCmd = &cobra.Command{
	Use:   "subwatch",
	Short: "Watches a substitution schedule and pushes changes to subscribers",
	Long: `subwatch polls the published substitution schedule, detects which classes
changed since the last check and notifies every subscriber with the lines that
matter to them. Run without a subcommand to start the service.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runService(cmd.Context())
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SUBWATCH")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("config", "c", "./config.json", "path to config (json or yaml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(checkCmd())
	rootCmd.AddCommand(diffCmd())
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the service until SIGINT or SIGTERM",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runService(cmd.Context())
		},
	}
}

func runService(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	a, err := app.NewApp(viper.GetString("config"))
	if err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)

	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return err
	}

	reason := app.StopUnknown
	select {
	case s := <-sig:
		reason = app.StopSIGTERM
		if s == os.Interrupt {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		reason = app.StopFatalError
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	runErr := a.Err()
	if err := a.Stop(stopCtx, reason); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func checkCmd() *cobra.Command {
	var level string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run one check cycle and list the changed classes",
		Long: `check fetches the schedule once and compares it with the stored hashes.
Changed classes are recorded as seen, so the running service will not report
them again.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			chk, err := app.NewOfflineChecker(viper.GetString("config"), logx.NewConsole(level))
			if err != nil {
				return err
			}
			defer chk.Close()

			changed, err := chk.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(changed)
			}
			renderChanged(os.Stdout, changed)
			return nil
		},
	}
	cmd.Flags().StringVar(&level, "log-level", "warn", "log level")
	return cmd
}

func diffCmd() *cobra.Command {
	var (
		subject string
		courses string
	)
	cmd := &cobra.Command{
		Use:   "diff OLD.json NEW.json",
		Short: "Print the changes of one class between two schedule files",
		Long: `diff compares two saved schedule pages with the identity and relevance
rules of --config. Without a config file the built-in rules apply.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			oldS, err := readSchedule(args[0])
			if err != nil {
				return err
			}
			newS, err := readSchedule(args[1])
			if err != nil {
				return err
			}
			rules, err := app.DiffRules(viper.GetString("config"))
			if err != nil {
				return err
			}
			eng := diff.New(rules, logx.NewConsole("warn"))
			subj := schedule.NormalizeSubject(subject)
			deltas, err := eng.Delta(subj, newS, oldS, splitCourses(courses))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(deltas)
			}
			renderDeltas(os.Stdout, deltas)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "class to compare, e.g. 5A")
	cmd.Flags().StringVar(&courses, "courses", "", "comma separated course filter")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func readSchedule(path string) (schedule.Schedule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return schedule.Schedule{}, err
	}
	s, err := checker.JSONParser{}.Parse(raw)
	if err != nil {
		return schedule.Schedule{}, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

func splitCourses(raw string) []string {
	var out []string
	for _, c := range strings.Split(raw, ",") {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
