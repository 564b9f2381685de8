package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/yourusername/jobwatch/internal/config"
	"github.com/yourusername/jobwatch/internal/jobs"
	"github.com/yourusername/jobwatch/internal/logging"
	"github.com/yourusername/jobwatch/internal/session"
	"github.com/yourusername/jobwatch/internal/validate"
)

// app は1回の実行で共有するセッションです。
type app struct {
	sess *session.Session
	out  io.Writer
}

type trackFlags struct {
	jobType        string
	timeout        time.Duration
	poll           time.Duration
	tolerateErrors bool
	rebootMachine  string
}

func (f *trackFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.jobType, "type", "", "job type (Backup, Restore, AuxCopy, DDBVerification, Install, DataAging)")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 0, "maximum time to wait (default from JOB_TIMEOUT_MINUTES)")
	cmd.Flags().DurationVar(&f.poll, "poll", 0, "poll interval (default from POLL_INTERVAL_SECONDS)")
	cmd.Flags().BoolVar(&f.tolerateErrors, "tolerate-errors", false, "treat \"Completed with Errors\" as success")
	cmd.Flags().StringVar(&f.rebootMachine, "reboot-machine", "", "inventory machine to watch for a pending reboot")
}

func (f *trackFlags) options(a *app) (jobs.Options, error) {
	opts := jobs.Options{Timeout: f.timeout, PollInterval: f.poll, TolerateErrors: f.tolerateErrors}
	if f.rebootMachine != "" {
		probe, err := a.sess.RebootProbe(f.rebootMachine)
		if err != nil {
			return opts, err
		}
		opts.Reboot = probe
	}
	return opts, nil
}

// close はセッションを閉じます。コマンドが失敗した場合も呼び出します。
func (a *app) close() error {
	if a.sess == nil {
		return nil
	}
	return a.sess.Close()
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:          "jobwatch",
		Short:        "Submit, track and validate data-protection jobs",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger, err := logging.NewWithOutput(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}
			sess, err := session.Open(cmd.Context(), cfg, session.WithLogger(logger))
			if err != nil {
				return err
			}
			a.sess = sess
			a.out = cmd.OutOrStdout()
			return nil
		},
	}

	root.AddCommand(
		newSubmitCmd(a),
		newWaitCmd(a),
		newStatusCmd(a),
		newKillCmd(a),
		newValidateCmd(a),
	)
	return root
}

func newSubmitCmd(a *app) *cobra.Command {
	var (
		flags   trackFlags
		target  map[string]string
		options map[string]string
		wait    bool
		plan    string
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit an operation and print its job id",
		Example: `  jobwatch submit --type Backup --target client=c1,subclient=default --option backup_level=full --wait
  jobwatch submit --type AuxCopy --target storagePolicy=sp1 --wait --plan auxcopy-basic`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.jobType == "" {
				return fmt.Errorf("--type is required")
			}
			op := jobs.Operation{Type: jobs.Type(flags.jobType), Target: target}
			for k, v := range options {
				op = op.WithOption(k, v)
			}
			job, err := a.sess.Submitter.Submit(cmd.Context(), op)
			if err != nil {
				return err
			}
			if !wait && plan == "" {
				return a.print(map[string]string{"jobId": job.ID()})
			}
			return a.track(cmd, job, &flags, plan)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringToStringVar(&target, "target", nil, "target entities as key=value pairs")
	cmd.Flags().StringToStringVar(&options, "option", nil, "operation options as key=value pairs")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the job to finish")
	cmd.Flags().StringVar(&plan, "plan", "", "validation plan to check after the job finishes (implies --wait)")
	return cmd
}

func newWaitCmd(a *app) *cobra.Command {
	var flags trackFlags
	cmd := &cobra.Command{
		Use:   "wait JOB_ID",
		Short: "Poll a job until it reaches a terminal status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := a.sess.Attach(args[0], jobs.Type(flags.jobType))
			if err != nil {
				return err
			}
			return a.track(cmd, job, &flags, "")
		},
	}
	flags.register(cmd)
	return cmd
}

func newStatusCmd(a *app) *cobra.Command {
	var jobType string
	cmd := &cobra.Command{
		Use:   "status JOB_ID",
		Short: "Print the current status of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := a.sess.Attach(args[0], jobs.Type(jobType))
			if err != nil {
				return err
			}
			snap, err := job.Refresh(cmd.Context())
			if err != nil {
				return err
			}
			return a.print(snap)
		},
	}
	cmd.Flags().StringVar(&jobType, "type", "", "job type")
	return cmd
}

func newKillCmd(a *app) *cobra.Command {
	var (
		flags trackFlags
		phase string
	)
	cmd := &cobra.Command{
		Use:   "kill JOB_ID",
		Short: "Kill a job and wait until the kill is confirmed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := a.sess.Attach(args[0], jobs.Type(flags.jobType))
			if err != nil {
				return err
			}
			opts, err := flags.options(a)
			if err != nil {
				return err
			}
			var out *jobs.Outcome
			if phase != "" {
				out, err = a.sess.Tracker.KillInPhase(cmd.Context(), job, phase, opts)
			} else {
				out, err = a.sess.Tracker.Kill(cmd.Context(), job, opts)
			}
			if err != nil {
				return err
			}
			if perr := a.print(out); perr != nil {
				return perr
			}
			if out.TimedOut {
				return out.Err()
			}
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&phase, "phase", "", "wait for this phase before killing")
	return cmd
}

func newValidateCmd(a *app) *cobra.Command {
	var (
		flags trackFlags
		plan  string
	)
	cmd := &cobra.Command{
		Use:   "validate JOB_ID",
		Short: "Check a finished job against a validation plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if plan == "" {
				return fmt.Errorf("--plan is required")
			}
			job, err := a.sess.Attach(args[0], jobs.Type(flags.jobType))
			if err != nil {
				return err
			}
			return a.track(cmd, job, &flags, plan)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&plan, "plan", "", "validation plan name")
	return cmd
}

// track はジョブを待ち、plan があれば検証します。
func (a *app) track(cmd *cobra.Command, job *jobs.Job, flags *trackFlags, plan string) error {
	var exp *validate.Expectation
	if plan != "" {
		e, err := a.sess.Plans.Get(plan)
		if err != nil {
			return err
		}
		exp = &e
	}
	opts, err := flags.options(a)
	if err != nil {
		return err
	}
	out, err := a.sess.Tracker.Wait(cmd.Context(), job, opts)
	if err != nil {
		return err
	}
	if perr := a.print(out); perr != nil {
		return perr
	}
	if exp == nil || out.TimedOut {
		return out.Err()
	}
	return a.sess.Validator.Validate(cmd.Context(), out, *exp)
}

func (a *app) print(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
