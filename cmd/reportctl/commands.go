package main

import (
	"context"
	"encoding/json"
	"fmt"
	"errors"
	"io"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/yungbote/marketbench-backend/internal/apiclient"
	"github.com/yungbote/marketbench-backend/internal/platform/logger"
	"github.com/yungbote/marketbench-backend/internal/watcher"
)

type env struct {
	cfg    cliConfig
	log    *logger.Logger
	api    *apiclient.Client
	out    io.Writer
	errOut io.Writer
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	var cfgFile string
	var e env

	root := &cobra.Command{
		Use:           "reportctl",
		Short:         "Follow benchmark reports from payment to delivery",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := bindConfig(cmd, v, cfgFile); err != nil {
				return err
			}
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			log, err := logger.New(cfg.LogMode)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			api, err := apiclient.New(log, cfg.apiConfig())
			if err != nil {
				return err
			}
			e = env{cfg: cfg, log: log, api: api, out: cmd.OutOrStdout(), errOut: cmd.ErrOrStderr()}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			e.log.Sync()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default ./reportctl.yaml)")
	pf.String("api-url", "", "report API base URL")
	pf.String("token", "", "bearer token")
	pf.String("log-mode", "", "logger mode: development, production or test")
	pf.Duration("poll-interval", 0, "status poll interval")
	pf.Duration("hard-timeout", 0, "give up watching after this long")
	pf.Duration("stall-threshold", 0, "re-trigger generation when processing shows no update for this long")
	pf.Bool("json", false, "print results as JSON")

	root.AddCommand(
		verifyCmd(&e),
		watchCmd(&e),
		retryCmd(&e),
		abandonCmd(&e),
		statusCmd(&e),
	)
	return root
}

func verifyCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <checkout-session-id>",
		Short: "Confirm payment for a checkout session and follow generation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w := e.newWatcher()
			res, err := w.Verify(cmd.Context(), args[0])
			return e.finish(res, err)
		},
	}
}

func watchCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <report-id>",
		Short: "Poll a paid report until it is ready or failed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseReportID(args[0])
			if err != nil {
				return err
			}
			res, err := e.newWatcher().Watch(cmd.Context(), id)
			return e.finish(res, err)
		},
	}
}

func retryCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <report-id>",
		Short: "Retry generation for a failed report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseReportID(args[0])
			if err != nil {
				return err
			}
			res, err := e.newWatcher().Retry(cmd.Context(), id)
			return e.finish(res, err)
		},
	}
}

func abandonCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "abandon <report-id>",
		Short: "Mark an unfinished report abandoned",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseReportID(args[0])
			if err != nil {
				return err
			}
			if err := e.newWatcher().Abandon(cmd.Context(), id); err != nil {
				return fmt.Errorf("abandon %s: %w", id, err)
			}
			fmt.Fprintf(e.out, "report %s abandoned\n", id)
			return nil
		},
	}
}

func statusCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "status <report-id>",
		Short: "Print the current status of a report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseReportID(args[0])
			if err != nil {
				return err
			}
			view, err := e.api.Status(cmd.Context(), id)
			if err != nil {
				return err
			}
			if e.cfg.JSON {
				return writeJSON(e.out, view)
			}
			fmt.Fprintf(e.out, "%s  %s  %d%%  %s\n", view.ID, view.Status, view.ProcessingProgress, view.ProcessingStep)
			if view.ErrorKind != "" {
				fmt.Fprintf(e.out, "error: %s %s\n", view.ErrorKind, view.ErrorMessage)
			}
			return nil
		},
	}
}

func (e *env) newWatcher() *watcher.Watcher {
	return watcher.New(e.log, e.api, e.cfg.watcherConfig(), watcher.WithOnUpdate(func(u watcher.Update) {
		if e.cfg.JSON {
			return
		}
		if u.Step != "" {
			fmt.Fprintf(e.errOut, "[%3d%%] %s (%s)\n", u.Progress, u.Phase, u.Step)
			return
		}
		fmt.Fprintf(e.errOut, "[%3d%%] %s\n", u.Progress, u.Phase)
	}))
}

type resultJSON struct {
	ReportID     uuid.UUID       `json:"reportId"`
	Phase        watcher.Phase   `json:"phase"`
	Status       string          `json:"status"`
	Progress     int             `json:"progress"`
	TimedOut     bool            `json:"timedOut,omitempty"`
	Retryable    bool            `json:"retryable,omitempty"`
	ErrorKind    string          `json:"errorKind,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
}

func (e *env) finish(res *watcher.Result, err error) error {
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return fmt.Errorf("interrupted")
		}
		return err
	}
	if e.cfg.JSON {
		if werr := writeJSON(e.out, resultJSON{
			ReportID:     res.ReportID,
			Phase:        res.Phase,
			Status:       string(res.Status),
			Progress:     res.Progress,
			TimedOut:     res.TimedOut,
			Retryable:    res.Retryable,
			ErrorKind:    res.ErrorKind,
			ErrorMessage: res.ErrorMessage,
			Output:       json.RawMessage(res.Output),
		}); werr != nil {
			return werr
		}
	}
	switch res.Phase {
	case watcher.PhaseReady:
		if !e.cfg.JSON {
			_, _ = e.out.Write(res.Output)
			fmt.Fprintln(e.out)
		}
		return nil
	case watcher.PhaseAbandoned:
		return fmt.Errorf("report %s was abandoned", res.ReportID)
	}
	if res.TimedOut {
		return fmt.Errorf("report %s is taking longer than expected; run `reportctl retry %s`", res.ReportID, res.ReportID)
	}
	msg := res.ErrorMessage
	if msg == "" {
		msg = "generation failed"
	}
	return fmt.Errorf("report %s failed (%s): %s; run `reportctl retry %s`", res.ReportID, res.ErrorKind, msg, res.ReportID)
}

func parseReportID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid report id %q", raw)
	}
	return id, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
