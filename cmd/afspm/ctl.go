package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/c360/afspm/control"
	"github.com/c360/afspm/message"
)

type ctlOptions struct {
	id          string
	controlMode string
	units       string
}

// ctlAction is one control request exposed as a subcommand.
type ctlAction struct {
	use   string
	short string
	args  cobra.PositionalArgs
	build func(o *ctlOptions, args []string) (control.Request, error)
}

func floats(args []string) ([]float64, error) {
	out := make([]float64, len(args))
	for i, a := range args {
		v, err := strconv.ParseFloat(a, 64)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i+1, err)
		}
		out[i] = v
	}
	return out, nil
}

func controlMode(s string) (control.Request, error) {
	mode, err := message.ParseControlMode(s)
	if err != nil {
		return control.Request{}, err
	}
	return control.RequestControl(mode), nil
}

var ctlActions = []ctlAction{
	{use: "start-scan", short: "Start a scan", args: cobra.NoArgs,
		build: func(*ctlOptions, []string) (control.Request, error) { return control.StartScan(), nil }},
	{use: "stop-scan", short: "Stop the current scan", args: cobra.NoArgs,
		build: func(*ctlOptions, []string) (control.Request, error) { return control.StopScan(), nil }},
	{use: "start-spec", short: "Start a spectroscopy", args: cobra.NoArgs,
		build: func(*ctlOptions, []string) (control.Request, error) { return control.StartSpec(), nil }},
	{use: "stop-spec", short: "Stop the current spectroscopy", args: cobra.NoArgs,
		build: func(*ctlOptions, []string) (control.Request, error) { return control.StopSpec(), nil }},
	{use: "set-scan X Y WIDTH HEIGHT RES_X RES_Y", short: "Set the scan region", args: cobra.ExactArgs(6),
		build: func(o *ctlOptions, args []string) (control.Request, error) {
			v, err := floats(args)
			if err != nil {
				return control.Request{}, err
			}
			return control.SetScanParams(message.ScanParameters2d{
				TopLeft:    message.Point2d{X: v[0], Y: v[1]},
				Size:       message.Size2d{X: v[2], Y: v[3]},
				Units:      o.units,
				Resolution: message.Resolution{X: int(v[4]), Y: int(v[5])},
			}), nil
		}},
	{use: "set-probe X Y", short: "Move the probe for spectroscopy", args: cobra.ExactArgs(2),
		build: func(o *ctlOptions, args []string) (control.Request, error) {
			v, err := floats(args)
			if err != nil {
				return control.Request{}, err
			}
			return control.SetProbePos(message.ProbePosition{Point: message.Point2d{X: v[0], Y: v[1]}, Units: o.units}), nil
		}},
	{use: "set-zctrl P_GAIN I_GAIN SETPOINT", short: "Set the feedback loop", args: cobra.ExactArgs(3),
		build: func(_ *ctlOptions, args []string) (control.Request, error) {
			v, err := floats(args)
			if err != nil {
				return control.Request{}, err
			}
			return control.SetZCtrlParams(message.ZCtrlParameters{
				FeedbackOn:       true,
				ProportionalGain: v[0],
				IntegralGain:     v[1],
				Setpoint:         v[2],
			}), nil
		}},
	{use: "get-param NAME", short: "Read a device parameter", args: cobra.ExactArgs(1),
		build: func(_ *ctlOptions, args []string) (control.Request, error) { return control.GetParam(args[0]), nil }},
	{use: "set-param NAME VALUE", short: "Write a device parameter", args: cobra.ExactArgs(2),
		build: func(o *ctlOptions, args []string) (control.Request, error) {
			return control.SetParam(args[0], args[1], o.units), nil
		}},
	{use: "request-control MODE", short: "Take control under MODE (AUTOMATED, MANUAL)", args: cobra.ExactArgs(1),
		build: func(_ *ctlOptions, args []string) (control.Request, error) { return controlMode(args[0]) }},
	{use: "release-control", short: "Give up control", args: cobra.NoArgs,
		build: func(*ctlOptions, []string) (control.Request, error) { return control.ReleaseControl(), nil }},
	{use: "add-problem TAG", short: "Flag an experiment problem", args: cobra.ExactArgs(1),
		build: func(_ *ctlOptions, args []string) (control.Request, error) {
			return control.AddProblem(message.ExperimentProblem(args[0])), nil
		}},
	{use: "remove-problem TAG", short: "Clear an experiment problem", args: cobra.ExactArgs(1),
		build: func(_ *ctlOptions, args []string) (control.Request, error) {
			return control.RemoveProblem(message.ExperimentProblem(args[0])), nil
		}},
	{use: "set-mode MODE", short: "Switch between AUTOMATED and MANUAL", args: cobra.ExactArgs(1),
		build: func(_ *ctlOptions, args []string) (control.Request, error) {
			mode, err := message.ParseControlMode(args[0])
			if err != nil {
				return control.Request{}, err
			}
			return control.SetControlMode(mode), nil
		}},
	{use: "end", short: "End the experiment: every process shuts down", args: cobra.NoArgs,
		build: func(*ctlOptions, []string) (control.Request, error) { return control.EndExperiment(), nil }},
}

func newCtlCmd(opts *rootOptions) *cobra.Command {
	o := &ctlOptions{}
	cmd := &cobra.Command{
		Use:   "ctl",
		Short: "Send one control request to the router and print the response",
		Long: `ctl sends a single request and prints the router's response code. It
exits non-zero unless the response is REP_SUCCESS.

Device commands need control. Pass --control-mode to take control for the
request and release it afterwards, or reuse an --id that already holds it.`,
	}
	flags := cmd.PersistentFlags()
	flags.StringVar(&o.id, "id", "", "Client identity; empty generates one")
	flags.StringVar(&o.controlMode, "control-mode", "", "Take control under this mode for the request, then release it")
	flags.StringVar(&o.units, "units", "nm", "Units of positional arguments")

	for _, a := range ctlActions {
		cmd.AddCommand(&cobra.Command{
			Use:   a.use,
			Short: a.short,
			Args:  a.args,
			RunE: func(cmd *cobra.Command, args []string) error {
				req, err := a.build(o, args)
				if err != nil {
					return err
				}
				e, err := opts.setup(cmd, "ctl")
				if err != nil {
					return err
				}
				return runCtl(cmd.Context(), cmd.OutOrStdout(), e, o, req)
			},
		})
	}
	return cmd
}

func runCtl(ctx context.Context, out io.Writer, e *env, o *ctlOptions, req control.Request) error {
	client := control.NewClient(e.factory, control.ClientConfig{
		Subject:    e.cfg.Subjects().Router(),
		ID:         o.id,
		Timeout:    e.cfg.Client.Timeout.D(),
		Retries:    e.cfg.Client.Retries,
		RetryDelay: e.cfg.Client.RetryDelay.D(),
		Codec:      e.registry.Codec(),
		Logger:     e.logger,
		Metrics:    e.core,
	})
	defer func() { _ = client.Close(context.Background()) }()

	var rep control.Response
	if o.controlMode != "" {
		mode, err := message.ParseControlMode(o.controlMode)
		if err != nil {
			return err
		}
		rep = client.SendWithAutoControl(ctx, req, mode)
		if release := client.ReleaseControl(ctx); !release.OK() {
			e.logger.Debug("Release after request failed", "response", release.Code.String())
		}
	} else {
		rep = client.Send(ctx, req)
	}

	if err := printResponse(out, rep); err != nil {
		return err
	}
	if !rep.OK() {
		return fmt.Errorf("%s: %s", req.Kind, rep.Code)
	}
	return nil
}

func printResponse(out io.Writer, rep control.Response) error {
	if _, err := fmt.Fprintln(out, rep.Code.String()); err != nil {
		return err
	}
	if rep.Payload == nil {
		return nil
	}
	data, err := json.MarshalIndent(rep.Payload, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}
