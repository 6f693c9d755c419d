package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/mikey-austin/avbridge/internal/adapters/clock"
	"github.com/mikey-austin/avbridge/internal/adapters/idgen"
	"github.com/mikey-austin/avbridge/internal/adapters/mqtt"
	"github.com/mikey-austin/avbridge/internal/adapters/output"
	"github.com/mikey-austin/avbridge/internal/avbd"
	"github.com/mikey-austin/avbridge/pkg/bridge"
)

type ctlApp struct {
	client  *mqtt.Client
	printer output.Printer
	timeout time.Duration
}

type ctlKey struct{}

func ctlFromContext(cmd *cobra.Command) *ctlApp {
	val := cmd.Context().Value(ctlKey{})
	if val == nil {
		return nil
	}
	return val.(*ctlApp)
}

func ctlCommand(load func() (avbd.Config, error), flags *overrides) *cobra.Command {
	var (
		timeout time.Duration
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "ctl",
		Short: "Send commands to a running bridge",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if errors.Is(err, os.ErrNotExist) {
				cfg = avbd.DefaultConfig()
				applyOverrides(&cfg, *flags)
				err = nil
			}
			if err != nil {
				return err
			}
			if cfg.Server.Broker == "" {
				return errors.New("broker is required (set --broker or config)")
			}
			ids := idgen.Generator{}
			client, err := mqtt.NewClient(mqtt.Options{
				BrokerURL: cfg.Server.Broker,
				ClientID:  ids.ClientID("avbd-ctl"),
				Username:  cfg.Server.Auth.User,
				Password:  cfg.Server.Auth.Pass,
				TLSCA:     cfg.Server.TLS.CA,
				TLSCert:   cfg.Server.TLS.Cert,
				TLSKey:    cfg.Server.TLS.Key,
				TopicBase: cfg.Server.TopicBase,
				Timeout:   timeout,
				IDGen:     ids,
				Clock:     clock.Clock{},
			})
			if err != nil {
				return err
			}
			cmd.SetContext(context.WithValue(cmd.Context(), ctlKey{}, &ctlApp{
				client:  client,
				printer: newPrinter(cmd.OutOrStdout(), jsonOut),
				timeout: timeout,
			}))
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if app := ctlFromContext(cmd); app != nil {
				app.client.Close()
			}
		},
	}
	cmd.PersistentFlags().DurationVarP(&timeout, "timeout", "t", 2*time.Second, "reply timeout")
	cmd.PersistentFlags().BoolVarP(&jsonOut, "json", "j", false, "output json")

	cmd.AddCommand(ctlListCommand())
	cmd.AddCommand(ctlSendCommand())
	cmd.AddCommand(ctlWatchCommand())
	return cmd
}

func newPrinter(w io.Writer, jsonOut bool) output.Printer {
	if jsonOut {
		return output.JSONPrinter{Out: w}
	}
	return output.HumanPrinter{Out: w}
}

func ctlListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List renderers announced by the bridge",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app := ctlFromContext(cmd)
			ctx, cancel := context.WithTimeout(cmd.Context(), app.timeout)
			defer cancel()
			renderers, err := app.client.ListPresence(ctx)
			if err != nil {
				return err
			}
			return app.printer.Print(renderers)
		},
	}
}

func ctlSendCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "send <device> <type> [value|json-body]",
		Short: "Send a command to a renderer",
		Long: "Send a command to a renderer. The third argument is either a JSON body or a\n" +
			"shorthand: a number for volume and seek, true/false for mute, an action name\n" +
			"for action, or a URI for setUri and setNextUri.",
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			app := ctlFromContext(cmd)
			arg := ""
			if len(args) == 3 {
				arg = args[2]
			}
			command, err := buildCommand(args[1], arg)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), app.timeout)
			defer cancel()
			reply, err := app.client.Send(ctx, args[0], command)
			if err != nil {
				return err
			}
			if err := app.printer.Print(reply); err != nil {
				return err
			}
			if !reply.OK {
				return errors.New("command rejected")
			}
			return nil
		},
	}
}

func ctlWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <device>",
		Short: "Print completion acks for a renderer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app := ctlFromContext(cmd)
			acks, err := app.client.WatchAcks(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for ack := range acks {
				if err := app.printer.Print(ack); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

// buildCommand turns a command type and an optional shorthand or JSON
// argument into an envelope.
func buildCommand(cmdType string, arg string) (bridge.Command, error) {
	if arg == "" {
		if bridge.CommandRequiresBody(cmdType) {
			return bridge.Command{}, errors.New(cmdType + " requires a value")
		}
		return bridge.Command{Type: cmdType}, nil
	}
	if arg[0] == '{' && json.Valid([]byte(arg)) {
		return bridge.Command{Type: cmdType, Body: json.RawMessage(arg)}, nil
	}
	switch cmdType {
	case bridge.CmdVolume:
		v, err := strconv.Atoi(arg)
		if err != nil {
			return bridge.Command{}, err
		}
		return bridge.NewCommand(cmdType, bridge.VolumeBody{Volume: v})
	case bridge.CmdSeek:
		ms, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return bridge.Command{}, err
		}
		return bridge.NewCommand(cmdType, bridge.SeekBody{PositionMS: ms})
	case bridge.CmdMute:
		mute, err := strconv.ParseBool(arg)
		if err != nil {
			return bridge.Command{}, err
		}
		return bridge.NewCommand(cmdType, bridge.MuteBody{Mute: mute})
	case bridge.CmdAction:
		return bridge.NewCommand(cmdType, bridge.ActionBody{Action: arg})
	case bridge.CmdSetURI, bridge.CmdSetNextURI:
		return bridge.NewCommand(cmdType, bridge.URIBody{URI: arg, ProtocolInfo: "http-get:*:*:*"})
	default:
		return bridge.Command{}, errors.New("no shorthand for " + cmdType + "; pass a JSON body")
	}
}
