package output

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/mikey-austin/avbridge/pkg/bridge"
)

// HumanPrinter prints human-readable output.
type HumanPrinter struct {
	Out io.Writer
}

// Print renders human output.
func (p HumanPrinter) Print(v any) error {
	out := writer(p.Out)
	switch data := v.(type) {
	case []bridge.Presence:
		return printPresence(out, data)
	case bridge.Reply:
		return printReply(out, data)
	case bridge.Ack:
		return printAck(out, data)
	default:
		_, err := fmt.Fprintln(out, "ok")
		return err
	}
}

func printPresence(out io.Writer, renderers []bridge.Presence) error {
	tw := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
	if _, err := fmt.Fprintln(tw, "NAME\tDEVICE\tCAPS"); err != nil {
		return err
	}
	for _, r := range renderers {
		if _, err := fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Name, r.Device, formatCaps(r.Caps)); err != nil {
			return err
		}
	}
	return tw.Flush()
}

func printReply(out io.Writer, reply bridge.Reply) error {
	if !reply.OK {
		msg := "unknown error"
		if reply.Err != nil {
			msg = fmt.Sprintf("%s: %s", reply.Err.Code, reply.Err.Message)
		}
		_, err := fmt.Fprintf(out, "error %s\n", msg)
		return err
	}
	var state bridge.StateBody
	if len(reply.Body) > 0 && json.Unmarshal(reply.Body, &state) == nil && state.State != "" {
		return printState(out, state)
	}
	_, err := fmt.Fprintln(out, "ok")
	return err
}

func printState(out io.Writer, state bridge.StateBody) error {
	line := fmt.Sprintf("[%s]  %s", state.State, state.CurrentURI)
	if state.NextURI != "" {
		line += "  next " + state.NextURI
	}
	if _, err := fmt.Fprintln(out, strings.TrimSpace(line)); err != nil {
		return err
	}
	inflight := "idle"
	if state.InFlight != 0 {
		inflight = fmt.Sprintf("in flight #%d", state.InFlight)
	}
	_, err := fmt.Fprintf(out, "%s, %d pending, %d sink formats\n", inflight, state.Pending, state.Sinks)
	return err
}

func printAck(out io.Writer, ack bridge.Ack) error {
	status := "ok"
	if !ack.OK {
		status = "failed: " + ack.Error
	}
	ref := ""
	switch {
	case ack.Seq != 0:
		ref = fmt.Sprintf(" #%d", ack.Seq)
	case ack.Cookie != "":
		ref = " (" + ack.Cookie + ")"
	}
	_, err := fmt.Fprintf(out, "%s %s%s %s\n", ack.Kind, ack.Action, ref, status)
	return err
}

func formatCaps(caps map[string]any) string {
	if len(caps) == 0 {
		return ""
	}
	keys := make([]string, 0, len(caps))
	for key := range caps {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		switch val := caps[key].(type) {
		case bool:
			if val {
				parts = append(parts, key)
			}
		default:
			parts = append(parts, fmt.Sprintf("%s=%v", key, val))
		}
	}
	return strings.Join(parts, ",")
}
