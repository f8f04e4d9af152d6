package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kstaniek/go-loshark/internal/api"
	"github.com/kstaniek/go-loshark/internal/loshark"
)

type pingResult struct {
	OK  bool   `json:"ok"`
	RTT string `json:"rtt"`
}

type modemState struct {
	Opened bool `json:"opened"`
}

type deviceTime struct {
	Sec     int64     `json:"sec"`
	Nsec    int64     `json:"nsec"`
	Time    time.Time `json:"time"`
	DeltaMS int64     `json:"deltaMs"`
}

type transmitResult struct {
	OK      bool   `json:"ok"`
	Len     int    `json:"len"`
	Preview string `json:"preview"`
}

func newPingCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Round-trip a ping through the dongle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.ctx(cmd)
			defer cancel()
			var res pingResult
			if err := a.client.do(ctx, http.MethodPost, "/api/ping", nil, &res); err != nil {
				return fmt.Errorf("ping failed: %w", err)
			}
			a.print(cmd, res)
			return nil
		},
	}
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the controller connection state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.ctx(cmd)
			defer cancel()
			var st loshark.Status
			if err := a.client.do(ctx, http.MethodGet, "/api/status", nil, &st); err != nil {
				return fmt.Errorf("status failed: %w", err)
			}
			a.print(cmd, st)
			return nil
		},
	}
}

type logLevel struct {
	Level string `json:"level"`
}

func newLogLevelCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "log-level [debug|info|warn|error]",
		Short: "Show or change the server log level",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.ctx(cmd)
			defer cancel()
			var out logLevel
			var err error
			if len(args) == 1 {
				err = a.client.do(ctx, http.MethodPut, "/api/log-level", logLevel{Level: args[0]}, &out)
			} else {
				err = a.client.do(ctx, http.MethodGet, "/api/log-level", nil, &out)
			}
			if err != nil {
				return fmt.Errorf("log-level failed: %w", err)
			}
			a.print(cmd, out)
			return nil
		},
	}
}

func newModemCmd(a *app) *cobra.Command {
	modem := &cobra.Command{
		Use:   "modem",
		Short: "Open, close or query the LoRa modem",
	}
	run := func(method, path string) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.ctx(cmd)
			defer cancel()
			var st modemState
			if err := a.client.do(ctx, method, path, nil, &st); err != nil {
				return fmt.Errorf("modem %s failed: %w", cmd.Name(), err)
			}
			a.print(cmd, st)
			return nil
		}
	}
	modem.AddCommand(
		&cobra.Command{Use: "open", Short: "Open the modem", Args: cobra.NoArgs, RunE: run(http.MethodPost, "/api/modem/open")},
		&cobra.Command{Use: "close", Short: "Close the modem", Args: cobra.NoArgs, RunE: run(http.MethodPost, "/api/modem/close")},
		&cobra.Command{Use: "status", Short: "Report whether the modem is open", Args: cobra.NoArgs, RunE: run(http.MethodGet, "/api/modem")},
	)
	return modem
}

// parseTime accepts RFC 3339 or unix seconds with an optional fraction.
func parseTime(s string) (api.Timespec, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return api.TimespecOf(t), nil
	}
	sec, frac, hasFrac := strings.Cut(s, ".")
	n, err := strconv.ParseInt(sec, 10, 64)
	if err != nil {
		return api.Timespec{}, fmt.Errorf("time %q: want RFC 3339 or unix seconds", s)
	}
	ts := api.Timespec{Sec: n}
	if hasFrac {
		if len(frac) == 0 || len(frac) > 9 {
			return api.Timespec{}, fmt.Errorf("time %q: bad fraction", s)
		}
		f, err := strconv.ParseInt(frac+strings.Repeat("0", 9-len(frac)), 10, 64)
		if err != nil {
			return api.Timespec{}, fmt.Errorf("time %q: bad fraction", s)
		}
		ts.Nsec = f
	}
	return ts, nil
}

func newTimeCmd(a *app) *cobra.Command {
	tc := &cobra.Command{
		Use:   "time",
		Short: "Read or set the device clock",
	}
	get := &cobra.Command{
		Use:   "get",
		Short: "Read the device clock and its offset from this host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.ctx(cmd)
			defer cancel()
			var dt deviceTime
			if err := a.client.do(ctx, http.MethodGet, "/api/time", nil, &dt); err != nil {
				return fmt.Errorf("time get failed: %w", err)
			}
			a.print(cmd, dt)
			return nil
		},
	}
	set := &cobra.Command{
		Use:   "set <rfc3339|unix>",
		Short: "Set the device clock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ts, err := parseTime(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := a.ctx(cmd)
			defer cancel()
			var out api.Timespec
			if err := a.client.do(ctx, http.MethodPost, "/api/time", ts, &out); err != nil {
				return fmt.Errorf("time set failed: %w", err)
			}
			a.print(cmd, out)
			return nil
		},
	}
	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Set the device clock from the server host clock",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.ctx(cmd)
			defer cancel()
			var out api.Timespec
			if err := a.client.do(ctx, http.MethodPost, "/api/time", nil, &out); err != nil {
				return fmt.Errorf("time sync failed: %w", err)
			}
			a.print(cmd, out)
			return nil
		},
	}
	tc.AddCommand(get, set, syncCmd)
	return tc
}

// propValue reads a JSON literal (number, bool, quoted string, list, object)
// and falls back to the raw text as a string.
func propValue(s string) any {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err == nil && !dec.More() {
		return v
	}
	return s
}

func newPropCmd(a *app) *cobra.Command {
	pc := &cobra.Command{
		Use:     "prop",
		Aliases: []string{"props"},
		Short:   "Read, write or list device properties",
	}
	get := &cobra.Command{
		Use:   "get <key>",
		Short: "Read one property",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.ctx(cmd)
			defer cancel()
			var p api.Prop
			if err := a.client.do(ctx, http.MethodGet, "/api/props/"+url.PathEscape(args[0]), nil, &p); err != nil {
				return fmt.Errorf("prop get failed: %w", err)
			}
			a.print(cmd, p)
			return nil
		},
	}
	set := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Write one property; the value is parsed as JSON when possible",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.ctx(cmd)
			defer cancel()
			body := map[string]any{"value": propValue(args[1])}
			var p api.Prop
			if err := a.client.do(ctx, http.MethodPut, "/api/props/"+url.PathEscape(args[0]), body, &p); err != nil {
				return fmt.Errorf("prop set failed: %w", err)
			}
			a.print(cmd, p)
			return nil
		},
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "List all properties",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.ctx(cmd)
			defer cancel()
			var props []api.Prop
			if err := a.client.do(ctx, http.MethodGet, "/api/props", nil, &props); err != nil {
				return fmt.Errorf("prop list failed: %w", err)
			}
			a.print(cmd, props)
			return nil
		},
	}
	pc.AddCommand(get, set, list)
	return pc
}

func newTransmitCmd(a *app) *cobra.Command {
	var hexIn string
	cmd := &cobra.Command{
		Use:   "transmit [text]",
		Short: "Transmit a payload over LoRa",
		Example: `  loshark-ctl transmit "hello"
  loshark-ctl transmit --hex "de ad be ef"`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{}
			switch {
			case hexIn != "" && len(args) > 0:
				return errors.New("give either text or --hex")
			case hexIn != "":
				if _, err := api.ParseHex(hexIn); err != nil {
					return err
				}
				body["hex"] = hexIn
			case len(args) == 1:
				body["text"] = args[0]
			default:
				return errors.New("nothing to transmit")
			}
			ctx, cancel := a.ctx(cmd)
			defer cancel()
			var res transmitResult
			if err := a.client.do(ctx, http.MethodPost, "/api/transmit", body, &res); err != nil {
				return fmt.Errorf("transmit failed: %w", err)
			}
			a.print(cmd, res)
			return nil
		},
	}
	cmd.Flags().StringVar(&hexIn, "hex", "", "payload as hex bytes")
	return cmd
}

// eventRow is the table view of one streamed envelope.
type eventRow struct {
	Seq     uint64 `json:"seq"`
	Time    string `json:"time"`
	ID      uint32 `json:"id"`
	Op      string `json:"op"`
	Data    any    `json:"data,omitempty"`
	Signal  any    `json:"signal,omitempty"`
	Preview string `json:"preview,omitempty"`
}

// receiveBuffer pulls the raw payload out of a streamed receive event.
func receiveBuffer(raw []byte) ([]byte, error) {
	var ev struct {
		Data struct {
			Buffer []byte `json:"buffer"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, err
	}
	return ev.Data.Buffer, nil
}

func newListenCmd(a *app) *cobra.Command {
	var ops []string
	var count int
	var hexdump bool
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Print device events until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			conn, err := a.client.events(ctx, ops)
			if err != nil {
				return fmt.Errorf("listen failed: %w", err)
			}
			defer conn.Close()
			go func() {
				<-ctx.Done()
				_ = conn.Close()
			}()
			for n := 0; count <= 0 || n < count; n++ {
				_, raw, err := conn.ReadMessage()
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return fmt.Errorf("event stream: %w", err)
				}
				dec := json.NewDecoder(bytes.NewReader(raw))
				dec.UseNumber()
				var ev eventRow
				if err := dec.Decode(&ev); err != nil {
					return fmt.Errorf("event stream: %w", err)
				}
				a.print(cmd, ev)
				if hexdump && ev.Op == api.OpReceive {
					buf, err := receiveBuffer(raw)
					if err != nil {
						return fmt.Errorf("event stream: %w", err)
					}
					fmt.Fprint(cmd.OutOrStdout(), api.HexDump(buf))
				}
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&ops, "ops", nil, "only these ops: event, signal, receive")
	cmd.Flags().IntVar(&count, "count", 0, "exit after this many events (0 = unlimited)")
	cmd.Flags().BoolVar(&hexdump, "hexdump", false, "print received payloads as a hex dump")
	return cmd
}
