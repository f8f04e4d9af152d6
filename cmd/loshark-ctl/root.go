package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kstaniek/go-loshark/internal/output"
)

const defaultServer = "http://localhost:8080"

// app holds state shared by all subcommands, set in PersistentPreRunE.
type app struct {
	serverURL string
	format    string
	timeout   time.Duration

	client    *client
	formatter output.Formatter
	// httpClient overrides the HTTP client (tests).
	httpClient *http.Client
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "loshark-ctl",
		Short: "Control a LoShark LoRa dongle through loshark-server",
		Long: `loshark-ctl is a one-shot client for the loshark-server HTTP API.
It pings the dongle, opens and closes the modem, reads and sets the device
clock and properties, transmits payloads and follows the event stream.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("server") {
				if v := strings.TrimSpace(os.Getenv("LOSHARK_SERVER")); v != "" {
					a.serverURL = v
				}
			}
			f, err := output.NewFormatter(a.format)
			if err != nil {
				return err
			}
			a.formatter = f
			a.client, err = newClient(a.serverURL, a.httpClient)
			return err
		},
	}
	root.PersistentFlags().StringVar(&a.serverURL, "server", defaultServer, "loshark-server base URL (env LOSHARK_SERVER)")
	root.PersistentFlags().StringVarP(&a.format, "output", "o", "table", "output format: "+strings.Join(output.Formats, ", "))
	root.PersistentFlags().DurationVar(&a.timeout, "timeout", 10*time.Second, "request timeout")

	root.AddCommand(
		newPingCmd(a),
		newStatusCmd(a),
		newLogLevelCmd(a),
		newModemCmd(a),
		newTimeCmd(a),
		newPropCmd(a),
		newTransmitCmd(a),
		newListenCmd(a),
		newVersionCmd(a),
	)
	return root
}

// ctx bounds one request by the --timeout flag.
func (a *app) ctx(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), a.timeout)
}

func (a *app) print(cmd *cobra.Command, v any) {
	fmt.Fprint(cmd.OutOrStdout(), a.formatter.Format(v))
}
