package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/frametrace/frametrace/internal/capture"
	"github.com/frametrace/frametrace/internal/config"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List available cameras",
	Long: `List the capture devices ffmpeg can see on this machine.

Enumeration uses the platform backend (dshow on Windows, avfoundation on
macOS, v4l2 on Linux) and marks devices that look virtual.`,
	Example: `  # List cameras in table format (default)
  frametrace devices

  # List cameras in JSON format
  frametrace devices --format json`,
	RunE: runDevices,
}

var devicesFormat string

func init() {
	rootCmd.AddCommand(devicesCmd)

	devicesCmd.Flags().StringVarP(&devicesFormat, "format", "f", "table", "output format (table or json)")
}

func runDevices(cmd *cobra.Command, args []string) error {
	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg := configMgr.Get()

	enumerator := capture.NewEnumerator(cfg.FFmpegPath)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	devices, err := enumerator.Devices(ctx)
	if err != nil {
		return fmt.Errorf("failed to enumerate cameras: %w", err)
	}

	switch devicesFormat {
	case "json":
		type deviceOut struct {
			Name    string `json:"name"`
			Token   string `json:"token"`
			Backend string `json:"backend"`
			Virtual bool   `json:"virtual"`
		}
		out := make([]deviceOut, 0, len(devices))
		for _, d := range devices {
			out = append(out, deviceOut{
				Name:    d.DisplayName,
				Token:   d.Token,
				Backend: string(d.Backend),
				Virtual: d.IsVirtual,
			})
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	case "table":
		if len(devices) == 0 {
			fmt.Println("No cameras found.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tTOKEN\tBACKEND\tVIRTUAL")
		for _, d := range devices {
			virtual := ""
			if d.IsVirtual {
				virtual = "yes"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", d.DisplayName, d.Token, d.Backend, virtual)
		}
		return w.Flush()
	default:
		return fmt.Errorf("unknown format: %s (use table or json)", devicesFormat)
	}
}
