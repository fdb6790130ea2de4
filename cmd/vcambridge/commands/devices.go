package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/bryanchriswhite/vcambridge/internal/capture"
	"github.com/bryanchriswhite/vcambridge/internal/config"
	"github.com/bryanchriswhite/vcambridge/internal/session"
)

var devicesCmd = &cobra.Command{
	Use:     "devices",
	Aliases: []string{"list"},
	Short:   "List video devices and capture backends",
	Long: `List the V4L2 video devices on this machine, the camera each selector
maps to, and which capture backends are usable.`,
	Example: `  # Show devices as a table (default)
  vcambridge devices

  # Show devices as JSON
  vcambridge devices --format json`,
	RunE: runDevices,
}

var devicesFormat string

func init() {
	rootCmd.AddCommand(devicesCmd)
	devicesCmd.Flags().StringVarP(&devicesFormat, "format", "f", "table", "output format (table or json)")
}

type selectorInfo struct {
	Selector capture.Selector `json:"selector"`
	Device   string           `json:"device"`
	Present  bool             `json:"present"`
}

type backendInfo struct {
	Name      string `json:"name"`
	Available bool   `json:"available"`
}

type devicesReport struct {
	Devices   []capture.VideoDevice `json:"devices"`
	Selectors []selectorInfo        `json:"selectors"`
	Backends  []backendInfo         `json:"backends"`
}

func runDevices(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}
	cfg, err := configMgr.Effective()
	if err != nil {
		return err
	}

	report, err := buildDevicesReport(cfg.Capture)
	if err != nil {
		return err
	}

	switch devicesFormat {
	case "json":
		encoder := json.NewEncoder(cmd.OutOrStdout())
		encoder.SetIndent("", "  ")
		return encoder.Encode(report)
	case "table":
		return printDevicesTable(cmd, report)
	default:
		return fmt.Errorf("unsupported format: %s (use 'table' or 'json')", devicesFormat)
	}
}

func buildDevicesReport(cfg config.CaptureConfig) (*devicesReport, error) {
	devices, err := capture.ListDevices()
	if err != nil {
		return nil, fmt.Errorf("failed to list video devices: %w", err)
	}

	report := &devicesReport{Devices: devices}
	for _, s := range []struct {
		sel  capture.Selector
		path string
	}{
		{capture.SelectorFront, cfg.Devices.Front},
		{capture.SelectorBack, cfg.Devices.Back},
	} {
		_, statErr := os.Stat(s.path)
		report.Selectors = append(report.Selectors, selectorInfo{
			Selector: s.sel,
			Device:   s.path,
			Present:  s.path != "" && statErr == nil,
		})
	}

	// Check backends without the portal; listing should never prompt.
	cfg.UsePortal = false
	router, _, err := session.NewFacility(cfg)
	if err != nil {
		return nil, err
	}
	for _, b := range router.Backends() {
		report.Backends = append(report.Backends, backendInfo{Name: b.Name(), Available: b.Available()})
	}
	return report, nil
}

func printDevicesTable(cmd *cobra.Command, report *devicesReport) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "DEVICE\tNAME")
	fmt.Fprintln(w, "------\t----")
	for _, d := range report.Devices {
		fmt.Fprintf(w, "%s\t%s\n", d.Path, d.Name)
	}
	if len(report.Devices) == 0 {
		fmt.Fprintln(w, "(none)\t")
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "SELECTOR\tDEVICE\tPRESENT")
	fmt.Fprintln(w, "--------\t------\t-------")
	for _, s := range report.Selectors {
		fmt.Fprintf(w, "%s\t%s\t%s\n", s.Selector, s.Device, yesNo(s.Present))
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "BACKEND\tAVAILABLE")
	fmt.Fprintln(w, "-------\t---------")
	for _, b := range report.Backends {
		fmt.Fprintf(w, "%s\t%s\n", b.Name, yesNo(b.Available))
	}
	return nil
}

func yesNo(v bool) string {
	if v {
		return "Yes"
	}
	return "No"
}
