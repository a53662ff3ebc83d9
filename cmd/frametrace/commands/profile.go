package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/frametrace/frametrace/internal/config"
	"github.com/frametrace/frametrace/internal/profile"
	"github.com/frametrace/frametrace/internal/storage"
)

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Manage monitoring profiles",
	Long: `Manage monitoring profiles.

A profile bundles a camera selection, a set of reference images and a
detection threshold under one name.`,
}

var profileCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a new profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withProfiles(func(profiles *profile.Manager) error {
			if err := profiles.Create(args[0]); err != nil {
				return err
			}
			fmt.Printf("Created profile %q\n", args[0])
			return nil
		})
	},
}

var profileListFormat string

var profileListCmd = &cobra.Command{
	Use:   "list",
	Short: "List profiles",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withProfiles(func(profiles *profile.Manager) error {
			names, err := profiles.List()
			if err != nil {
				return err
			}

			type profileOut struct {
				Name      string  `json:"name"`
				Camera    string  `json:"camera"`
				Threshold float64 `json:"threshold"`
				FPS       int     `json:"fps"`
			}
			out := make([]profileOut, 0, len(names))
			for _, name := range names {
				camera, err := profiles.CameraDevice(name)
				if err != nil {
					return err
				}
				out = append(out, profileOut{
					Name:      name,
					Camera:    camera,
					Threshold: profiles.DetectionThreshold(name),
					FPS:       profiles.TargetFPS(name),
				})
			}

			switch profileListFormat {
			case "json":
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			case "table":
				if len(out) == 0 {
					fmt.Println("No profiles.")
					return nil
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "NAME\tCAMERA\tTHRESHOLD\tFPS")
				for _, p := range out {
					camera := p.Camera
					if camera == "" {
						camera = "(none)"
					}
					fmt.Fprintf(w, "%s\t%s\t%.2f\t%d\n", p.Name, camera, p.Threshold, p.FPS)
				}
				return w.Flush()
			default:
				return fmt.Errorf("unknown format: %s (use table or json)", profileListFormat)
			}
		})
	},
}

var profileDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a profile and its files",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withProfiles(func(profiles *profile.Manager) error {
			if err := profiles.Delete(args[0]); err != nil {
				return err
			}
			fmt.Printf("Deleted profile %q\n", args[0])
			return nil
		})
	},
}

var profileSetCameraCmd = &cobra.Command{
	Use:   "set-camera <name> <device>",
	Short: "Select the camera a profile monitors",
	Long: `Select the camera a profile monitors.

The device is stored by display name and resolved against live
enumeration each time monitoring starts. Passing an empty string clears
the selection.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withProfiles(func(profiles *profile.Manager) error {
			if err := profiles.SetCameraDevice(args[0], args[1]); err != nil {
				return err
			}
			if args[1] == "" {
				fmt.Printf("Cleared camera selection for %q\n", args[0])
			} else {
				fmt.Printf("Profile %q now monitors %q\n", args[0], args[1])
			}
			return nil
		})
	},
}

var profileSelectReferenceCmd = &cobra.Command{
	Use:   "select-reference <name> <reference>",
	Short: "Restrict matching to one reference image",
	Long: `Restrict matching to one reference image.

Monitoring normally matches against every reference in the profile.
Selecting a reference by name limits matching to that template; passing
an empty string clears the restriction.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withProfiles(func(profiles *profile.Manager) error {
			if err := profiles.SetSelectedReference(args[0], args[1]); err != nil {
				return err
			}
			if args[1] == "" {
				fmt.Printf("Profile %q now matches every reference\n", args[0])
			} else {
				fmt.Printf("Profile %q now matches only %q\n", args[0], args[1])
			}
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(profileCmd)
	profileCmd.AddCommand(profileCreateCmd)
	profileCmd.AddCommand(profileListCmd)
	profileCmd.AddCommand(profileDeleteCmd)
	profileCmd.AddCommand(profileSetCameraCmd)
	profileCmd.AddCommand(profileSelectReferenceCmd)

	profileListCmd.Flags().StringVarP(&profileListFormat, "format", "f", "table", "output format (table or json)")
}

// withProfiles opens storage, runs fn against a profile manager, and
// closes storage afterwards.
func withProfiles(fn func(*profile.Manager) error) error {
	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg := configMgr.Get()

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	store, err := storage.Open(filepath.Join(cfg.DataDir, "frametrace.db"))
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close()

	return fn(profile.NewManager(store, cfg.DataDir))
}
