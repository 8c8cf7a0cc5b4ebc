package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/intel/goresctrl/pkg/rdt"
	"github.com/spf13/cobra"
)

// newResctrlCmd assigns this process's own pid to one configured Resource
// Director Technology class-of-service (default "system/default") on
// hosts where /sys/fs/resctrl is mounted. It does not read the simulated
// core's per-thread placement. It no-ops cleanly when resctrl is
// unavailable.
func newResctrlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resctrl",
		Short: "Assign this process to a host RDT class (Linux, resctrl mounted)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfigAndLogger()
			if err != nil {
				return err
			}
			if !cfg.Resctrl.Enabled {
				fmt.Println("resctrl disabled in config; nothing to do")
				return nil
			}

			if err := rdt.Initialize(cfg.Resctrl.Prefix); err != nil {
				// Missing resctrl support is a host property, not a kernel
				// core error.
				log.Warnf("resctrl unavailable: %v", err)
				fmt.Println("resctrl not available on this host; skipping")
				return nil
			}

			className := cfg.Resctrl.Class
			if className == "" {
				className = "system/default"
			}
			cls, ok := rdt.GetClass(className)
			if !ok {
				names := make([]string, 0)
				for _, c := range rdt.GetClasses() {
					names = append(names, c.Name())
				}
				return fmt.Errorf("RDT class %q not found (have %v)", className, names)
			}

			pid := fmt.Sprintf("%d", os.Getpid())
			if err := cls.AddPids(pid); err != nil {
				return fmt.Errorf("assign pid %s to class %s: %w", pid, cls.Name(), err)
			}

			color.New(color.FgGreen).Printf("pid %s assigned to RDT class %s\n", pid, cls.Name())
			return nil
		},
	}
}
