package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/osfree-project/smpcore/internal/percpu"
)

func newBootCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "boot",
		Short: "Boot the simulated machine and print per-CPU status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfigAndLogger()
			if err != nil {
				return err
			}
			m, err := buildMachine(cfg, log, nil)
			if err != nil {
				return err
			}
			printBootBanner(m)
			return nil
		},
	}
}

func printBootBanner(m *machine) {
	online := color.New(color.FgGreen)
	offline := color.New(color.FgRed)
	dim := color.New(color.FgCyan)

	dim.Printf("smpcore %s — %d possible CPU(s), BSP is cpu %d\n",
		version, m.online.TotalPossible, m.online.BSPID)

	for cpu := uint32(0); cpu < m.online.TotalPossible; cpu++ {
		info := m.table.Lookup(cpu)
		if info == nil {
			offline.Printf("  cpu%-3d absent\n", cpu)
			continue
		}
		line := fmt.Sprintf("  cpu%-3d apic=%-3d node=%d %s", cpu, info.APICID, info.NUMANode, info.State())
		if info.State() == percpu.Online {
			online.Println(line)
		} else {
			offline.Println(line)
		}
	}

	si := m.dos.QuerySysInfo()
	dim.Printf("QuerySysInfo: %d CPU(s) online, current cpu %d, version %d.%d\n",
		si.NumCPUs, si.CurrentCPUID, si.VersionMajor, si.VersionMinor)
}
