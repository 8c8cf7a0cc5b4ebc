package main

import (
	"testing"

	"github.com/osfree-project/smpcore/internal/config"
	"github.com/osfree-project/smpcore/internal/klog"
)

func benchConfig() *config.Config {
	return &config.Config{
		LogLevel: "error",
		Topology: config.TopologyConfig{
			BSPID:     0,
			NUMANodes: 1,
			CPUs: []config.CPUConfig{
				{LogicalID: 0, APICID: 0, Enabled: true},
				{LogicalID: 1, APICID: 2, Enabled: true},
				{LogicalID: 2, APICID: 4, Enabled: true},
				{LogicalID: 3, APICID: 6, Enabled: true},
			},
			IOAPICs: []config.IOAPICConfig{
				{ID: 0, MMIOBase: 0xFEC00000, GlobalIntBase: 0, RedirectCount: 24},
			},
		},
	}
}

func TestBuildMachineBootsAllCPUs(t *testing.T) {
	m, err := buildMachine(benchConfig(), klog.Nop{}, nil)
	if err != nil {
		t.Fatalf("buildMachine: %v", err)
	}
	if got := m.bring.CPUCount(); got != 4 {
		t.Fatalf("CPUCount = %d, want 4", got)
	}
	si := m.dos.QuerySysInfo()
	if si.NumCPUs != 4 {
		t.Fatalf("QuerySysInfo.NumCPUs = %d, want 4", si.NumCPUs)
	}
}

func TestScenariosPass(t *testing.T) {
	cfg := benchConfig()
	log := klog.Nop{}
	cases := []scenario{
		{"two-cpu ping-pong", benchPingPong},
		{"priority preemption", benchPreemption},
		{"migration via imbalance", benchMigration},
		{"affinity confines", benchAffinity},
		{"ticket-lock fairness", benchTicketFairness},
		{"AP timeout", benchAPTimeout},
	}
	for _, sc := range cases {
		if msg := sc.run(cfg, log); msg != "" {
			t.Errorf("%s: %s", sc.name, msg)
		}
	}
}
