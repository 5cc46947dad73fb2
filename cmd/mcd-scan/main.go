// Command mcd-scan reports the device the debug-access layer would
// attach to: name, topology, memory regions and per-core run state,
// without opening a debug session for a client.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tricore-tools/tricore-gdb/internal/launch"
	"github.com/tricore-tools/tricore-gdb/internal/mcd"
)

func main() {
	var (
		cfgPath string
		probe   bool
	)
	flag.StringVar(&cfgPath, "config", "", "path to TOML configuration")
	flag.BoolVar(&probe, "probe", false, "connect and report regions and per-core run state")
	flag.Parse()

	cfg, err := launch.LoadConfig(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	sim := mcd.SimConfig{Cores: cfg.Sim.Cores, EntryPC: cfg.Sim.EntryPC}
	for _, r := range cfg.Flash {
		sim.Flash = append(sim.Flash, mcd.MemoryRegion{
			Name:   r.Name,
			Base:   r.Base,
			Length: r.Length,
			Erase:  r.Erase,
			Verify: r.Verify,
		})
	}
	dev := mcd.NewSimDevice(sim)

	info := dev.Info()
	fmt.Printf("device: %s\n", info.Name)
	fmt.Printf("cores:  %d\n", info.Cores)
	fmt.Printf("server: %s\n", info.ServerVersion)

	if !probe {
		return
	}
	conn, err := dev.Connect()
	if err != nil {
		fmt.Fprintln(os.Stderr, "connect failed:", err)
		os.Exit(1)
	}
	defer conn.Disconnect()

	fmt.Printf("max transfer: %d bytes\n", conn.MaxTransfer())
	fmt.Println("regions:")
	for _, r := range conn.Regions() {
		kind := "ram"
		if r.Erase > 0 {
			kind = "flash"
		}
		fmt.Printf("  %-8s %-5s 0x%08x..0x%08x\n", r.Name, kind, r.Base, r.End())
	}
	fmt.Println("cores:")
	for _, core := range conn.Cores() {
		st, err := core.State()
		if err != nil {
			fmt.Printf("  core %d: state unavailable (%v)\n", core.ID()+1, err)
			continue
		}
		fmt.Printf("  core %d: %s\n", core.ID()+1, st)
	}
}
