// Package hwinfo samples the hardware state a node reports to the server.
package hwinfo

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	psnet "github.com/shirou/gopsutil/v3/net"

	"github.com/gridforce/fleet/pkg/protocol"
)

const KindPeriodic = "periodic"

type MemoryInfo struct {
	Total     uint64  `json:"total"`
	Free      uint64  `json:"free"`
	Available uint64  `json:"available"`
	Used      float64 `json:"used"`
}

type DiskInfo struct {
	Path        string  `json:"path"`
	Total       uint64  `json:"total"`
	Free        uint64  `json:"free"`
	UsedPercent float64 `json:"used_percent"`
}

// Sample is one hardware reading.
type Sample struct {
	MachineName string             `json:"machine_name"`
	MachineIP   string             `json:"machine_ip"`
	Platform    string             `json:"platform"`
	Uptime      uint64             `json:"uptime"`
	CPUUsage    float64            `json:"cpu_usage"`
	CPUCores    int                `json:"cpu_cores"`
	Temperature map[string]float64 `json:"temperature"`
	Memory      MemoryInfo         `json:"memory_info"`
	Disk        DiskInfo           `json:"disk_info"`
}

// Collector reads hardware state through gopsutil.
type Collector struct {
	DiskPath    string
	CPUInterval time.Duration
}

// Collect takes a sample. Sensors a platform does not expose are left empty
// rather than failing the sample.
func (c Collector) Collect(ctx context.Context) (Sample, error) {
	var s Sample
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return s, fmt.Errorf("host info: %w", err)
	}
	s.MachineName = info.Hostname
	s.Platform = info.Platform + " " + info.PlatformVersion
	s.Uptime = info.Uptime
	s.MachineIP = primaryIP(ctx)

	interval := c.CPUInterval
	if interval <= 0 {
		interval = time.Second
	}
	usage, err := cpu.PercentWithContext(ctx, interval, false)
	if err != nil {
		return s, fmt.Errorf("cpu usage: %w", err)
	}
	if len(usage) > 0 {
		s.CPUUsage = round2(usage[0])
	}
	if cores, err := cpu.CountsWithContext(ctx, true); err == nil {
		s.CPUCores = cores
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return s, fmt.Errorf("memory: %w", err)
	}
	s.Memory = MemoryInfo{Total: vm.Total, Free: vm.Free, Available: vm.Available, Used: round2(vm.UsedPercent)}

	path := c.DiskPath
	if path == "" {
		path = "/"
	}
	if du, err := disk.UsageWithContext(ctx, path); err == nil {
		s.Disk = DiskInfo{Path: path, Total: du.Total, Free: du.Free, UsedPercent: round2(du.UsedPercent)}
	}

	s.Temperature = make(map[string]float64)
	if temps, err := host.SensorsTemperaturesWithContext(ctx); err == nil {
		for _, t := range temps {
			s.Temperature[t.SensorKey] = t.Temperature
		}
	}
	return s, nil
}

// Packet samples and wraps the result in a HardwareState packet.
func (c Collector) Packet(ctx context.Context) (*protocol.HardwareState, error) {
	s, err := c.Collect(ctx)
	if err != nil {
		return nil, err
	}
	payload, err := protocol.DocumentBlob(s)
	if err != nil {
		return nil, err
	}
	return &protocol.HardwareState{Kind: KindPeriodic, Payload: payload}, nil
}

// primaryIP returns the first non loopback IPv4 address.
func primaryIP(ctx context.Context) string {
	ifaces, err := psnet.InterfacesWithContext(ctx)
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		for _, addr := range iface.Addrs {
			ip, _, err := net.ParseCIDR(addr.Addr)
			if err != nil || ip.IsLoopback() || ip.To4() == nil {
				continue
			}
			return ip.String()
		}
	}
	return ""
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}
