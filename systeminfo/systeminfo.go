package systeminfo

import (
	"context"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"

	"rescan/logger"
)

// SystemInfo describes the machine and volume a scan ran against.
type SystemInfo struct {
	Hostname      string      `json:"hostname,omitempty"`
	OSVersion     string      `json:"os_version"`
	KernelVersion string      `json:"kernel_version,omitempty"`
	CPUs          int         `json:"cpus"`
	Volume        *VolumeInfo `json:"volume,omitempty"`
}

type VolumeInfo struct {
	Path        string  `json:"path"`
	Fstype      string  `json:"fstype,omitempty"`
	TotalBytes  uint64  `json:"total_bytes"`
	FreeBytes   uint64  `json:"free_bytes"`
	UsedPercent float64 `json:"used_percent"`
}

// GetSystemInfo collects what it can about the host and the volume holding
// root. Lookups that fail are logged and left empty.
func GetSystemInfo(ctx context.Context, root string) *SystemInfo {
	sysInfo := &SystemInfo{CPUs: runtime.NumCPU()}

	if err := gatherHost(ctx, sysInfo); err != nil {
		logger.Warnf("Failed to gather host info: %v", err)
	}
	if sysInfo.OSVersion == "" {
		sysInfo.OSVersion = runtime.GOOS
	}

	if root != "" {
		if err := gatherVolume(ctx, sysInfo, root); err != nil {
			logger.Warnf("Failed to gather volume info for %s: %v", root, err)
		}
	}
	return sysInfo
}

func gatherHost(ctx context.Context, sysInfo *SystemInfo) error {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return err
	}
	sysInfo.Hostname = info.Hostname
	sysInfo.KernelVersion = info.KernelVersion
	sysInfo.OSVersion = strings.TrimSpace(info.Platform + " " + info.PlatformVersion)
	return nil
}

func gatherVolume(ctx context.Context, sysInfo *SystemInfo, root string) error {
	usage, err := disk.UsageWithContext(ctx, root)
	if err != nil {
		return err
	}
	sysInfo.Volume = &VolumeInfo{
		Path:        usage.Path,
		Fstype:      usage.Fstype,
		TotalBytes:  usage.Total,
		FreeBytes:   usage.Free,
		UsedPercent: usage.UsedPercent,
	}
	return nil
}
