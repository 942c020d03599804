package enrich

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/martinsuchenak/usbtrackd/internal/log"
	"github.com/martinsuchenak/usbtrackd/internal/model"
)

// DiskSource resolves enrichment lookups against the host's block
// devices via gopsutil, with sysfs fallbacks for attributes gopsutil
// does not expose.
type DiskSource struct {
	sysBlock string
}

// NewDiskSource returns a source reading live host state.
func NewDiskSource() *DiskSource {
	return &DiskSource{sysBlock: "/sys/block"}
}

// Lookup implements Source. The serial-like suffix of the device ID is
// matched against each drive's own serial number (containment in either
// direction), falling back to a match on the drive's device path.
// First match wins; no match returns (nil, nil).
func (ds *DiskSource) Lookup(ctx context.Context, deviceID string) (*model.StorageInfo, error) {
	suffix := SerialSuffix(deviceID)
	if suffix == "" {
		return nil, nil
	}

	parts, err := disk.PartitionsWithContext(ctx, false)
	if err != nil {
		return nil, err
	}

	// Group mounted partitions by their parent drive.
	drives := make(map[string][]disk.PartitionStat)
	for _, p := range parts {
		if !strings.HasPrefix(p.Device, "/dev/") {
			continue
		}
		drives[baseDevice(p.Device)] = append(drives[baseDevice(p.Device)], p)
	}

	log.Debug("Enrichment scan", "suffix", suffix, "drives", len(drives))

	for device, partitions := range drives {
		serial, _ := disk.SerialNumberWithContext(ctx, device)
		if !ds.matches(suffix, serial, device) {
			continue
		}
		info := ds.describe(ctx, device, serial, partitions)
		return &info, nil
	}

	log.Debug("Enrichment miss", "suffix", suffix)
	return nil, nil
}

func (ds *DiskSource) matches(suffix, serial, device string) bool {
	s := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(serial), " ", ""))
	if s != "" && (strings.Contains(s, suffix) || strings.Contains(suffix, s)) {
		return true
	}
	return strings.Contains(strings.ToUpper(device), suffix)
}

func (ds *DiskSource) describe(ctx context.Context, device, serial string, partitions []disk.PartitionStat) model.StorageInfo {
	name := strings.TrimPrefix(device, "/dev/")

	info := model.StorageInfo{
		Model:         ds.sysAttr(name, "device/model"),
		SerialNumber:  strings.TrimSpace(serial),
		TotalBytes:    ds.sizeBytes(name),
		InterfaceType: ds.interfaceType(name),
		MediaType:     ds.mediaType(name),
		Firmware:      ds.sysAttr(name, "device/rev"),
		Status:        "OK",
		Volumes:       []model.VolumeInfo{},
	}

	for _, p := range partitions {
		usage, err := disk.UsageWithContext(ctx, p.Mountpoint)
		if err != nil {
			continue
		}
		label, _ := disk.LabelWithContext(ctx, strings.TrimPrefix(p.Device, "/dev/"))
		info.Volumes = append(info.Volumes, model.VolumeInfo{
			Mount:      p.Mountpoint,
			Label:      label,
			TotalBytes: usage.Total,
			FreeBytes:  usage.Free,
			FileSystem: p.Fstype,
		})
	}

	return info
}

func (ds *DiskSource) sysAttr(device, attr string) string {
	b, err := os.ReadFile(filepath.Join(ds.sysBlock, device, attr))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

func (ds *DiskSource) sizeBytes(device string) uint64 {
	sectors, err := strconv.ParseUint(ds.sysAttr(device, "size"), 10, 64)
	if err != nil {
		return 0
	}
	return sectors * 512
}

func (ds *DiskSource) interfaceType(device string) string {
	link, err := os.Readlink(filepath.Join(ds.sysBlock, device))
	if err == nil && strings.Contains(link, "/usb") {
		return "USB"
	}
	if strings.HasPrefix(device, "nvme") {
		return "NVMe"
	}
	return "SCSI"
}

func (ds *DiskSource) mediaType(device string) string {
	switch ds.sysAttr(device, "queue/rotational") {
	case "1":
		return "Fixed hard disk media"
	case "0":
		return "SSD"
	default:
		return ""
	}
}

// baseDevice strips the partition suffix from a device path:
// /dev/sdb1 -> /dev/sdb, /dev/nvme0n1p2 -> /dev/nvme0n1.
func baseDevice(device string) string {
	name := device
	if strings.HasPrefix(filepath.Base(name), "nvme") || strings.HasPrefix(filepath.Base(name), "mmcblk") {
		if i := strings.LastIndex(name, "p"); i > 0 && allDigits(name[i+1:]) {
			return name[:i]
		}
		return name
	}
	return strings.TrimRight(name, "0123456789")
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
