package inventory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/martinsuchenak/usbtrackd/internal/model"
)

// SysfsSource enumerates USB devices from /sys/bus/usb/devices.
type SysfsSource struct {
	root string
}

// NewSysfsSource returns a source reading the host's sysfs tree.
func NewSysfsSource() *SysfsSource {
	return &SysfsSource{root: "/sys/bus/usb/devices"}
}

// NewSysfsSourceAt returns a source rooted at an alternate directory.
func NewSysfsSourceAt(root string) *SysfsSource {
	return &SysfsSource{root: root}
}

// Query implements Source. Device IDs take the form
// USB\VID_xxxx&PID_xxxx\<serial-or-port-path>, which keeps the ID
// stable across re-enumeration when the device exposes a serial.
func (s *SysfsSource) Query(ctx context.Context) (map[string]model.DeviceRecord, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("enumerating usb devices: %w", err)
	}

	devices := make(map[string]model.DeviceRecord)
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		name := entry.Name()
		// Skip interface entries (1-1:1.0) and root hub buses (usb1).
		if strings.Contains(name, ":") || strings.HasPrefix(name, "usb") {
			continue
		}

		rec, ok := s.readDevice(name)
		if !ok {
			continue
		}
		devices[rec.DeviceID] = rec
	}

	return devices, nil
}

func (s *SysfsSource) readDevice(port string) (model.DeviceRecord, bool) {
	vid := s.attr(port, "idVendor")
	pid := s.attr(port, "idProduct")
	if vid == "" || pid == "" {
		return model.DeviceRecord{}, false
	}

	serial := s.attr(port, "serial")
	if serial == "" {
		serial = port
	}

	rec := model.DeviceRecord{
		DeviceID: fmt.Sprintf(`USB\VID_%s&PID_%s\%s`,
			strings.ToUpper(vid), strings.ToUpper(pid), strings.ToUpper(serial)),
		Name:         s.attr(port, "product"),
		Manufacturer: s.attr(port, "manufacturer"),
		Class:        s.class(port),
	}
	return rec, true
}

func (s *SysfsSource) attr(port, name string) string {
	b, err := os.ReadFile(filepath.Join(s.root, port, name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

// class derives a device category tag. Mass-storage interfaces map to
// DiskDrive so the enrichment predicate picks them up.
func (s *SysfsSource) class(port string) string {
	classes := []string{strings.ToLower(s.attr(port, "bDeviceClass"))}

	// Composite devices declare class 00 and defer to their interfaces.
	matches, _ := filepath.Glob(filepath.Join(s.root, port+":*", "bInterfaceClass"))
	for _, m := range matches {
		if b, err := os.ReadFile(m); err == nil {
			classes = append(classes, strings.ToLower(strings.TrimSpace(string(b))))
		}
	}

	for _, c := range classes {
		switch c {
		case "08":
			return "DiskDrive"
		case "03":
			return "HIDClass"
		case "01":
			return "MEDIA"
		case "0e":
			return "Camera"
		case "e0":
			return "Bluetooth"
		case "09":
			return "USBHub"
		}
	}
	return "USB"
}
