package adapter

import (
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/google/gousb"
)

// Interface class codes
// Reference: http://www.usb.org/developers/defined_class
const (
	IfaceClassAudio   = 0x01
	IfaceClassHID     = 0x03
	IfaceClassPrinter = 0x07
	IfaceClassHub     = 0x09
)

const usbScheme = "usb"

// USBSelector identifies which USB printer a usb path refers to.
// A zero selector picks the first printer-class device.
type USBSelector struct {
	VID    uint16
	PID    uint16
	Serial string
}

// IsUSBPath reports whether path names a USB printer rather than a serial port.
func IsUSBPath(path string) bool {
	return path == usbScheme || strings.HasPrefix(path, usbScheme+":")
}

// ParseUSBPath parses "usb", "usb:VVVV:PPPP" (hex ids) and "usb:serial:NUMBER".
func ParseUSBPath(path string) (USBSelector, error) {
	if !IsUSBPath(path) {
		return USBSelector{}, fmt.Errorf("not a usb path: %q", path)
	}
	if path == usbScheme {
		return USBSelector{}, nil
	}

	parts := strings.Split(strings.TrimPrefix(path, usbScheme+":"), ":")
	if len(parts) != 2 || parts[1] == "" {
		return USBSelector{}, fmt.Errorf("invalid usb path %q", path)
	}

	if parts[0] == "serial" {
		return USBSelector{Serial: parts[1]}, nil
	}

	vid, err := strconv.ParseUint(parts[0], 16, 16)
	if err != nil {
		return USBSelector{}, fmt.Errorf("invalid vendor id in %q: %w", path, err)
	}
	pid, err := strconv.ParseUint(parts[1], 16, 16)
	if err != nil {
		return USBSelector{}, fmt.Errorf("invalid product id in %q: %w", path, err)
	}
	return USBSelector{VID: uint16(vid), PID: uint16(pid)}, nil
}

// USBAdapter manages USB printer communication
type USBAdapter struct {
	Emitter

	path        string
	device      *gousb.Device
	ctx         *gousb.Context
	cfg         *gousb.Config
	outEndpoint *gousb.OutEndpoint
	iface       *gousb.Interface
	isOpen      bool
	mu          sync.Mutex
}

// NewUSBAdapter creates an unopened USB adapter for a usb path.
// Device lookup happens in Open.
func NewUSBAdapter(path string) *USBAdapter {
	return &USBAdapter{path: path}
}

// IsPrinter checks if a device is a printer
func IsPrinter(dev *gousb.Device) bool {
	if dev == nil {
		return false
	}

	cfg, err := dev.ActiveConfigNum()
	if err != nil {
		return false
	}

	cfgDesc, err := dev.Config(cfg)
	if err != nil {
		return false
	}
	defer cfgDesc.Close()

	for _, iface := range cfgDesc.Desc.Interfaces {
		for _, alt := range iface.AltSettings {
			if alt.Class == IfaceClassPrinter {
				return true
			}
		}
	}

	return false
}

// FindPrinters returns all USB printer devices
func FindPrinters(ctx *gousb.Context) []*gousb.Device {
	var printers []*gousb.Device

	devices, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return true // Check all devices
	})

	if err != nil {
		return printers
	}

	for _, dev := range devices {
		if IsPrinter(dev) {
			printers = append(printers, dev)
		} else {
			dev.Close()
		}
	}

	return printers
}

// GetDeviceByVIDPID opens a device by VID and PID
func GetDeviceByVIDPID(ctx *gousb.Context, vid, pid uint16) (*gousb.Device, error) {
	device, err := ctx.OpenDeviceWithVIDPID(gousb.ID(vid), gousb.ID(pid))
	if err != nil {
		return nil, err
	}
	if device == nil {
		return nil, errors.New("device not found")
	}
	return device, nil
}

// GetDeviceBySerial opens a device by serial number
func GetDeviceBySerial(ctx *gousb.Context, serial string) (*gousb.Device, error) {
	devices, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return true
	})
	if err != nil {
		return nil, err
	}

	var found *gousb.Device
	for _, dev := range devices {
		if found == nil {
			if s, err := dev.SerialNumber(); err == nil && s == serial {
				found = dev
				continue
			}
		}
		dev.Close()
	}

	if found == nil {
		return nil, errors.New("device with serial number not found")
	}
	return found, nil
}

// lookup opens the device the adapter's path selects.
func (a *USBAdapter) lookup(ctx *gousb.Context) (*gousb.Device, error) {
	sel, err := ParseUSBPath(a.path)
	if err != nil {
		return nil, err
	}

	switch {
	case sel.Serial != "":
		return GetDeviceBySerial(ctx, sel.Serial)
	case sel.VID != 0 || sel.PID != 0:
		return GetDeviceByVIDPID(ctx, sel.VID, sel.PID)
	}

	devices := FindPrinters(ctx)
	if len(devices) == 0 {
		return nil, errors.New("cannot find printer")
	}
	for _, d := range devices[1:] {
		d.Close()
	}
	return devices[0], nil
}

// Open finds the USB device and claims its printer interface
func (a *USBAdapter) Open() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.isOpen {
		return errors.New("device already open")
	}

	ctx := gousb.NewContext()
	device, err := a.lookup(ctx)
	if err != nil {
		ctx.Close()
		return err
	}

	// Set auto-detach kernel driver on Linux
	if runtime.GOOS == "linux" {
		device.SetAutoDetach(true)
	}

	fail := func(err error) error {
		if a.cfg != nil {
			a.cfg.Close()
			a.cfg = nil
		}
		device.Close()
		ctx.Close()
		return err
	}

	cfgNum, err := device.ActiveConfigNum()
	if err != nil {
		return fail(fmt.Errorf("failed to get active config: %w", err))
	}

	cfg, err := device.Config(cfgNum)
	if err != nil {
		return fail(fmt.Errorf("failed to get config: %w", err))
	}
	a.cfg = cfg

	// Find printer interface
	printerIfaceNum := -1
	for _, iface := range cfg.Desc.Interfaces {
		for _, alt := range iface.AltSettings {
			if alt.Class == IfaceClassPrinter {
				printerIfaceNum = iface.Number
				break
			}
		}
		if printerIfaceNum >= 0 {
			break
		}
	}

	if printerIfaceNum < 0 {
		return fail(errors.New("no printer interface found"))
	}

	iface, err := cfg.Interface(printerIfaceNum, 0)
	if err != nil {
		return fail(fmt.Errorf("failed to claim interface: %w", err))
	}

	var out *gousb.OutEndpoint
	for _, epDesc := range iface.Setting.Endpoints {
		if epDesc.Direction == gousb.EndpointDirectionOut {
			if ep, err := iface.OutEndpoint(epDesc.Number); err == nil {
				out = ep
				break
			}
		}
	}

	if out == nil {
		iface.Close()
		return fail(errors.New("cannot find output endpoint from printer"))
	}

	a.ctx = ctx
	a.device = device
	a.iface = iface
	a.outEndpoint = out
	a.isOpen = true
	a.Emit(Event{Type: EventConnect, Path: a.path})

	return nil
}

// Write sends data to the printer
func (a *USBAdapter) Write(data []byte) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.isOpen {
		return 0, errors.New("device not open")
	}

	n, err := a.outEndpoint.Write(data)
	if err != nil {
		return n, fmt.Errorf("write failed: %w", err)
	}

	return n, nil
}

// Drain is complete once the bulk transfer in Write has returned.
func (a *USBAdapter) Drain() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.isOpen {
		return errors.New("device not open")
	}
	return nil
}

// Close releases the interface and closes the USB device
func (a *USBAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.isOpen {
		return nil
	}

	var errs []error

	if a.iface != nil {
		a.iface.Close()
		a.iface = nil
	}

	if a.cfg != nil {
		if err := a.cfg.Close(); err != nil {
			errs = append(errs, err)
		}
		a.cfg = nil
	}

	if a.device != nil {
		if err := a.device.Close(); err != nil {
			errs = append(errs, err)
		}
		a.device = nil
	}

	if a.ctx != nil {
		if err := a.ctx.Close(); err != nil {
			errs = append(errs, err)
		}
		a.ctx = nil
	}

	a.outEndpoint = nil
	a.isOpen = false
	a.Emit(Event{Type: EventClose, Path: a.path})

	if len(errs) > 0 {
		return fmt.Errorf("close errors: %w", errors.Join(errs...))
	}

	return nil
}

// IsOpen returns whether the device is open
func (a *USBAdapter) IsOpen() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.isOpen
}

// GetDevice returns the underlying USB device
func (a *USBAdapter) GetDevice() *gousb.Device {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.device
}
