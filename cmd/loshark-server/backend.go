package main

import (
	"fmt"
	"log/slog"

	"github.com/kstaniek/go-loshark/internal/transport"
)

// openSerialPort is a hook for tests (overridden in unit tests).
var openSerialPort = transport.OpenPort

// newUSB is a hook for tests.
var newUSB = transport.NewUSB

// initBackend builds the transport selected by cfg. Nothing is opened yet;
// the controller opens it on each connect.
func initBackend(cfg *appConfig, l *slog.Logger) (transport.Transport, error) {
	switch cfg.backend {
	case "serial":
		l.Info("backend_config", "backend", "serial", "device", cfg.serialDev, "baud", cfg.baud, "exclusive", cfg.exclusive)
		return transport.NewSerial(transport.SerialConfig{
			Device:      cfg.serialDev,
			Baud:        cfg.baud,
			ReadTimeout: cfg.serialReadTO,
			ReadBufSize: serialReadBufSize,
			Exclusive:   cfg.exclusive,
			OpenPort:    openSerialPort,
		}), nil
	case "usb":
		vid, err := parseUSBID(cfg.usbVID)
		if err != nil {
			return nil, fmt.Errorf("usb-vid: %w", err)
		}
		pid, err := parseUSBID(cfg.usbPID)
		if err != nil {
			return nil, fmt.Errorf("usb-pid: %w", err)
		}
		uc := transport.USBConfig{
			VendorID:  vid,
			ProductID: pid,
			Config:    cfg.usbConfig,
			Interface: cfg.usbInterface,
			ReadSize:  usbReadSize,
		}
		l.Info("backend_config", "backend", "usb", "device", uc.String(), "config", uc.Config, "interface", uc.Interface)
		return newUSB(uc), nil
	default:
		return nil, fmt.Errorf("unknown backend %q (use serial|usb)", cfg.backend)
	}
}
