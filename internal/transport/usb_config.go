package transport

import "fmt"

// USBConfig locates the dongle's vendor bulk interface.
type USBConfig struct {
	VendorID  uint16
	ProductID uint16 // 0 matches any product of VendorID
	Config    int
	Interface int
	ReadSize  int // bytes requested per bulk IN transfer
}

// LoShark dongle defaults.
const (
	DefaultVendorID  = 0xa108
	DefaultConfig    = 1
	DefaultInterface = 5
	DefaultReadSize  = 4096
)

func (c *USBConfig) defaults() {
	if c.VendorID == 0 {
		c.VendorID = DefaultVendorID
	}
	if c.Config == 0 {
		c.Config = DefaultConfig
	}
	if c.Interface == 0 {
		c.Interface = DefaultInterface
	}
	if c.ReadSize <= 0 {
		c.ReadSize = DefaultReadSize
	}
}

func (c USBConfig) String() string {
	if c.ProductID == 0 {
		return fmt.Sprintf("usb:%04x:*", c.VendorID)
	}
	return fmt.Sprintf("usb:%04x:%04x", c.VendorID, c.ProductID)
}
