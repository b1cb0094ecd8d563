// Package usb implements the USB bulk-pair DIAG transport: open a device
// by VID/PID, claim its default interface, and read/write its bulk
// OUT/IN endpoints directly (spec.md §4.2).
package usb

import (
	"context"
	"fmt"

	"github.com/google/gousb"
)

// Device is a live DIAG connection over a USB bulk endpoint pair.
type Device struct {
	ctx   *gousb.Context
	dev   *gousb.Device
	done  func()
	epOut *gousb.OutEndpoint
	epIn  *gousb.InEndpoint
}

// Open opens the first USB device matching vendorID/productID, detaches
// any kernel driver holding its default interface, and binds the given
// bulk endpoint addresses.
func Open(vendorID, productID gousb.ID, outEndpoint, inEndpoint int) (*Device, error) {
	ctx := gousb.NewContext()

	dev, err := ctx.OpenDeviceWithVIDPID(vendorID, productID)
	if err != nil {
		ctx.Close()
		return nil, fmt.Errorf("usb: opening device %s:%s: %w", vendorID, productID, err)
	}
	if dev == nil {
		ctx.Close()
		return nil, fmt.Errorf("usb: no device matching %s:%s", vendorID, productID)
	}

	if err := dev.SetAutoDetach(true); err != nil {
		// Not fatal: some platforms/drivers don't need or support this.
		_ = err
	}

	intf, done, err := dev.DefaultInterface()
	if err != nil {
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("usb: claiming default interface: %w", err)
	}

	epOut, err := intf.OutEndpoint(outEndpoint)
	if err != nil {
		done()
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("usb: opening bulk OUT endpoint %d: %w", outEndpoint, err)
	}
	epIn, err := intf.InEndpoint(inEndpoint)
	if err != nil {
		done()
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("usb: opening bulk IN endpoint %d: %w", inEndpoint, err)
	}

	return &Device{ctx: ctx, dev: dev, done: done, epOut: epOut, epIn: epIn}, nil
}

// Write sends a single already-HDLC-framed buffer to the bulk OUT endpoint.
func (d *Device) Write(ctx context.Context, framed []byte) error {
	_, err := d.epOut.WriteContext(ctx, framed)
	return err
}

// readBufferSize bounds a single bulk IN transfer.
const readBufferSize = 64 * 1024

// Read blocks for at least one chunk of bytes off the bulk IN endpoint.
func (d *Device) Read(ctx context.Context) ([]byte, error) {
	buf := make([]byte, readBufferSize)
	n, err := d.epIn.ReadContext(ctx, buf)
	if n == 0 {
		return nil, err
	}
	return buf[:n], err
}

// Close releases the interface and closes the device and USB context.
func (d *Device) Close() error {
	d.done()
	err := d.dev.Close()
	d.ctx.Close()
	return err
}
