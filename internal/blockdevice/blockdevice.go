// Package blockdevice adapts a mounted Volume to the five-callback
// contract an OS block-device shim (NBD on Linux, a proxy pipe on
// Windows) drives it through. The shim itself is an external collaborator
// per the purpose/scope boundary this module draws around the data-plane
// engine; this package is the thin Volume-side half of that boundary.
package blockdevice

import (
	"context"
)

// VolumeIO is the capability this adapter needs from a mounted volume.
// *volume.Volume satisfies it.
type VolumeIO interface {
	ReadDecrypt(ctx context.Context, dest []byte, offset uint64) error
	WriteEncrypt(ctx context.Context, data []byte, offset uint64) error
}

// Device wires a VolumeIO to the shim's callback shape. Context is fixed
// per Device rather than threaded through each callback: the shim's C-style
// callbacks carry an opaque ctx pointer with no cancellation of their own,
// and the Volume attempts best-effort completion regardless, so one
// context is held per mount.
type Device struct {
	vol VolumeIO
	ctx context.Context
}

// New wraps vol for callback-style access. ctx (context.Background() when
// nil) is passed to every Read and Write; Discard, Flush and Trim do not
// consult it.
func New(vol VolumeIO, ctx context.Context) *Device {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Device{vol: vol, ctx: ctx}
}

// Read implements the shim's read(buf, size, offset) callback: fills buf
// from the volume's encrypted contents, reporting false on failure.
func (d *Device) Read(buf []byte, offset uint64) bool {
	return d.vol.ReadDecrypt(d.ctx, buf, offset) == nil
}

// Write implements the shim's write(buf, size, offset) callback.
func (d *Device) Write(buf []byte, offset uint64) bool {
	return d.vol.WriteEncrypt(d.ctx, buf, offset) == nil
}

// Discard implements the shim's discard(ctx) callback. It is a no-op in
// the baseline: the volume has no notion of an unmapped/trimmed cell
// distinct from a zeroed one.
func (d *Device) Discard() {}

// Flush implements the shim's flush(ctx) callback. The write-back cache
// drains dirty rows on its own schedule and on Close; there is no
// synchronous flush hook to call into from here in the baseline, so this
// reports success unconditionally.
func (d *Device) Flush() error {
	return nil
}

// Trim implements the shim's trim(from, len, ctx) callback. No-op in the
// baseline for the same reason as Discard.
func (d *Device) Trim(from, length uint64) error {
	return nil
}
