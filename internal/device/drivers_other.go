//go:build !linux

package device

// No capture drivers are registered on this platform; Acquire fails with
// DeviceNotFound. Support for other platforms goes in sibling build-tagged
// files registering that platform's drivers.
