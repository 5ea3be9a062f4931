//go:build linux

package device

// Capture drivers register themselves on import. V4L2 camera, malgo
// microphone, and X11 screen capture are Linux-only.
import (
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
)
