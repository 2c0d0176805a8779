// Package plugin is the host boundary of the driver library: the create/destroy/version entry
// points the tracking engine loads, and the ingestion calls the frame and pose provider makes.
package plugin

import "github.com/ayusman/quforia/internal/driver"

// Library identity reported through the version entry points.
const (
	LibraryName    = "QuforiaDriver"
	LibraryRelease = "1.0.0"
	// DriverAPIVersion is the engine driver API version this library implements.
	DriverAPIVersion uint32 = 7
)

// Library describes the loaded driver library.
type Library struct {
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	APIVersion   uint32            `json:"apiVersion"`
	Capabilities driver.Capability `json:"capabilities"`
	Features     []string          `json:"features"`
}

// APIVersion returns the engine driver API version.
func APIVersion() uint32 {
	return DriverAPIVersion
}

// LibraryVersion returns the library version string.
func LibraryVersion() string {
	return LibraryName + " " + LibraryRelease
}

// CopyLibraryVersion writes the version string into buf, truncated to leave room for a
// terminating NUL byte, and returns the number of bytes written before the NUL.
func CopyLibraryVersion(buf []byte) int {
	if len(buf) == 0 {
		return 0
	}
	n := copy(buf[:len(buf)-1], LibraryVersion())
	buf[n] = 0
	return n
}

// Observer sees every ingestion call the host accepted, after it reached the driver.
type Observer interface {
	ObserveIntrinsics(values []float32)
	ObservePose(position [3]float32, rotation [4]float32, timestamp int64)
	ObserveFrame(pixels []byte, width, height int, timestamp int64)
}
