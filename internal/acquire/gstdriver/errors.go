package gstdriver

import "strings"

// ErrorCategory groups bus errors for telemetry.
type ErrorCategory int

const (
	// ErrCategoryDevice: sensor missing, busy or disconnected.
	ErrCategoryDevice ErrorCategory = iota
	// ErrCategoryNegotiation: caps or format mismatch; a restart rarely helps.
	ErrCategoryNegotiation
	// ErrCategoryResource: buffer allocation or memory exhaustion.
	ErrCategoryResource
	ErrCategoryUnknown
)

func (e ErrorCategory) String() string {
	switch e {
	case ErrCategoryDevice:
		return "device"
	case ErrCategoryNegotiation:
		return "negotiation"
	case ErrCategoryResource:
		return "resource"
	default:
		return "unknown"
	}
}

var (
	negotiationKeywords = []string{
		"not negotiated", "negotiation", "caps", "format", "no decoder", "missing plugin",
	}
	resourceKeywords = []string{
		"allocate", "allocation", "out of memory", "no memory", "buffer pool", "enomem",
	}
	deviceKeywords = []string{
		"device", "busy", "no such file", "v4l2", "libcamera", "camera", "could not open",
		"disconnected", "permission denied",
	}
)

// classify buckets an error by message heuristics. Negotiation wins over
// device because format errors usually also name the device.
func classify(message, debug string) ErrorCategory {
	combined := strings.ToLower(message + " " + debug)
	switch {
	case containsAny(combined, negotiationKeywords):
		return ErrCategoryNegotiation
	case containsAny(combined, resourceKeywords):
		return ErrCategoryResource
	case containsAny(combined, deviceKeywords):
		return ErrCategoryDevice
	default:
		return ErrCategoryUnknown
	}
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
