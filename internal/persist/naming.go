package persist

import (
	"fmt"
	"strings"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/sensor-recorder/internal/frame"
)

// FileName returns the deterministic payload name for f. Tagged frames carry
// their pulse and clock counts so edge captures can be correlated offline.
func FileName(f *frame.Frame) string {
	if f.Tags.IsZero() {
		return fmt.Sprintf("frame_%06d.raw", f.Seq)
	}
	return fmt.Sprintf("frame_%06d_p%d_c%d.raw", f.Seq, f.Tags.Pulses, f.Tags.Clock)
}

// SidecarName maps a payload name to its metadata file.
func SidecarName(payload string) string {
	return strings.TrimSuffix(payload, ".raw") + ".txt"
}

// Sidecar renders the key=value metadata written next to a payload.
func Sidecar(f *frame.Frame) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "seq=%d\n", f.Seq)
	fmt.Fprintf(&b, "size=%d\n", f.Size)
	fmt.Fprintf(&b, "width=%d\n", f.Meta.Width)
	fmt.Fprintf(&b, "height=%d\n", f.Meta.Height)
	fmt.Fprintf(&b, "format=%s\n", f.Meta.Format)
	fmt.Fprintf(&b, "stride=%d\n", f.Meta.Stride)
	fmt.Fprintf(&b, "pulses=%d\n", f.Tags.Pulses)
	fmt.Fprintf(&b, "clock=%d\n", f.Tags.Clock)
	fmt.Fprintf(&b, "tick=%d\n", f.Tags.Tick)
	fmt.Fprintf(&b, "captured_at=%s\n", f.CapturedAt.UTC().Format(time.RFC3339Nano))
	fmt.Fprintf(&b, "trace_id=%s\n", f.TraceID)
	return []byte(b.String())
}
