package main

import (
	"fmt"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/sensor-recorder/internal/config"
	"github.com/e7canasta/orion-care-sensor/modules/sensor-recorder/internal/pipeline"
)

// printSummary prints the end-of-run report
func printSummary(cfg *config.Config, s pipeline.Summary) {
	st := s.Stats

	fmt.Println()
	fmt.Println("╭─────────────────────────────────────────────────────────────────╮")
	fmt.Printf("│ Run %s (Elapsed: %v)\n", cfg.RunID, st.Elapsed.Round(time.Millisecond))
	fmt.Println("├─────────────────────────────────────────────────────────────────┤")

	fmt.Println("│ Capture:")
	fmt.Printf("│   Trigger Cycles:     %6d\n", st.Cycles)
	fmt.Printf("│   Frames Captured:    %6d frames\n", st.Captured)
	fmt.Printf("│   Capture Failed:     %6d\n", st.CaptureFailed)
	fmt.Printf("│   Empty Frames:       %6d\n", st.EmptyFrames)
	fmt.Printf("│   Timeouts:           %6d\n", st.CaptureTimeout)
	fmt.Printf("│   Avg Capture:        %6d ms (p95 %d ms)\n",
		st.AvgCapture.Milliseconds(),
		st.CaptureP95.Milliseconds())
	if cfg.Trigger.Kind == "edge" {
		fmt.Printf("│   Pulse Edges:        %6d\n", st.PulseEdges)
		fmt.Printf("│   Clock Edges:        %6d\n", st.ClockEdges)
	}

	fmt.Println("│")
	fmt.Println("│ Cadence:")
	fmt.Printf("│   Mean Interval:      %6d ms (stddev %d ms)\n",
		s.Cadence.MeanInterval.Milliseconds(),
		s.Cadence.StdDevInterval.Milliseconds())
	fmt.Printf("│   Jitter:             %6d ms mean, %d ms max\n",
		s.Cadence.JitterMean.Milliseconds(),
		s.Cadence.JitterMax.Milliseconds())
	fmt.Printf("│   Stable:             %6v\n", s.Cadence.Stable)

	fmt.Println("│")
	fmt.Println("│ Buffering:")
	fmt.Printf("│   Pool:               %6d slots (%s, high water %d)\n",
		s.PoolSize, cfg.Pool.Policy, s.PoolHighWater)
	fmt.Printf("│   Pool Exhausted:     %6d\n", st.PoolExhausted)
	fmt.Printf("│   Overwritten:        %6d frames\n", st.Overwritten)
	fmt.Printf("│   Queue High Water:   %6d frames\n", s.Queue.HighWater)
	fmt.Printf("│   Producer Blocked:   %6d\n", s.Queue.PushBlocked)

	fmt.Println("│")
	fmt.Println("│ Persistence:")
	fmt.Printf("│   Frames Written:     %6d frames (%s)\n", st.Written, formatBytes(st.BytesWritten))
	fmt.Printf("│   Write Failed:       %6d\n", st.WriteFailed)
	fmt.Printf("│   Avg Write:          %6d ms (p95 %d ms)\n",
		st.AvgWrite.Milliseconds(),
		st.WriteP95.Milliseconds())
	fmt.Printf("│   Drained:            %6v\n", st.Drained())
	fmt.Printf("│   Output:             %s\n", cfg.Storage.OutputDir)

	fmt.Println("╰─────────────────────────────────────────────────────────────────╯")
	fmt.Println()
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
