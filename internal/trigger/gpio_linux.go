//go:build linux

package trigger

import (
	"fmt"
	"sync"
	"time"

	"github.com/warthog618/go-gpiocdev"
)

// GPIOLine is a line on a GPIO character device (/dev/gpiochipN).
type GPIOLine struct {
	chip     string
	offset   int
	bias     string
	debounce time.Duration

	mu   sync.Mutex
	line *gpiocdev.Line
}

// NewGPIOLine describes a line; it is requested from the kernel by Watch.
// bias is one of "", "pull-up", "pull-down", "disabled".
func NewGPIOLine(chip string, offset int, bias string, debounce time.Duration) (*GPIOLine, error) {
	if chip == "" {
		return nil, fmt.Errorf("gpio: chip is required")
	}
	if offset < 0 {
		return nil, fmt.Errorf("gpio: invalid offset %d", offset)
	}
	switch bias {
	case "", "pull-up", "pull-down", "disabled":
	default:
		return nil, fmt.Errorf("gpio: unknown bias %q", bias)
	}
	return &GPIOLine{chip: chip, offset: offset, bias: bias, debounce: debounce}, nil
}

func (g *GPIOLine) ID() int { return g.offset }

// Level reads the current value. The line must be watched first.
func (g *GPIOLine) Level() (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.line == nil {
		return 0, fmt.Errorf("gpio: line %s:%d not requested", g.chip, g.offset)
	}
	return g.line.Value()
}

// Watch requests the line as an input reporting both edges and forwards
// each event to h on the gpiocdev event goroutine.
func (g *GPIOLine) Watch(h EdgeHandler) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.line != nil {
		return fmt.Errorf("gpio: line %s:%d already watched", g.chip, g.offset)
	}

	opts := []gpiocdev.LineReqOption{
		gpiocdev.AsInput,
		gpiocdev.WithBothEdges,
		gpiocdev.WithConsumer("sensor-recorder"),
		gpiocdev.WithEventHandler(func(evt gpiocdev.LineEvent) {
			level := 0
			if evt.Type == gpiocdev.LineEventRisingEdge {
				level = 1
			}
			h(evt.Offset, level, uint64(evt.Timestamp))
		}),
	}
	switch g.bias {
	case "pull-up":
		opts = append(opts, gpiocdev.WithPullUp)
	case "pull-down":
		opts = append(opts, gpiocdev.WithPullDown)
	case "disabled":
		opts = append(opts, gpiocdev.WithBiasDisabled)
	}
	if g.debounce > 0 {
		opts = append(opts, gpiocdev.WithDebounce(g.debounce))
	}

	l, err := gpiocdev.RequestLine(g.chip, g.offset, opts...)
	if err != nil {
		return fmt.Errorf("gpio: request %s:%d: %w", g.chip, g.offset, err)
	}
	g.line = l
	return nil
}

func (g *GPIOLine) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.line == nil {
		return nil
	}
	err := g.line.Close()
	g.line = nil
	return err
}
