//go:build !linux

package trigger

import (
	"errors"
	"time"
)

var errGPIOUnsupported = errors.New("gpio: character device lines require linux")

// GPIOLine is unavailable off linux; use SimulatedLine instead.
type GPIOLine struct{}

func NewGPIOLine(chip string, offset int, bias string, debounce time.Duration) (*GPIOLine, error) {
	return nil, errGPIOUnsupported
}

func (g *GPIOLine) ID() int { return -1 }
func (g *GPIOLine) Level() (int, error) { return 0, errGPIOUnsupported }
func (g *GPIOLine) Watch(h EdgeHandler) error { return errGPIOUnsupported }
func (g *GPIOLine) Close() error { return nil }
