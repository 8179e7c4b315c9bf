package signal

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/warthog618/go-gpiocdev"
)

// DefaultChip is the GPIO character device carrying the header pins on a
// Raspberry Pi.
const DefaultChip = "gpiochip0"

// consumer labels the requested line in gpioinfo output.
const consumer = "cycle-monitor"

// GPIOConfig configures a GPIO detector.
type GPIOConfig struct {
	Chip     string        // character device name or path, DefaultChip when empty
	Pin      int           // line offset on the chip (the BCM number on a Pi)
	Debounce time.Duration // kernel debounce period, none when zero
}

// lineRequest is what a requester needs to set up a rising-edge input line.
type lineRequest struct {
	chip     string
	offset   int
	debounce time.Duration
	handler  gpiocdev.EventHandler
}

type requester func(req lineRequest) (io.Closer, error)

// GPIO reports rising edges on one input line of a GPIO character device.
// Edge detection and debounce run in the kernel; edges are handed to the
// Handler on a separate goroutine in arrival order.
type GPIO struct {
	cfg     GPIOConfig
	logger  *slog.Logger
	request requester
	now     func() time.Time

	mu     sync.Mutex
	line   io.Closer
	stopCh chan struct{}
}

// NewGPIO returns an unarmed detector.
func NewGPIO(cfg GPIOConfig, logger *slog.Logger) *GPIO {
	if cfg.Chip == "" {
		cfg.Chip = DefaultChip
	}
	if cfg.Debounce < 0 {
		cfg.Debounce = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GPIO{cfg: cfg, logger: logger, request: requestLine, now: time.Now}
}

// Arm implements Detector. A line left over from an earlier Arm is released
// first, so a retry after a failed start begins from a clean request.
func (d *GPIO) Arm(h Handler) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.releaseLocked()

	edges := make(chan time.Time, 16)
	stopCh := make(chan struct{})
	line, err := d.request(lineRequest{
		chip:     d.cfg.Chip,
		offset:   d.cfg.Pin,
		debounce: d.cfg.Debounce,
		handler: func(evt gpiocdev.LineEvent) {
			if evt.Type != gpiocdev.LineEventRisingEdge {
				return
			}
			select {
			case edges <- d.now():
			case <-stopCh:
			}
		},
	})
	if err != nil {
		return fmt.Errorf("%w: request %s line %d: %v", ErrHardwareUnavailable, d.cfg.Chip, d.cfg.Pin, err)
	}

	d.line = line
	d.stopCh = stopCh
	go dispatch(h, edges, stopCh)
	d.logger.Info("GPIO line armed", "chip", d.cfg.Chip, "pin", d.cfg.Pin, "debounce", d.cfg.Debounce)
	return nil
}

// Disarm implements Detector. It does not wait for an edge handler that is
// already running, so it may be called while the handler is blocked on the
// caller's lock.
func (d *GPIO) Disarm() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.releaseLocked()
}

func (d *GPIO) releaseLocked() error {
	if d.stopCh != nil {
		// 先關閉 stopCh，讓阻塞中的事件回呼返回，line.Close 才不會卡住
		close(d.stopCh)
		d.stopCh = nil
	}
	if d.line == nil {
		return nil
	}
	err := d.line.Close()
	d.line = nil
	if err != nil {
		return fmt.Errorf("release %s line %d: %w", d.cfg.Chip, d.cfg.Pin, err)
	}
	return nil
}

func dispatch(h Handler, edges <-chan time.Time, stopCh <-chan struct{}) {
	for {
		select {
		case <-stopCh:
			return
		case ts := <-edges:
			select {
			case <-stopCh:
				return
			default:
			}
			h(ts)
		}
	}
}

func requestLine(req lineRequest) (io.Closer, error) {
	opts := []gpiocdev.LineReqOption{
		gpiocdev.WithConsumer(consumer),
		gpiocdev.AsInput,
		gpiocdev.WithPullDown,
		gpiocdev.WithRisingEdge,
		gpiocdev.WithEventHandler(req.handler),
	}
	if req.debounce > 0 {
		opts = append(opts, gpiocdev.WithDebounce(req.debounce))
	}
	line, err := gpiocdev.RequestLine(req.chip, req.offset, opts...)
	if err != nil {
		return nil, err
	}
	return line, nil
}
