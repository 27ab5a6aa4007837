// Package lora drives the LoRa radio module attached over a serial
// UART. Inbound bytes are assembled into frames by the protocol stream
// parser; outbound responses are written as radio-module packets with
// bounded retries.
package lora

import (
	"fmt"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"

	"github.com/gatehaven/platform/internal/protocol"
)

// Config holds serial link configuration.
type Config struct {
	Port         string // e.g. /dev/ttyUSB0
	Baud         int
	ReadTimeout  time.Duration
	WriteRetries int
	RetryDelay   time.Duration
}

// DefaultConfig returns defaults matching the radio module's UART.
func DefaultConfig() Config {
	return Config{
		Baud:         9600,
		ReadTimeout:  100 * time.Millisecond,
		WriteRetries: 3,
		RetryDelay:   100 * time.Millisecond,
	}
}

// Driver owns the serial port and the frame assembly state.
type Driver struct {
	config Config
	logger *zap.SugaredLogger

	// openPort is swapped out by tests.
	openPort func(Config) (io.ReadWriteCloser, error)

	rxChan   chan *protocol.Frame
	txChan   chan []byte
	stopChan chan struct{}
	wg       sync.WaitGroup

	mu        sync.Mutex
	port      io.ReadWriteCloser
	running   bool
	onReceive func(*protocol.Frame)

	statsMu sync.Mutex
	sent    uint64
	parser  protocol.StreamParser
}

// New creates a LoRa driver.
func New(config Config, logger *zap.SugaredLogger) *Driver {
	return &Driver{
		config:   config,
		logger:   logger,
		openPort: openSerial,
		rxChan:   make(chan *protocol.Frame, 100),
		txChan:   make(chan []byte, 100),
		stopChan: make(chan struct{}),
	}
}

func openSerial(cfg Config) (io.ReadWriteCloser, error) {
	port, err := serial.Open(cfg.Port, &serial.Mode{BaudRate: cfg.Baud})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Port, err)
	}
	if err := port.SetReadTimeout(cfg.ReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("set read timeout: %w", err)
	}
	return port, nil
}

// Start opens the port and launches the receive and transmit loops.
func (d *Driver) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("driver already running")
	}
	port, err := d.openPort(d.config)
	if err != nil {
		d.mu.Unlock()
		return fmt.Errorf("lora serial: %w", err)
	}
	d.port = port
	d.running = true
	d.mu.Unlock()

	d.wg.Add(1)
	go d.receiveLoop()
	d.wg.Add(1)
	go d.transmitLoop()

	d.logger.Infow("lora driver started", "port", d.config.Port, "baud", d.config.Baud)
	return nil
}

// Stop terminates the loops and closes the port.
func (d *Driver) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.mu.Unlock()

	close(d.stopChan)
	d.wg.Wait()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.port != nil {
		err := d.port.Close()
		d.port = nil
		return err
	}
	return nil
}

// SetReceiveCallback registers the handler invoked for each inbound
// frame. When set, the callback is the sole delivery path and Frames
// receives nothing.
func (d *Driver) SetReceiveCallback(cb func(*protocol.Frame)) {
	d.mu.Lock()
	d.onReceive = cb
	d.mu.Unlock()
}

// Frames exposes the inbound frame channel for consumers that pull
// instead of registering a callback.
func (d *Driver) Frames() <-chan *protocol.Frame {
	return d.rxChan
}

// SendResponse queues an outbound packet for the device address.
func (d *Driver) SendResponse(addr uint16, body string) error {
	packet, err := protocol.BuildResponse(addr, body)
	if err != nil {
		return err
	}

	d.mu.Lock()
	running := d.running
	d.mu.Unlock()
	if !running {
		return fmt.Errorf("driver not running")
	}

	select {
	case d.txChan <- packet:
		return nil
	default:
		return fmt.Errorf("transmit queue full")
	}
}

// receiveLoop reads serial bytes and feeds the stream parser. On read
// failure the port is reopened.
func (d *Driver) receiveLoop() {
	defer d.wg.Done()

	buf := make([]byte, 256)
	for {
		select {
		case <-d.stopChan:
			return
		default:
		}

		d.mu.Lock()
		port := d.port
		d.mu.Unlock()
		if port == nil {
			if !d.reopen() {
				return
			}
			continue
		}

		n, err := port.Read(buf)
		if err != nil {
			if err == io.EOF {
				// Serial read timeout on some platforms; poll again.
				continue
			}
			d.logger.Errorw("serial read failed", "error", err)
			if !d.reopen() {
				return
			}
			continue
		}
		if n == 0 {
			// Read timeout with no data; avoid spinning on ports that
			// return immediately.
			time.Sleep(10 * time.Millisecond)
			continue
		}

		d.statsMu.Lock()
		frames := d.parser.Feed(buf[:n])
		d.statsMu.Unlock()

		now := time.Now().Unix()
		for _, frame := range frames {
			frame.ReceivedAt = now

			d.mu.Lock()
			cb := d.onReceive
			d.mu.Unlock()
			if cb != nil {
				cb(frame)
				continue
			}

			select {
			case d.rxChan <- frame:
			default:
				d.logger.Warn("receive queue full, dropping frame")
			}
		}
	}
}

// reopen closes and reopens the serial port after a fault. Returns
// false when the driver is stopping.
func (d *Driver) reopen() bool {
	d.mu.Lock()
	if d.port != nil {
		d.port.Close()
		d.port = nil
	}
	d.mu.Unlock()

	select {
	case <-d.stopChan:
		return false
	case <-time.After(2 * time.Second):
	}

	port, err := d.openPort(d.config)
	if err != nil {
		d.logger.Errorw("serial reopen failed", "error", err)
		return true
	}
	d.mu.Lock()
	d.port = port
	d.mu.Unlock()
	d.logger.Infow("serial port reopened", "port", d.config.Port)
	return true
}

// transmitLoop drains the tx queue, retrying failed writes.
func (d *Driver) transmitLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.stopChan:
			return
		case packet := <-d.txChan:
			if d.writeWithRetry(packet) {
				d.statsMu.Lock()
				d.sent++
				d.statsMu.Unlock()
			}
		}
	}
}

func (d *Driver) writeWithRetry(packet []byte) bool {
	retries := d.config.WriteRetries
	if retries < 1 {
		retries = 1
	}
	for attempt := 1; attempt <= retries; attempt++ {
		d.mu.Lock()
		port := d.port
		d.mu.Unlock()

		if port != nil {
			_, err := port.Write(packet)
			if err == nil {
				return true
			}
			d.logger.Warnw("serial write failed", "attempt", attempt, "error", err)
		}

		if attempt < retries {
			select {
			case <-d.stopChan:
				return false
			case <-time.After(d.config.RetryDelay):
			}
		}
	}
	d.logger.Errorw("dropping outbound packet after retries", "retries", retries)
	return false
}

// Statistics reports link counters for the heartbeat payload.
func (d *Driver) Statistics() map[string]interface{} {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	return map[string]interface{}{
		"messages_received": d.parser.Frames,
		"messages_sent":     d.sent,
		"crc_errors":        d.parser.CRCErrors,
		"bytes_dropped":     d.parser.Dropped,
	}
}
