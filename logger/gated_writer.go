package logger

import (
	"bytes"
	"io"
	"sync"
)

// GateState represents the state of the log gate
type GateState int

const (
	// GateClosed means logs are buffered but not written
	GateClosed GateState = iota
	// GateOpen means logs flow through immediately
	GateOpen
)

// GatedWriter is an io.Writer that buffers logs until a gate is opened.
// It lets the server hold back log output until the startup banner has
// been printed, then flush everything that accumulated.
type GatedWriter struct {
	mu         sync.RWMutex
	underlying io.Writer
	buffer     *bytes.Buffer
	state      GateState
	maxBuffer  int // maximum buffer size in bytes (0 = unlimited)
}

// GatedWriterConfig configures a GatedWriter
type GatedWriterConfig struct {
	Underlying   io.Writer
	InitialState GateState

	// MaxBufferSize limits buffered logs in bytes (0 = unlimited).
	// When exceeded, oldest logs are discarded.
	MaxBufferSize int
}

// NewGatedWriter creates a new gated writer
func NewGatedWriter(config GatedWriterConfig) *GatedWriter {
	if config.Underlying == nil {
		config.Underlying = io.Discard
	}

	return &GatedWriter{
		underlying: config.Underlying,
		buffer:     &bytes.Buffer{},
		state:      config.InitialState,
		maxBuffer:  config.MaxBufferSize,
	}
}

// Write implements io.Writer
func (gw *GatedWriter) Write(p []byte) (n int, err error) {
	gw.mu.Lock()
	defer gw.mu.Unlock()

	if gw.state == GateOpen {
		return gw.underlying.Write(p)
	}

	if gw.maxBuffer > 0 && gw.buffer.Len()+len(p) > gw.maxBuffer {
		excess := (gw.buffer.Len() + len(p)) - gw.maxBuffer
		gw.buffer.Next(excess)
	}

	return gw.buffer.Write(p)
}

// OpenGate opens the gate and flushes all buffered logs
func (gw *GatedWriter) OpenGate() error {
	gw.mu.Lock()
	defer gw.mu.Unlock()

	if gw.state == GateOpen {
		return nil
	}

	gw.state = GateOpen

	if gw.buffer.Len() > 0 {
		if _, err := gw.underlying.Write(gw.buffer.Bytes()); err != nil {
			return err
		}
		gw.buffer.Reset()
	}

	return nil
}

// IsOpen returns true if the gate is open
func (gw *GatedWriter) IsOpen() bool {
	gw.mu.RLock()
	defer gw.mu.RUnlock()

	return gw.state == GateOpen
}

// BufferedSize returns the current size of buffered logs in bytes
func (gw *GatedWriter) BufferedSize() int {
	gw.mu.RLock()
	defer gw.mu.RUnlock()

	return gw.buffer.Len()
}

// GatedLogger wraps a logger with gate control
type GatedLogger struct {
	Logger
	gate *GatedWriter
}

var _ Logger = (*GatedLogger)(nil)

// NewGatedLogger creates a logger with gated output
func NewGatedLogger(config *Config, gateConfig GatedWriterConfig) (*GatedLogger, *GatedWriter) {
	if config == nil {
		config = DefaultConfig()
	}

	if gateConfig.Underlying == nil && len(config.Outputs) > 0 {
		gateConfig.Underlying = config.Outputs[0]
	}

	gate := NewGatedWriter(gateConfig)

	config.Outputs = []io.Writer{gate}

	return &GatedLogger{
		Logger: NewZerologLogger(config),
		gate:   gate,
	}, gate
}

// WithSystem creates a new logger with a system name, preserving gate access
func (gl *GatedLogger) WithSystem(name string) Logger {
	return &GatedLogger{
		Logger: gl.Logger.WithSystem(name),
		gate:   gl.gate,
	}
}

// WithSubsystem creates a new logger with a subsystem, preserving gate access
func (gl *GatedLogger) WithSubsystem(name string) Logger {
	return &GatedLogger{
		Logger: gl.Logger.WithSubsystem(name),
		gate:   gl.gate,
	}
}

// OpenGate opens the gate and flushes buffered logs
func (gl *GatedLogger) OpenGate() error {
	return gl.gate.OpenGate()
}

// IsGateOpen returns true if the gate is open
func (gl *GatedLogger) IsGateOpen() bool {
	return gl.gate.IsOpen()
}
