package zlac8015d

import (
	"encoding/binary"
	"time"

	"github.com/grid-x/modbus"
	"github.com/pkg/errors"
)

// SerialConfig holds the Modbus RTU connection parameters.
type SerialConfig struct {
	Path     string
	BaudRate int
	Timeout  time.Duration
	SlaveID  byte
}

// Defaults matching the driver's shipping configuration: 115200 8N1, unit 1.
const (
	defaultBaudRate = 115200
	defaultTimeout  = time.Second
	defaultSlaveID  = 1
)

// SerialClient is a RegisterClient over a Modbus RTU serial line. The
// line is shared and half-duplex, so the handler serializes transactions.
type SerialClient struct {
	handler *modbus.RTUClientHandler
	client  modbus.Client
}

// Connect opens the serial line and returns a ready register client.
// Opening is explicit and fallible so a controller is never constructed
// around a half-open transport.
func Connect(cfg SerialConfig) (*SerialClient, error) {
	if cfg.Path == "" {
		return nil, errors.New("serial path is required")
	}
	if cfg.BaudRate == 0 {
		cfg.BaudRate = defaultBaudRate
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.SlaveID == 0 {
		cfg.SlaveID = defaultSlaveID
	}

	handler := modbus.NewRTUClientHandler(cfg.Path)
	handler.BaudRate = cfg.BaudRate
	handler.DataBits = 8
	handler.Parity = "N"
	handler.StopBits = 1
	handler.SlaveID = cfg.SlaveID
	handler.Timeout = cfg.Timeout
	if err := handler.Connect(); err != nil {
		return nil, errors.Wrapf(err, "cannot open modbus serial line %s", cfg.Path)
	}

	return &SerialClient{handler: handler, client: modbus.NewClient(handler)}, nil
}

// ReadHoldingRegisters reads quantity registers starting at address.
func (s *SerialClient) ReadHoldingRegisters(address, quantity uint16) ([]uint16, error) {
	raw, err := s.client.ReadHoldingRegisters(address, quantity)
	if err != nil {
		return nil, err
	}
	if len(raw) != int(quantity)*2 {
		return nil, errors.Errorf("malformed response: %d bytes for %d registers", len(raw), quantity)
	}
	words := make([]uint16, quantity)
	for i := range words {
		words[i] = binary.BigEndian.Uint16(raw[2*i:])
	}
	return words, nil
}

// WriteSingleRegister writes one register at address.
func (s *SerialClient) WriteSingleRegister(address, value uint16) error {
	_, err := s.client.WriteSingleRegister(address, value)
	return err
}

// WriteMultipleRegisters writes a contiguous block of registers starting at
// address.
func (s *SerialClient) WriteMultipleRegisters(address uint16, values []uint16) error {
	raw := make([]byte, 2*len(values))
	for i, v := range values {
		binary.BigEndian.PutUint16(raw[2*i:], v)
	}
	_, err := s.client.WriteMultipleRegisters(address, uint16(len(values)), raw)
	return err
}

// Close releases the serial line.
func (s *SerialClient) Close() error {
	return s.handler.Close()
}
