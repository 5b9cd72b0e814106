// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed as part of the FieldGate project.
// Copyright 2024-present the FieldGate authors.

// Package modbusdriver implements the Modbus TCP/RTU polling driver.
package modbusdriver

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/goburrow/modbus"

	"github.com/fieldgate/agent/pkg/config"
	"github.com/fieldgate/agent/pkg/driver"
	"github.com/fieldgate/agent/pkg/value"
)

// Register table kinds.
const (
	RegHolding  = "holding"
	RegInput    = "input"
	RegCoil     = "coil"
	RegDiscrete = "discrete"
)

const (
	scanBatchSize   = 10
	scanBatchDelay  = 25 * time.Millisecond
	defaultScanSpan = 100
)

// Register describes one point to poll.
type Register struct {
	Name     string `json:"name"`
	Address  uint16 `json:"address"`
	Type     string `json:"type"`
	DataType string `json:"dataType"`
	Count    uint16 `json:"count"`
}

// ScanRange bounds a discovery scan.
type ScanRange struct {
	Type  string `json:"type"`
	Start uint16 `json:"start"`
	End   uint16 `json:"end"`
}

// Config is the protocol-specific configuration of a Modbus source.
type Config struct {
	ConnectionType string      `json:"connectionType"` // "tcp" or "rtu"
	Host           string      `json:"host"`
	Port           int         `json:"port"`
	SerialDevice   string      `json:"serialDevice"`
	BaudRate       int         `json:"baudRate"`
	UnitID         byte        `json:"unitId"`
	Registers      []Register  `json:"registers"`
	ScanRanges     []ScanRange `json:"scanRanges"`
}

func init() {
	driver.Register(driver.TypeModbus, New)
}

type connectable interface {
	Connect() error
	Close() error
}

// Driver polls a register list over Modbus TCP or RTU. Each poll emits one
// sample of the shape {registers: {name: value}}.
type Driver struct {
	sourceID string
	cfg      Config
	endpoint string

	mu        sync.Mutex
	handler   connectable
	client    modbus.Client
	connected bool
}

// New validates the spec and builds the driver.
func New(spec config.SourceSpec) (driver.Driver, error) {
	var cfg Config
	if err := driver.DecodeConfig(spec, &cfg); err != nil {
		return nil, err
	}
	if cfg.ConnectionType == "" {
		cfg.ConnectionType = "tcp"
	}
	var endpoint string
	switch cfg.ConnectionType {
	case "tcp":
		if cfg.Host == "" {
			return nil, &config.ValidationError{Msg: fmt.Sprintf("source %q: modbus tcp needs a host", spec.ID)}
		}
		if cfg.Port == 0 {
			cfg.Port = 502
		}
		endpoint = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	case "rtu":
		if cfg.SerialDevice == "" {
			return nil, &config.ValidationError{Msg: fmt.Sprintf("source %q: modbus rtu needs a serialDevice", spec.ID)}
		}
		if cfg.BaudRate == 0 {
			cfg.BaudRate = 9600
		}
		endpoint = cfg.SerialDevice
	default:
		return nil, &config.ValidationError{Msg: fmt.Sprintf("source %q: unknown modbus connectionType %q", spec.ID, cfg.ConnectionType)}
	}
	for i, reg := range cfg.Registers {
		if reg.Name == "" {
			return nil, &config.ValidationError{Msg: fmt.Sprintf("source %q: register %d is missing a name", spec.ID, i)}
		}
		switch reg.Type {
		case RegHolding, RegInput, RegCoil, RegDiscrete, "":
		default:
			return nil, &config.ValidationError{Msg: fmt.Sprintf("source %q: register %q has unknown type %q", spec.ID, reg.Name, reg.Type)}
		}
	}
	return &Driver{sourceID: spec.ID, cfg: cfg, endpoint: endpoint}, nil
}

// HasPointList reports whether registers were configured explicitly.
func (d *Driver) HasPointList() bool { return len(d.cfg.Registers) > 0 }

// Connect opens the TCP socket or serial line.
func (d *Driver) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	timeout := driver.DefaultConnectTimeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}

	switch d.cfg.ConnectionType {
	case "tcp":
		h := modbus.NewTCPClientHandler(d.endpoint)
		h.Timeout = timeout
		h.SlaveId = d.cfg.UnitID
		if err := h.Connect(); err != nil {
			return fmt.Errorf("connect to %s: %w", d.endpoint, err)
		}
		h.Timeout = driver.DefaultRequestTimeout
		d.handler = h
		d.client = modbus.NewClient(h)
	case "rtu":
		h := modbus.NewRTUClientHandler(d.endpoint)
		h.Timeout = timeout
		h.BaudRate = d.cfg.BaudRate
		h.DataBits = 8
		h.Parity = "N"
		h.StopBits = 1
		h.SlaveId = d.cfg.UnitID
		if err := h.Connect(); err != nil {
			return fmt.Errorf("open %s: %w", d.endpoint, err)
		}
		h.Timeout = driver.DefaultRequestTimeout
		d.handler = h
		d.client = modbus.NewClient(h)
	}
	d.connected = true
	return nil
}

// Poll reads every configured register and emits one sample.
func (d *Driver) Poll(_ context.Context) ([]value.Value, error) {
	d.mu.Lock()
	client := d.client
	d.mu.Unlock()
	if client == nil {
		return nil, driver.ErrNotConnected
	}

	registers := map[string]value.Value{}
	for _, reg := range d.cfg.Registers {
		v, err := readRegister(client, reg)
		if err != nil {
			// a single bad register degrades the sample, not the connection
			return nil, err
		}
		registers[reg.Name] = v
	}
	return []value.Value{value.Object(map[string]value.Value{
		"registers": value.Object(registers),
	})}, nil
}

func readRegister(client modbus.Client, reg Register) (value.Value, error) {
	quantity := reg.Count
	if quantity == 0 {
		quantity = registerSpan(reg.DataType)
	}
	switch regType(reg) {
	case RegCoil:
		data, err := client.ReadCoils(reg.Address, 1)
		if err != nil {
			return value.Null(), fmt.Errorf("read coil %d: %w", reg.Address, err)
		}
		return value.Bool(len(data) > 0 && data[0]&0x01 == 1), nil
	case RegDiscrete:
		data, err := client.ReadDiscreteInputs(reg.Address, 1)
		if err != nil {
			return value.Null(), fmt.Errorf("read discrete input %d: %w", reg.Address, err)
		}
		return value.Bool(len(data) > 0 && data[0]&0x01 == 1), nil
	case RegInput:
		data, err := client.ReadInputRegisters(reg.Address, quantity)
		if err != nil {
			return value.Null(), fmt.Errorf("read input register %d: %w", reg.Address, err)
		}
		return decodeRegisters(data, reg.DataType)
	default:
		data, err := client.ReadHoldingRegisters(reg.Address, quantity)
		if err != nil {
			return value.Null(), fmt.Errorf("read holding register %d: %w", reg.Address, err)
		}
		return decodeRegisters(data, reg.DataType)
	}
}

func regType(reg Register) string {
	if reg.Type == "" {
		return RegHolding
	}
	return reg.Type
}

func registerSpan(dataType string) uint16 {
	switch dataType {
	case "int32", "uint32", "float32":
		return 2
	default:
		return 1
	}
}

// decodeRegisters interprets big-endian register words.
func decodeRegisters(data []byte, dataType string) (value.Value, error) {
	switch dataType {
	case "int16", "":
		if len(data) < 2 {
			return value.Null(), &driver.ProtocolError{Err: fmt.Errorf("short register response: %d bytes", len(data))}
		}
		return value.Int(int64(int16(binary.BigEndian.Uint16(data)))), nil
	case "uint16":
		if len(data) < 2 {
			return value.Null(), &driver.ProtocolError{Err: fmt.Errorf("short register response: %d bytes", len(data))}
		}
		return value.Int(int64(binary.BigEndian.Uint16(data))), nil
	case "int32":
		if len(data) < 4 {
			return value.Null(), &driver.ProtocolError{Err: fmt.Errorf("short register response: %d bytes", len(data))}
		}
		return value.Int(int64(int32(binary.BigEndian.Uint32(data)))), nil
	case "uint32":
		if len(data) < 4 {
			return value.Null(), &driver.ProtocolError{Err: fmt.Errorf("short register response: %d bytes", len(data))}
		}
		return value.Int(int64(binary.BigEndian.Uint32(data))), nil
	case "float32":
		if len(data) < 4 {
			return value.Null(), &driver.ProtocolError{Err: fmt.Errorf("short register response: %d bytes", len(data))}
		}
		return value.Float(float64(math.Float32frombits(binary.BigEndian.Uint32(data)))), nil
	case "bool":
		if len(data) < 2 {
			return value.Null(), &driver.ProtocolError{Err: fmt.Errorf("short register response: %d bytes", len(data))}
		}
		return value.Bool(binary.BigEndian.Uint16(data) != 0), nil
	default:
		return value.Null(), &config.ValidationError{Msg: fmt.Sprintf("unknown register dataType %q", dataType)}
	}
}

// Discover scans the configured address ranges in batches of ten,
// recording every responsive address.
func (d *Driver) Discover(ctx context.Context) ([]driver.Point, error) {
	d.mu.Lock()
	client := d.client
	d.mu.Unlock()
	if client == nil {
		return nil, driver.ErrNotConnected
	}

	ranges := d.cfg.ScanRanges
	if len(ranges) == 0 {
		ranges = []ScanRange{
			{Type: RegHolding, Start: 0, End: defaultScanSpan - 1},
			{Type: RegInput, Start: 0, End: defaultScanSpan - 1},
		}
	}

	var points []driver.Point
	for _, r := range ranges {
		for batch := int(r.Start); batch <= int(r.End); batch += scanBatchSize {
			if err := ctx.Err(); err != nil {
				return points, err
			}
			count := scanBatchSize
			if batch+count > int(r.End)+1 {
				count = int(r.End) + 1 - batch
			}
			data, err := readScanBatch(client, r.Type, uint16(batch), uint16(count))
			if err == nil {
				for i := 0; i < count; i++ {
					points = append(points, driver.Point{
						ID:        fmt.Sprintf("%s:%d", r.Type, batch+i),
						Name:      fmt.Sprintf("%s_%d", r.Type, batch+i),
						NodeClass: "register",
						DataType:  scanDataType(r.Type),
						Attributes: map[string]interface{}{
							"address": batch + i,
							"type":    r.Type,
						},
					})
				}
				_ = data
			}
			time.Sleep(scanBatchDelay)
		}
	}
	return points, nil
}

func readScanBatch(client modbus.Client, regKind string, start, count uint16) ([]byte, error) {
	switch regKind {
	case RegCoil:
		return client.ReadCoils(start, count)
	case RegDiscrete:
		return client.ReadDiscreteInputs(start, count)
	case RegInput:
		return client.ReadInputRegisters(start, count)
	default:
		return client.ReadHoldingRegisters(start, count)
	}
}

func scanDataType(regKind string) string {
	if regKind == RegCoil || regKind == RegDiscrete {
		return "bool"
	}
	return "uint16"
}

// Write publishes a value to a named register or a "type:address" target.
func (d *Driver) Write(_ context.Context, target string, v value.Value) error {
	d.mu.Lock()
	client := d.client
	d.mu.Unlock()
	if client == nil {
		return driver.ErrNotConnected
	}

	reg, err := d.resolveTarget(target)
	if err != nil {
		return err
	}
	switch regType(reg) {
	case RegCoil:
		b, ok := v.AsBool()
		if !ok {
			return fmt.Errorf("cannot write %s to coil %d", v.Kind(), reg.Address)
		}
		var raw uint16
		if b {
			raw = 0xFF00
		}
		_, err = client.WriteSingleCoil(reg.Address, raw)
		return err
	case RegHolding:
		i, ok := v.AsInt()
		if !ok {
			return fmt.Errorf("cannot write %s to holding register %d", v.Kind(), reg.Address)
		}
		_, err = client.WriteSingleRegister(reg.Address, uint16(i))
		return err
	default:
		return fmt.Errorf("register type %q is read-only", regType(reg))
	}
}

func (d *Driver) resolveTarget(target string) (Register, error) {
	for _, reg := range d.cfg.Registers {
		if reg.Name == target {
			return reg, nil
		}
	}
	var kind string
	var addr int
	if n, _ := fmt.Sscanf(target, "%6s:%d", &kind, &addr); n == 2 {
		return Register{Name: target, Address: uint16(addr), Type: kind}, nil
	}
	return Register{}, fmt.Errorf("unknown write target %q", target)
}

// Status returns a transport-level snapshot.
func (d *Driver) Status() driver.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return driver.Status{Connected: d.connected, Endpoint: d.endpoint}
}

// Close releases the socket or serial line.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = false
	d.client = nil
	if d.handler != nil {
		err := d.handler.Close()
		d.handler = nil
		return err
	}
	return nil
}
