// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed as part of the FieldGate project.
// Copyright 2024-present the FieldGate authors.

package driver

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/fieldgate/agent/pkg/config"
)

// Canonical driver tags. The set is closed: new protocols are compile-time
// additions.
const (
	TypeOPCUA    = "opcua"
	TypeModbus   = "modbus"
	TypeMQTT     = "mqtt"
	TypeHTTP     = "http"
	TypeS7       = "s7"
	TypeFINS     = "fins"
	TypeMELSEC   = "melsec"
	TypeCIP      = "cip"
	TypeBACnet   = "bacnet"
	TypePROFINET = "profinet"
	TypeEtherCAT = "ethercat"
	TypeSerial   = "serial"
	TypeAAS      = "aas"
)

// aliases folds the spellings seen in the wild onto canonical tags.
var aliases = map[string]string{
	"opcua":       TypeOPCUA,
	"opc-ua":      TypeOPCUA,
	"opc":         TypeOPCUA,
	"modbus":      TypeModbus,
	"modbus-tcp":  TypeModbus,
	"modbustcp":   TypeModbus,
	"modbus-rtu":  TypeModbus,
	"modbusrtu":   TypeModbus,
	"mqtt":        TypeMQTT,
	"http":        TypeHTTP,
	"rest":        TypeHTTP,
	"api":         TypeHTTP,
	"s7":          TypeS7,
	"siemens":     TypeS7,
	"fins":        TypeFINS,
	"omron":       TypeFINS,
	"melsec":      TypeMELSEC,
	"mitsubishi":  TypeMELSEC,
	"cip":         TypeCIP,
	"ethernet-ip": TypeCIP,
	"ethernetip":  TypeCIP,
	"bacnet":      TypeBACnet,
	"bacnet-ip":   TypeBACnet,
	"profinet":    TypePROFINET,
	"ethercat":    TypeEtherCAT,
	"serial":      TypeSerial,
	"aas":         TypeAAS,
	"aasx":        TypeAAS,
}

// Factory builds a driver from a validated source spec. Factories must
// reject bad configuration with a config.ValidationError and perform no
// network I/O.
type Factory func(spec config.SourceSpec) (Driver, error)

var (
	catalogMu sync.RWMutex
	catalog   = map[string]Factory{}
)

// Register adds a driver factory to the catalog. It is called from driver
// package init functions.
func Register(tag string, factory Factory) {
	catalogMu.Lock()
	defer catalogMu.Unlock()
	catalog[tag] = factory
}

// CanonicalType folds a type tag or alias onto its canonical tag.
func CanonicalType(t string) (string, bool) {
	canonical, ok := aliases[strings.ToLower(strings.TrimSpace(t))]
	return canonical, ok
}

// New builds the driver for a source spec. Unknown tags and tags without a
// built-in driver are configuration errors.
func New(spec config.SourceSpec) (Driver, error) {
	canonical, ok := CanonicalType(spec.Type)
	if !ok {
		return nil, &config.ValidationError{Msg: fmt.Sprintf("unknown source type %q", spec.Type)}
	}
	catalogMu.RLock()
	factory, built := catalog[canonical]
	catalogMu.RUnlock()
	if !built {
		return nil, &config.ValidationError{Msg: fmt.Sprintf("no driver built for source type %q", canonical)}
	}
	return factory(spec)
}

// BuiltTypes lists the canonical tags with a registered factory.
func BuiltTypes() []string {
	catalogMu.RLock()
	defer catalogMu.RUnlock()
	out := make([]string, 0, len(catalog))
	for tag := range catalog {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}
