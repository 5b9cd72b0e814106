// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed as part of the FieldGate project.
// Copyright 2024-present the FieldGate authors.

// Package opcuadriver implements the OPC UA polling driver.
package opcuadriver

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/id"
	"github.com/gopcua/opcua/ua"

	"github.com/fieldgate/agent/pkg/config"
	"github.com/fieldgate/agent/pkg/driver"
	"github.com/fieldgate/agent/pkg/value"
)

const (
	browseDepth  = 3
	readMaxAgeMs = 2000
)

// Config is the protocol-specific configuration of an OPC UA source.
type Config struct {
	Endpoint       string   `json:"endpoint"`
	Nodes          []string `json:"nodes"`
	SecurityMode   string   `json:"securityMode"`   // none, sign, signandencrypt
	SecurityPolicy string   `json:"securityPolicy"` // None, Basic256Sha256, ...
	CertFile       string   `json:"certFile"`
	KeyFile        string   `json:"keyFile"`
	Username       string   `json:"username"`
	Password       string   `json:"password"`
}

func init() {
	driver.Register(driver.TypeOPCUA, New)
}

// Driver reads a set of nodes over an OPC UA session. Each poll emits one
// sample per node, shaped {nodeId, value, statusCode, sourceTimestamp}.
type Driver struct {
	sourceID string
	cfg      Config
	nodeIDs  []*ua.NodeID

	mu     sync.Mutex
	client *opcua.Client
}

// New validates the spec and builds the driver. Node id syntax is checked
// here so typos fail the source instead of every poll.
func New(spec config.SourceSpec) (driver.Driver, error) {
	var cfg Config
	if err := driver.DecodeConfig(spec, &cfg); err != nil {
		return nil, err
	}
	if cfg.Endpoint == "" {
		return nil, &config.ValidationError{Msg: fmt.Sprintf("source %q: opcua driver needs an endpoint", spec.ID)}
	}
	if !strings.HasPrefix(cfg.Endpoint, "opc.tcp://") {
		return nil, &config.ValidationError{Msg: fmt.Sprintf("source %q: opcua endpoint must start with opc.tcp://", spec.ID)}
	}
	switch strings.ToLower(cfg.SecurityMode) {
	case "", "none", "sign", "signandencrypt":
	default:
		return nil, &config.ValidationError{Msg: fmt.Sprintf("source %q: unknown opcua securityMode %q", spec.ID, cfg.SecurityMode)}
	}
	nodeIDs := make([]*ua.NodeID, 0, len(cfg.Nodes))
	for _, raw := range cfg.Nodes {
		nid, err := ua.ParseNodeID(raw)
		if err != nil {
			return nil, &config.ValidationError{Msg: fmt.Sprintf("source %q: invalid node id %q: %v", spec.ID, raw, err)}
		}
		nodeIDs = append(nodeIDs, nid)
	}
	return &Driver{sourceID: spec.ID, cfg: cfg, nodeIDs: nodeIDs}, nil
}

// HasPointList reports whether nodes were configured explicitly.
func (d *Driver) HasPointList() bool { return len(d.cfg.Nodes) > 0 }

func (d *Driver) clientOptions() []opcua.Option {
	opts := []opcua.Option{}
	switch strings.ToLower(d.cfg.SecurityMode) {
	case "", "none":
		opts = append(opts,
			opcua.SecurityMode(ua.MessageSecurityModeNone),
			opcua.SecurityPolicy("None"))
	case "sign":
		opts = append(opts,
			opcua.SecurityMode(ua.MessageSecurityModeSign),
			opcua.SecurityPolicy(d.cfg.SecurityPolicy))
	case "signandencrypt":
		opts = append(opts,
			opcua.SecurityMode(ua.MessageSecurityModeSignAndEncrypt),
			opcua.SecurityPolicy(d.cfg.SecurityPolicy))
	}
	if d.cfg.CertFile != "" {
		opts = append(opts, opcua.CertificateFile(d.cfg.CertFile))
	}
	if d.cfg.KeyFile != "" {
		opts = append(opts, opcua.PrivateKeyFile(d.cfg.KeyFile))
	}
	if d.cfg.Username != "" {
		opts = append(opts, opcua.AuthUsername(d.cfg.Username, d.cfg.Password))
	}
	return opts
}

// Connect establishes the secure channel and session.
func (d *Driver) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	client, err := opcua.NewClient(d.cfg.Endpoint, d.clientOptions()...)
	if err != nil {
		return fmt.Errorf("configure opcua client for %s: %w", d.cfg.Endpoint, err)
	}
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect to %s: %w", d.cfg.Endpoint, err)
	}
	d.client = client
	return nil
}

// Poll reads every configured node and emits one sample per node.
func (d *Driver) Poll(ctx context.Context) ([]value.Value, error) {
	d.mu.Lock()
	client := d.client
	d.mu.Unlock()
	if client == nil {
		return nil, driver.ErrNotConnected
	}
	if len(d.nodeIDs) == 0 {
		return nil, nil
	}

	reads := make([]*ua.ReadValueID, 0, len(d.nodeIDs))
	for _, nid := range d.nodeIDs {
		reads = append(reads, &ua.ReadValueID{NodeID: nid, AttributeID: ua.AttributeIDValue})
	}
	resp, err := client.Read(ctx, &ua.ReadRequest{
		NodesToRead:        reads,
		MaxAge:             readMaxAgeMs,
		TimestampsToReturn: ua.TimestampsToReturnBoth,
	})
	if err != nil {
		return nil, fmt.Errorf("read %d nodes: %w", len(reads), err)
	}
	if len(resp.Results) != len(d.nodeIDs) {
		return nil, &driver.ProtocolError{Err: fmt.Errorf("server returned %d results for %d nodes", len(resp.Results), len(d.nodeIDs))}
	}

	samples := make([]value.Value, 0, len(resp.Results))
	for i, dv := range resp.Results {
		samples = append(samples, nodeSample(d.nodeIDs[i], dv))
	}
	return samples, nil
}

// nodeSample shapes one data value. Bad status codes still produce a
// sample so the mapping layer can carry the quality downstream.
func nodeSample(nid *ua.NodeID, dv *ua.DataValue) value.Value {
	fields := map[string]value.Value{
		"nodeId":     value.String(nid.String()),
		"statusCode": value.Int(int64(uint32(dv.Status))),
	}
	if dv.Value != nil {
		fields["value"] = variantValue(dv.Value)
	} else {
		fields["value"] = value.Null()
	}
	if !dv.SourceTimestamp.IsZero() {
		fields["sourceTimestamp"] = value.String(dv.SourceTimestamp.UTC().Format(time.RFC3339Nano))
	}
	return value.Object(fields)
}

func variantValue(v *ua.Variant) value.Value {
	switch t := v.Value().(type) {
	case time.Time:
		return value.String(t.UTC().Format(time.RFC3339Nano))
	default:
		return value.FromInterface(t)
	}
}

// Discover browses the address space from the Objects folder, three levels
// deep, and returns the variable and object nodes found.
func (d *Driver) Discover(ctx context.Context) ([]driver.Point, error) {
	d.mu.Lock()
	client := d.client
	d.mu.Unlock()
	if client == nil {
		return nil, driver.ErrNotConnected
	}

	root := client.Node(ua.NewNumericNodeID(0, id.ObjectsFolder))
	var points []driver.Point
	seen := map[string]struct{}{}
	if err := d.browse(ctx, root, 0, seen, &points); err != nil {
		return points, err
	}
	return points, nil
}

func (d *Driver) browse(ctx context.Context, node *opcua.Node, depth int, seen map[string]struct{}, out *[]driver.Point) error {
	if depth >= browseDepth {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	children, err := node.Children(ctx, id.HierarchicalReferences, ua.NodeClassAll)
	if err != nil {
		return fmt.Errorf("browse %s: %w", node.ID, err)
	}
	for _, child := range children {
		nid := child.ID.String()
		if _, dup := seen[nid]; dup {
			continue
		}
		seen[nid] = struct{}{}

		nodeClass, err := child.NodeClass(ctx)
		if err != nil {
			continue
		}
		point := driver.Point{ID: nid, NodeClass: nodeClassName(nodeClass)}
		if bn, err := child.BrowseName(ctx); err == nil {
			point.Name = bn.Name
		}
		if dn, err := child.DisplayName(ctx); err == nil {
			point.DisplayName = dn.Text
		}
		if nodeClass == ua.NodeClassVariable || nodeClass == ua.NodeClassObject {
			*out = append(*out, point)
		}
		if nodeClass == ua.NodeClassObject || nodeClass == ua.NodeClassVariable {
			if err := d.browse(ctx, child, depth+1, seen, out); err != nil {
				return err
			}
		}
	}
	return nil
}

func nodeClassName(nc ua.NodeClass) string {
	switch nc {
	case ua.NodeClassObject:
		return "object"
	case ua.NodeClassVariable:
		return "variable"
	case ua.NodeClassMethod:
		return "method"
	default:
		return "other"
	}
}

// Write publishes a value to a node's Value attribute.
func (d *Driver) Write(ctx context.Context, target string, v value.Value) error {
	d.mu.Lock()
	client := d.client
	d.mu.Unlock()
	if client == nil {
		return driver.ErrNotConnected
	}

	nid, err := ua.ParseNodeID(target)
	if err != nil {
		return fmt.Errorf("invalid write target %q: %w", target, err)
	}
	variant, err := ua.NewVariant(v.ToInterface())
	if err != nil {
		return fmt.Errorf("cannot encode %s for node %s: %w", v.Kind(), target, err)
	}
	resp, err := client.Write(ctx, &ua.WriteRequest{
		NodesToWrite: []*ua.WriteValue{{
			NodeID:      nid,
			AttributeID: ua.AttributeIDValue,
			Value:       &ua.DataValue{EncodingMask: ua.DataValueValue, Value: variant},
		}},
	})
	if err != nil {
		return err
	}
	if len(resp.Results) > 0 && resp.Results[0] != ua.StatusOK {
		return &driver.ProtocolError{Err: fmt.Errorf("write to %s rejected: %s", target, resp.Results[0])}
	}
	return nil
}

// Status returns a transport-level snapshot.
func (d *Driver) Status() driver.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return driver.Status{Connected: d.client != nil, Endpoint: d.cfg.Endpoint}
}

// Close tears down the session and secure channel.
func (d *Driver) Close() error {
	d.mu.Lock()
	client := d.client
	d.client = nil
	d.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.Close(context.Background())
}
