package ads

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"adslink/logging"
)

// EtherCAT master sub-offsets within IndexGroupEtherCATBase (spec section
// 4.1/4.5). These values are this client's own assignments for the
// master-level queries the introspector needs; slave-level queries are
// addressed by slave address rather than offset.
const (
	ecatOffsetDeviceCount  uint32 = 0x0000
	ecatOffsetDeviceTable  uint32 = 0x0001
	ecatOffsetMasterIdent  uint32 = 0x0002
	ecatOffsetFrameCounts  uint32 = 0x0003
	ecatOffsetSlaveCount   uint32 = 0x0004
	ecatOffsetSlaveTable   uint32 = 0x0005
	ecatOffsetSlaveIdent   uint32 = 0x0006
	ecatOffsetSlaveLinkCtr uint32 = 0x0007
)

const deviceRecordSize = 16 + 64 // netid(6, padded to 16) + name(64, UTF-8, NUL-padded)

// IOServer is the root of a reconstructed topology: the I/O server itself
// plus every EtherCAT master device beneath it.
type IOServer struct {
	Name    string
	Version string
	Build   uint16
	Devices []*IODevice
}

// IODevice is one EtherCAT master on the I/O server.
type IODevice struct {
	ID        uint32
	TypeCode  uint32
	Name      string
	NetID     NetworkId
	Vendor    uint32
	Product   uint32
	Revision  uint32
	SlaveSent uint32
	SlaveLost uint32
	Resent    uint32
	Cyclic    uint32
	Acyclic   uint32
	LinkUp    bool

	slaves []*IOSlave // arena: flat storage, indexed by slaveIndex
}

// Slaves returns the device's slaves in discovery order.
func (d *IODevice) Slaves() []*IOSlave { return d.slaves }

// slaveIndex is an arena reference into IODevice.slaves; avoids pointer
// cycles between a coupler and the terminals downstream of it (spec's
// REDESIGN FLAGS note on cyclic/back references).
type slaveIndex struct {
	idx int
	ok  bool
}

// IOSlave is one EtherCAT slave (coupler or terminal) on a device.
type IOSlave struct {
	Address  uint16
	Position uint16
	Name     string
	Vendor   uint32
	Product  uint32
	Revision uint32
	CRCErr   uint32
	LinkLost uint32
	State    uint16

	parentAddr uint16
	parent     slaveIndex
	Orphaned   bool // parent address was not found among the device's slaves
}

// DiscoverTopology runs the scripted introspection sequence against the I/O
// server port (spec section 4.5) and returns the composed tree. It is meant
// to be run once per session; callers that want a fresh read call it again
// and swap the published snapshot (see Connection.Introspect).
func DiscoverTopology(ctx context.Context, c *Client) (*IOServer, error) {
	info, err := c.ReadDeviceInfo(ctx, PortIO)
	if err != nil {
		return nil, err
	}

	server := &IOServer{
		Name:    info.DeviceName,
		Version: fmt.Sprintf("%d.%d", info.MajorVersion, info.MinorVersion),
		Build:   info.BuildVersion,
	}

	countBytes, err := c.Read(ctx, PortIO, IndexGroupEtherCATBase+ecatOffsetDeviceCount, 0, 4)
	if err != nil {
		return nil, err
	}
	if len(countBytes) < 4 {
		return nil, newProtocolError("ads.DiscoverTopology", fmt.Errorf("short device count response"))
	}
	deviceCount := binary.LittleEndian.Uint32(countBytes)

	if deviceCount > 0 {
		table, err := c.Read(ctx, PortIO, IndexGroupEtherCATBase+ecatOffsetDeviceTable, 0, deviceCount*deviceRecordSize)
		if err != nil {
			return nil, err
		}
		for i := uint32(0); i < deviceCount; i++ {
			rec := table[i*deviceRecordSize:]
			if len(rec) < deviceRecordSize {
				logging.DebugLog("topology", "device %d: short record, stopping device scan", i)
				break
			}
			dev, err := buildDevice(ctx, c, i, rec)
			if err != nil {
				return nil, err
			}
			server.Devices = append(server.Devices, dev)
		}
	}

	return server, nil
}

func buildDevice(ctx context.Context, c *Client, id uint32, rec []byte) (*IODevice, error) {
	var netID NetworkId
	copy(netID[:], rec[0:6])
	name := cString(rec[16:])

	dev := &IODevice{ID: id, NetID: netID, Name: name}

	identBuf, err := c.Read(ctx, PortEtherCATMaster, IndexGroupEtherCATBase+ecatOffsetMasterIdent, id, 16)
	if err != nil {
		return nil, err
	}
	if len(identBuf) >= 16 {
		dev.TypeCode = binary.LittleEndian.Uint32(identBuf[0:4])
		dev.Vendor = binary.LittleEndian.Uint32(identBuf[4:8])
		dev.Product = binary.LittleEndian.Uint32(identBuf[8:12])
		dev.Revision = binary.LittleEndian.Uint32(identBuf[12:16])
	}

	countersBuf, err := c.Read(ctx, PortEtherCATMaster, IndexGroupEtherCATBase+ecatOffsetFrameCounts, id, 24)
	if err != nil {
		return nil, err
	}
	if len(countersBuf) >= 24 {
		dev.SlaveSent = binary.LittleEndian.Uint32(countersBuf[0:4])
		dev.SlaveLost = binary.LittleEndian.Uint32(countersBuf[4:8])
		dev.Resent = binary.LittleEndian.Uint32(countersBuf[8:12])
		dev.Cyclic = binary.LittleEndian.Uint32(countersBuf[12:16])
		dev.Acyclic = binary.LittleEndian.Uint32(countersBuf[16:20])
		dev.LinkUp = binary.LittleEndian.Uint32(countersBuf[20:24]) != 0
	}

	slaveCountBuf, err := c.Read(ctx, PortEtherCATMaster, IndexGroupEtherCATBase+ecatOffsetSlaveCount, id, 4)
	if err != nil {
		return nil, err
	}
	if len(slaveCountBuf) < 4 {
		return dev, nil // zero-slave device is still a valid record
	}
	slaveCount := binary.LittleEndian.Uint32(slaveCountBuf)
	if slaveCount == 0 {
		return dev, nil
	}

	addrBuf, err := c.Read(ctx, PortEtherCATMaster, IndexGroupEtherCATBase+ecatOffsetSlaveTable, id, slaveCount*2)
	if err != nil {
		return nil, err
	}

	byAddr := make(map[uint16]int, slaveCount)
	for i := uint32(0); i < slaveCount && int(i*2+2) <= len(addrBuf); i++ {
		addr := binary.LittleEndian.Uint16(addrBuf[i*2:])
		slave, err := buildSlave(ctx, c, addr, uint16(i))
		if err != nil {
			return nil, err
		}
		byAddr[addr] = len(dev.slaves)
		dev.slaves = append(dev.slaves, slave)
	}

	for _, s := range dev.slaves {
		if s.parentAddr == 0 {
			continue // top-level, directly under the device root
		}
		if idx, ok := byAddr[s.parentAddr]; ok {
			s.parent = slaveIndex{idx: idx, ok: true}
		} else {
			s.Orphaned = true
		}
	}

	return dev, nil
}

func buildSlave(ctx context.Context, c *Client, addr uint16, position uint16) (*IOSlave, error) {
	identBuf, err := c.Read(ctx, PortEtherCATMaster, IndexGroupEtherCATBase+ecatOffsetSlaveIdent, uint32(addr), 80)
	if err != nil {
		return nil, err
	}

	slave := &IOSlave{Address: addr, Position: position}
	if len(identBuf) >= 16 {
		slave.Vendor = binary.LittleEndian.Uint32(identBuf[0:4])
		slave.Product = binary.LittleEndian.Uint32(identBuf[4:8])
		slave.Revision = binary.LittleEndian.Uint32(identBuf[8:12])
		slave.parentAddr = binary.LittleEndian.Uint16(identBuf[12:14])
		slave.State = binary.LittleEndian.Uint16(identBuf[14:16])
	}
	if len(identBuf) > 16 {
		slave.Name = cString(identBuf[16:])
	}
	if slave.Name == "" {
		slave.Name = fmt.Sprintf("Term %d", addr)
	}

	linkBuf, err := c.Read(ctx, PortEtherCATMaster, IndexGroupEtherCATBase+ecatOffsetSlaveLinkCtr, uint32(addr), 8)
	if err != nil {
		return nil, err
	}
	if len(linkBuf) >= 8 {
		slave.CRCErr = binary.LittleEndian.Uint32(linkBuf[0:4])
		slave.LinkLost = binary.LittleEndian.Uint32(linkBuf[4:8])
	}

	return slave, nil
}

// Parent returns the slave's parent within the same device, if one was
// resolved during discovery.
func (d *IODevice) Parent(s *IOSlave) (*IOSlave, bool) {
	if !s.parent.ok {
		return nil, false
	}
	return d.slaves[s.parent.idx], true
}

// topologySnapshot is the atomically-published cache Connection.Introspect
// installs and Connection.Topology reads (spec section 4.5's caching
// requirement).
type topologySnapshot struct {
	server *IOServer
}

type topologyCache struct {
	ptr atomic.Pointer[topologySnapshot]
}

func (t *topologyCache) store(s *IOServer) {
	t.ptr.Store(&topologySnapshot{server: s})
}

func (t *topologyCache) load() (*IOServer, bool) {
	snap := t.ptr.Load()
	if snap == nil {
		return nil, false
	}
	return snap.server, true
}
