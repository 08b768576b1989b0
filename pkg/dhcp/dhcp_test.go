/*
Copyright 2025 Google LLC

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	https://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package dhcp

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/insomniacslk/dhcp/dhcpv4"

	"github.com/wiznet-go/w5kstack/pkg/apis"
	"github.com/wiznet-go/w5kstack/pkg/chipio"
	"github.com/wiznet-go/w5kstack/pkg/socket"
)

// W5500 per-socket register offsets, mirrored from pkg/chipio's private
// table (see pkg/socket's engine_test.go for the same pattern).
const (
	sncrAddr    uint16 = 0x0001
	snirAddr    uint16 = 0x0002
	snsrAddr    uint16 = 0x0003
	snportAddr  uint16 = 0x0004
	sndiprAddr  uint16 = 0x000C
	sndportAddr uint16 = 0x0010
	snrxRsrAddr uint16 = 0x0026
	snrxRdAddr  uint16 = 0x0028
	sntxFsrAddr uint16 = 0x0020
	sntxWrAddr  uint16 = 0x0024

	mrAddr       uint16 = 0x0000
	versionrAddr uint16 = 0x0039
	sharAddr     uint16 = 0x0009
	siprAddr     uint16 = 0x000F
)

// dhcpSock holds one socket's live register state plus the ring buffers
// needed to carry a full DHCP message in and out.
type dhcpSock struct {
	snmr, snsr, snir          byte
	snport, sndport           uint16
	sndipr                    [4]byte
	snrxRsr, snrxRd           uint16
	sntxFsr, sntxWr, txReadAt uint16
	rxBuf, txBuf              [2048]byte
}

// fakeServer is a hook invoked whenever the simulated socket sees a
// SEND command on a socket connected to serverAddr:67; it stands in for
// a real DHCP server, replying to DISCOVER with OFFER and to REQUEST
// with ACK (or, if forceNak is set, NAK), exactly as a compliant server
// would.
type fakeServer struct {
	forceNak bool
	offer    net.IP
	mask     net.IP
	router   net.IP
	dns      net.IP
	lease    time.Duration
	t1, t2   time.Duration // zero means "omit from ACK, let the client derive defaults"
	serverID net.IP
}

func (s *fakeServer) reply(reqBytes []byte) ([]byte, error) {
	req, err := dhcpv4.FromBytes(reqBytes)
	if err != nil {
		return nil, err
	}
	switch req.MessageType() {
	case dhcpv4.MessageTypeDiscover:
		resp, err := dhcpv4.NewReplyFromRequest(req,
			dhcpv4.WithMessageType(dhcpv4.MessageTypeOffer),
			dhcpv4.WithYourIP(s.offer),
			dhcpv4.WithServerIP(s.serverID),
			dhcpv4.WithOption(dhcpv4.OptServerIdentifier(s.serverID)),
			dhcpv4.WithNetmask(maskOf(s.mask)),
			dhcpv4.WithRouter(s.router),
			dhcpv4.WithDNS(s.dns),
			dhcpv4.WithOption(dhcpv4.OptIPAddressLeaseTime(s.lease)),
		)
		if err != nil {
			return nil, err
		}
		if s.t1 > 0 {
			resp.UpdateOption(dhcpv4.OptGeneric(dhcpv4.OptionRenewTimeValue, uint32Bytes(s.t1)))
		}
		if s.t2 > 0 {
			resp.UpdateOption(dhcpv4.OptGeneric(dhcpv4.OptionRebindingTimeValue, uint32Bytes(s.t2)))
		}
		return resp.ToBytes(), nil

	case dhcpv4.MessageTypeRequest:
		msgType := dhcpv4.MessageTypeAck
		if s.forceNak {
			msgType = dhcpv4.MessageTypeNak
		}
		resp, err := dhcpv4.NewReplyFromRequest(req,
			dhcpv4.WithMessageType(msgType),
			dhcpv4.WithYourIP(s.offer),
			dhcpv4.WithServerIP(s.serverID),
			dhcpv4.WithOption(dhcpv4.OptServerIdentifier(s.serverID)),
			dhcpv4.WithNetmask(maskOf(s.mask)),
			dhcpv4.WithRouter(s.router),
			dhcpv4.WithDNS(s.dns),
			dhcpv4.WithOption(dhcpv4.OptIPAddressLeaseTime(s.lease)),
		)
		if err != nil {
			return nil, err
		}
		if s.t1 > 0 {
			resp.UpdateOption(dhcpv4.OptGeneric(dhcpv4.OptionRenewTimeValue, uint32Bytes(s.t1)))
		}
		if s.t2 > 0 {
			resp.UpdateOption(dhcpv4.OptGeneric(dhcpv4.OptionRebindingTimeValue, uint32Bytes(s.t2)))
		}
		return resp.ToBytes(), nil
	}
	return nil, nil
}

func maskOf(ip net.IP) net.IPMask { return net.IPMask(ip.To4()) }

func uint32Bytes(d time.Duration) []byte {
	secs := uint32(d.Seconds())
	return []byte{byte(secs >> 24), byte(secs >> 16), byte(secs >> 8), byte(secs)}
}

// fakeChip emulates the W5500 common + per-socket register surface
// needed to carry a UDP DHCP exchange, answering every SEND on a
// socket targeting port 67 through srv.
type fakeChip struct {
	mr      byte
	shar    [6]byte
	sipr    [4]byte
	socks   [8]*dhcpSock
	srv     *fakeServer
}

func newFakeChip(srv *fakeServer) *fakeChip {
	c := &fakeChip{srv: srv}
	for i := range c.socks {
		c.socks[i] = &dhcpSock{sntxFsr: 0x0800}
	}
	return c
}

func (c *fakeChip) Transfer(ctx context.Context, header []byte, data []byte, write bool) error {
	addr := uint16(header[0])<<8 | uint16(header[1])
	ctrl := header[2]

	if ctrl == 0x00 || ctrl == 0x04 {
		return c.commonTransfer(addr, data, write)
	}
	sock := int(ctrl >> 5)
	base := ctrl & 0x1F
	s := c.socks[sock]
	switch base {
	case 0x08, 0x0C:
		return c.socketRegTransfer(sock, addr, data, write)
	case 0x14: // TX buffer write
		off := addr & 0x07FF
		for i, b := range data {
			s.txBuf[(off+uint16(i))%2048] = b
		}
	case 0x18: // RX buffer read
		off := addr & 0x07FF
		for i := range data {
			data[i] = s.rxBuf[(off+uint16(i))%2048]
		}
	}
	return nil
}

func (c *fakeChip) commonTransfer(addr uint16, data []byte, write bool) error {
	switch {
	case addr == mrAddr:
		if write {
			if data[0] == 0x80 {
				c.mr = 0x00
			} else {
				c.mr = data[0]
			}
		} else {
			data[0] = c.mr
		}
	case addr == versionrAddr:
		data[0] = apis.ChipW5500.VersionByte()
	case addr >= sharAddr && addr < sharAddr+6:
		i := addr - sharAddr
		if write {
			c.shar[i] = data[0]
		} else {
			data[0] = c.shar[i]
		}
	case addr == siprAddr:
		if write {
			copy(c.sipr[:], data)
		} else {
			copy(data, c.sipr[:])
		}
	}
	return nil
}

func (c *fakeChip) socketRegTransfer(sock int, addr uint16, data []byte, write bool) error {
	s := c.socks[sock]
	switch {
	case addr == sncrAddr:
		if write {
			c.applyCommand(sock, data[0])
		} else {
			data[0] = 0
		}
	case addr == snirAddr:
		if write {
			s.snir &^= data[0]
		} else {
			data[0] = s.snir
		}
	case addr == snsrAddr:
		data[0] = s.snsr
	case addr == snportAddr || addr == snportAddr+1:
		twoByteReg(&s.snport, addr, snportAddr, data, write)
	case addr >= sndiprAddr && addr < sndiprAddr+4:
		i := addr - sndiprAddr
		if write {
			s.sndipr[i] = data[0]
		} else {
			data[0] = s.sndipr[i]
		}
	case addr == sndportAddr || addr == sndportAddr+1:
		twoByteReg(&s.sndport, addr, sndportAddr, data, write)
	case addr == snrxRsrAddr || addr == snrxRsrAddr+1:
		twoByteReg(&s.snrxRsr, addr, snrxRsrAddr, data, write)
	case addr == snrxRdAddr || addr == snrxRdAddr+1:
		twoByteReg(&s.snrxRd, addr, snrxRdAddr, data, write)
	case addr == sntxFsrAddr || addr == sntxFsrAddr+1:
		twoByteReg(&s.sntxFsr, addr, sntxFsrAddr, data, write)
	case addr == sntxWrAddr || addr == sntxWrAddr+1:
		twoByteReg(&s.sntxWr, addr, sntxWrAddr, data, write)
	case addr == 0x0000:
		if write {
			s.snmr = data[0]
		} else {
			data[0] = s.snmr
		}
	}
	return nil
}

func twoByteReg(reg *uint16, addr, base uint16, data []byte, write bool) {
	hi := addr == base
	if write {
		if hi {
			*reg = uint16(data[0])<<8 | (*reg & 0xFF)
		} else {
			*reg = (*reg &^ 0xFF) | uint16(data[0])
		}
		return
	}
	if hi {
		data[0] = byte(*reg >> 8)
	} else {
		data[0] = byte(*reg)
	}
}

func (c *fakeChip) applyCommand(sock int, cmd byte) {
	s := c.socks[sock]
	switch cmd {
	case chipio.CmdOpen:
		if s.snmr == byte(apis.ProtoUDP) {
			s.snsr = byte(apis.SockUDP)
		} else {
			s.snsr = byte(apis.SockInit)
		}
	case chipio.CmdConnect:
		// UDP "connect" just records the peer; already done via SNDIPR/SNDPORT writes.
	case chipio.CmdDiscon, chipio.CmdClose:
		s.snsr = byte(apis.SockClosed)
	case chipio.CmdSend:
		length := s.sntxWr - s.txReadAt
		msg := make([]byte, length)
		for i := range msg {
			msg[i] = s.txBuf[(s.txReadAt+uint16(i))%2048]
		}
		s.txReadAt = s.sntxWr
		s.snir |= chipio.SnirSendOK
		if s.sndport == apis.DhcpServerPort && c.srv != nil {
			resp, err := c.srv.reply(msg)
			if err == nil && len(resp) > 0 {
				c.deliverUDP(sock, s.sndipr, apis.DhcpServerPort, resp)
			}
		}
	case chipio.CmdRecv:
		// Bytes already consumed by the RX buffer read.
	}
}

// deliverUDP appends a UDP receive header plus payload to sock's RX
// ring at its current write position (tracked via snrxRsr as a stand-in
// append offset, since these tests never wrap the buffer).
func (c *fakeChip) deliverUDP(sock int, from [4]byte, port uint16, payload []byte) {
	s := c.socks[sock]
	hdr := []byte{from[0], from[1], from[2], from[3], byte(port >> 8), byte(port), byte(len(payload) >> 8), byte(len(payload))}
	base := s.snrxRsr
	for i, b := range hdr {
		s.rxBuf[(base+uint16(i))%2048] = b
	}
	for i, b := range payload {
		s.rxBuf[(base+8+uint16(i))%2048] = b
	}
	s.snrxRsr += uint16(len(hdr) + len(payload))
}

func detectFakeChip(t *testing.T, srv *fakeServer) *chipio.ChipIO {
	t.Helper()
	chip := newFakeChip(srv)
	c, err := chipio.Detect(context.Background(), chip)
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	return c
}

var testMAC = [6]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}

func TestRequestLeaseBindsOfferedAddress(t *testing.T) {
	srv := &fakeServer{
		offer:    net.IPv4(192, 168, 1, 50),
		mask:     net.IPv4(255, 255, 255, 0),
		router:   net.IPv4(192, 168, 1, 1),
		dns:      net.IPv4(8, 8, 8, 8),
		lease:    3600 * time.Second,
		t1:       1800 * time.Second,
		t2:       3150 * time.Second,
		serverID: net.IPv4(192, 168, 1, 1),
	}
	chip := detectFakeChip(t, srv)
	eng := socket.NewEngine(chip)
	cfg, _ := apis.WithDefaults(apis.Config{})
	client := NewClient(eng, chip, testMAC, "", cfg)

	if err := client.RequestLease(context.Background()); err != nil {
		t.Fatalf("RequestLease() error = %v", err)
	}
	if client.State() != apis.DhcpBound {
		t.Fatalf("State() = %v, want Bound", client.State())
	}
	lease := client.Lease()
	type addrs struct{ ClientIP, SubnetMask, Gateway, DNSServer [4]byte }
	want := addrs{
		ClientIP:   [4]byte{192, 168, 1, 50},
		SubnetMask: [4]byte{255, 255, 255, 0},
		Gateway:    [4]byte{192, 168, 1, 1},
		DNSServer:  [4]byte{8, 8, 8, 8},
	}
	got := addrs{lease.ClientIP, lease.SubnetMask, lease.Gateway, lease.DNSServer}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("bound lease addresses mismatch (-want +got):\n%s", diff)
	}
	if !lease.T1.Before(lease.T2) || !lease.T2.Before(lease.Expiry) {
		t.Errorf("expected T1 <= T2 <= Expiry, got %v, %v, %v", lease.T1, lease.T2, lease.Expiry)
	}

	ip, err := chip.IPAddress(context.Background())
	if err != nil {
		t.Fatalf("IPAddress() error = %v", err)
	}
	if ip != [4]byte{192, 168, 1, 50} {
		t.Errorf("chip SIPR = %v, want 192.168.1.50 (applied via IfconfigSetter)", ip)
	}
}

func TestRequestLeaseDerivesT1T2WhenAbsentFromAck(t *testing.T) {
	srv := &fakeServer{
		offer:    net.IPv4(10, 0, 0, 5),
		mask:     net.IPv4(255, 255, 255, 0),
		router:   net.IPv4(10, 0, 0, 1),
		dns:      net.IPv4(10, 0, 0, 1),
		lease:    900 * time.Second,
		serverID: net.IPv4(10, 0, 0, 1),
	}
	chip := detectFakeChip(t, srv)
	eng := socket.NewEngine(chip)
	cfg, _ := apis.WithDefaults(apis.Config{})
	client := NewClient(eng, chip, testMAC, "", cfg)

	if err := client.RequestLease(context.Background()); err != nil {
		t.Fatalf("RequestLease() error = %v", err)
	}
	lease := client.Lease()
	if lease.T1.After(lease.T2) || lease.T2.After(lease.Expiry) {
		t.Fatalf("expected T1 <= T2 <= Expiry, got %v / %v / %v", lease.T1, lease.T2, lease.Expiry)
	}
	// Absent from the ACK, T1/T2 must be derived as lease/2 and
	// lease-lease/8 respectively, measured from the start of the
	// exchange (client.Lease().Expiry anchors the 900s lease window).
	wantT1 := lease.Expiry.Add(-450 * time.Second)
	wantT2 := lease.Expiry.Add(-112500 * time.Millisecond) // 900 - 900/8 = 787.5s in; 112.5s before expiry
	if diff := lease.T1.Sub(wantT1); diff < -time.Second || diff > time.Second {
		t.Errorf("T1 = %v, want within 1s of %v", lease.T1, wantT1)
	}
	if diff := lease.T2.Sub(wantT2); diff < -time.Second || diff > time.Second {
		t.Errorf("T2 = %v, want within 1s of %v", lease.T2, wantT2)
	}
}

func TestReleaseResetsToInit(t *testing.T) {
	srv := &fakeServer{
		offer:    net.IPv4(192, 168, 1, 50),
		mask:     net.IPv4(255, 255, 255, 0),
		router:   net.IPv4(192, 168, 1, 1),
		dns:      net.IPv4(8, 8, 8, 8),
		lease:    3600 * time.Second,
		serverID: net.IPv4(192, 168, 1, 1),
	}
	chip := detectFakeChip(t, srv)
	eng := socket.NewEngine(chip)
	cfg, _ := apis.WithDefaults(apis.Config{})
	client := NewClient(eng, chip, testMAC, "", cfg)
	if err := client.RequestLease(context.Background()); err != nil {
		t.Fatalf("RequestLease() error = %v", err)
	}
	if err := client.Release(context.Background()); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if client.State() != apis.DhcpInit {
		t.Errorf("State() after Release() = %v, want Init", client.State())
	}
}

func TestResetLinkDropsBoundLease(t *testing.T) {
	srv := &fakeServer{
		offer:    net.IPv4(192, 168, 1, 50),
		mask:     net.IPv4(255, 255, 255, 0),
		router:   net.IPv4(192, 168, 1, 1),
		dns:      net.IPv4(8, 8, 8, 8),
		lease:    3600 * time.Second,
		serverID: net.IPv4(192, 168, 1, 1),
	}
	chip := detectFakeChip(t, srv)
	eng := socket.NewEngine(chip)
	cfg, _ := apis.WithDefaults(apis.Config{})
	client := NewClient(eng, chip, testMAC, "", cfg)
	if err := client.RequestLease(context.Background()); err != nil {
		t.Fatalf("RequestLease() error = %v", err)
	}
	if client.State() != apis.DhcpBound {
		t.Fatalf("State() before ResetLink() = %v, want Bound", client.State())
	}

	client.ResetLink()

	if client.State() != apis.DhcpInit {
		t.Errorf("State() after ResetLink() = %v, want Init", client.State())
	}
	if client.Lease() != (apis.Lease{}) {
		t.Errorf("Lease() after ResetLink() = %+v, want zero value", client.Lease())
	}
}
