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

// Package chipio implements the SPI framing, chip-variant detection,
// and register-level I/O for WIZnet W5100S/W5500/W6100 controllers
// (C1-C3). Everything above the register level (socket state
// machines, DHCP, DNS) lives in sibling packages and talks to the chip
// exclusively through the ChipIO methods here.
package chipio

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/wiznet-go/w5kstack/pkg/apis"
)

// Bus is the minimum SPI surface ChipIO needs. One call to Transfer is
// one chip-select assertion: it writes header, then either writes data
// (len(data) > 0 during a write) or reads len(data) bytes into data
// (during a read), mirroring the original driver's "with self._device
// as bus_device" locking pattern.
type Bus interface {
	Transfer(ctx context.Context, header []byte, data []byte, write bool) error
}

// ChipIO drives one WIZnet chip over a Bus. It owns no global state;
// every field here is instance-local. Socket reservation, which the
// original driver kept in a class-level list, lives in pkg/socket's
// Engine instead (Design Note: explicit ownership over cyclic singleton
// references).
type ChipIO struct {
	bus     Bus
	variant apis.ChipVariant
	codec   *variantCodec
	chBase  uint16 // only meaningful for W5100S; 0 otherwise
}

// Detect probes for a W5100S, then a W5500, then a W6100 in that
// order, resetting and initializing whichever chip responds. This
// mirrors the original _wiznet_chip_init probe order exactly.
func Detect(ctx context.Context, bus Bus) (*ChipIO, error) {
	for _, v := range []apis.ChipVariant{apis.ChipW5100S, apis.ChipW5500, apis.ChipW6100} {
		c := &ChipIO{bus: bus, variant: v, codec: codecTable[v]}
		ok, err := c.resetAndProbe(ctx)
		if err != nil {
			return nil, errors.Wrapf(err, "probing %s", v)
		}
		if ok {
			klog.Infof("chipio: detected %s", v)
			return c, nil
		}
	}
	return nil, errors.Wrap(apis.ErrSpiInitFailure, "no WIZnet chip responded to any known variant")
}

func (c *ChipIO) resetAndProbe(ctx context.Context) (bool, error) {
	switch c.variant {
	case apis.ChipW5100S, apis.ChipW5500:
		if err := c.writeMR(ctx, mrReset); err != nil {
			return false, err
		}
		time.Sleep(50 * time.Millisecond)
		mr, err := c.readMR(ctx)
		if err != nil {
			return false, err
		}
		want := byte(0x00)
		if c.variant == apis.ChipW5100S {
			want = 0x03
		}
		if mr != want {
			return false, nil
		}
		if c.variant == apis.ChipW5500 {
			for _, probe := range []byte{0x08, 0x10, 0x00} {
				if err := c.writeMR(ctx, probe); err != nil {
					return false, err
				}
				got, err := c.readMR(ctx)
				if err != nil {
					return false, err
				}
				if got != probe {
					return false, nil
				}
			}
		}
		version, err := c.readByte(ctx, commonRegTable[c.variant].versionr)
		if err != nil {
			return false, err
		}
		if version != c.variant.VersionByte() {
			return false, nil
		}
		if c.variant == apis.ChipW5100S {
			c.chBase = 0x0400
		} else {
			c.chBase = 0x0000
			if err := c.setupSockets(ctx); err != nil {
				return false, err
			}
		}
		return true, nil

	case apis.ChipW6100:
		if err := c.writeRaw(ctx, 0x41F4, 0xCE); err != nil { // unlock chip settings
			return false, err
		}
		time.Sleep(50 * time.Millisecond)
		if err := c.writeRaw(ctx, 0x2004, 0x00); err != nil { // reset chip
			return false, err
		}
		time.Sleep(50 * time.Millisecond)
		version, err := c.readByte(ctx, commonRegTable[c.variant].versionr)
		if err != nil {
			return false, err
		}
		if version != c.variant.VersionByte() {
			return false, nil
		}
		if err := c.writeRaw(ctx, 0x41F5, 0x3A); err != nil { // unlock network settings
			return false, err
		}
		c.chBase = 0x0000
		if err := c.setupSockets(ctx); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// setupSockets initializes the 2KB TX/RX buffer size registers for
// every socket on W5500/W6100 (W5100S has no equivalent register: its
// buffer sizing is fixed and addressed through chBase instead).
func (c *ChipIO) setupSockets(ctx context.Context) error {
	for sock := 0; sock < c.variant.MaxSockets(); sock++ {
		if err := c.writeSocketRegister(ctx, sock, 0x001E, 0x02); err != nil {
			return err
		}
		if err := c.writeSocketRegister(ctx, sock, 0x001F, 0x02); err != nil {
			return err
		}
	}
	return nil
}

func (c *ChipIO) readMR(ctx context.Context) (byte, error) {
	return c.readByte(ctx, commonRegTable[c.variant].mr)
}

func (c *ChipIO) writeMR(ctx context.Context, v byte) error {
	return c.writeRaw(ctx, commonRegTable[c.variant].mr, v)
}

func (c *ChipIO) readByte(ctx context.Context, addr uint16) (byte, error) {
	buf := make([]byte, 1)
	hdr := c.codec.registerFrame(addr, false)
	if err := c.bus.Transfer(ctx, hdr[:], buf, false); err != nil {
		return 0, errors.Wrapf(err, "reading register 0x%04x", addr)
	}
	return buf[0], nil
}

func (c *ChipIO) writeRaw(ctx context.Context, addr uint16, v byte) error {
	hdr := c.codec.registerFrame(addr, true)
	if err := c.bus.Transfer(ctx, hdr[:], []byte{v}, true); err != nil {
		return errors.Wrapf(err, "writing register 0x%04x", addr)
	}
	return nil
}

// ReadN reads length bytes from a common register.
func (c *ChipIO) ReadN(ctx context.Context, addr uint16, length int) ([]byte, error) {
	buf := make([]byte, length)
	hdr := c.codec.registerFrame(addr, false)
	if err := c.bus.Transfer(ctx, hdr[:], buf, false); err != nil {
		return nil, errors.Wrapf(err, "reading %d bytes at 0x%04x", length, addr)
	}
	return buf, nil
}

// WriteN writes data to a common register.
func (c *ChipIO) WriteN(ctx context.Context, addr uint16, data []byte) error {
	hdr := c.codec.registerFrame(addr, true)
	if err := c.bus.Transfer(ctx, hdr[:], data, true); err != nil {
		return errors.Wrapf(err, "writing %d bytes at 0x%04x", len(data), addr)
	}
	return nil
}

func (c *ChipIO) readSocketRegister(ctx context.Context, sock int, addr uint16) (byte, error) {
	hdr := c.codec.socketRegisterFrame(c.chBase, sock, addr, false)
	buf := make([]byte, 1)
	if err := c.bus.Transfer(ctx, hdr[:], buf, false); err != nil {
		return 0, errors.Wrapf(err, "reading socket %d register 0x%04x", sock, addr)
	}
	return buf[0], nil
}

func (c *ChipIO) writeSocketRegister(ctx context.Context, sock int, addr uint16, v byte) error {
	hdr := c.codec.socketRegisterFrame(c.chBase, sock, addr, true)
	if err := c.bus.Transfer(ctx, hdr[:], []byte{v}, true); err != nil {
		return errors.Wrapf(err, "writing socket %d register 0x%04x", sock, addr)
	}
	return nil
}

func (c *ChipIO) readTwoByteSockReg(ctx context.Context, sock int, addr uint16) (uint16, error) {
	hi, err := c.readSocketRegister(ctx, sock, addr)
	if err != nil {
		return 0, err
	}
	lo, err := c.readSocketRegister(ctx, sock, addr+1)
	if err != nil {
		return 0, err
	}
	return uint16(hi)<<8 | uint16(lo), nil
}

func (c *ChipIO) writeTwoByteSockReg(ctx context.Context, sock int, addr uint16, v uint16) error {
	if err := c.writeSocketRegister(ctx, sock, addr, byte(v>>8)); err != nil {
		return err
	}
	return c.writeSocketRegister(ctx, sock, addr+1, byte(v))
}

// WriteCommand writes a command byte to a socket's SNCR register and
// busy-waits for the chip to self-clear it, mirroring _write_sncr.
func (c *ChipIO) WriteCommand(ctx context.Context, sock int, cmd byte) error {
	regs := sockRegTable[c.variant]
	if err := c.writeSocketRegister(ctx, sock, regs.sncr, cmd); err != nil {
		return err
	}
	for {
		v, err := c.readSocketRegister(ctx, sock, regs.sncr)
		if err != nil {
			return err
		}
		if v == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "waiting for socket command to self-clear")
		default:
		}
		time.Sleep(apis.CommandPollInterval)
	}
}

// GetRxRcvSize implements the double-read stability pattern: it keeps
// re-reading SNRX_RSR until two consecutive non-zero reads agree (a
// zero read is returned at once), which is the only defense a 16-bit register split across two 8-bit
// SPI reads has against observing a value mid-update.
func (c *ChipIO) GetRxRcvSize(ctx context.Context, sock int) (uint16, error) {
	regs := sockRegTable[c.variant]
	return c.stableTwoByteRead(ctx, sock, regs.snrxRsr)
}

// GetTxFreeSize applies the same stability pattern to SNTX_FSR.
func (c *ChipIO) GetTxFreeSize(ctx context.Context, sock int) (uint16, error) {
	regs := sockRegTable[c.variant]
	return c.stableTwoByteRead(ctx, sock, regs.sntxFsr)
}

func (c *ChipIO) stableTwoByteRead(ctx context.Context, sock int, addr uint16) (uint16, error) {
	var val, prev uint16 = 0, 1
	for val != prev {
		next, err := c.readTwoByteSockReg(ctx, sock, addr)
		if err != nil {
			return 0, err
		}
		prev = next
		if next != 0 {
			val, err = c.readTwoByteSockReg(ctx, sock, addr)
			if err != nil {
				return 0, err
			}
		} else {
			val = next
		}
	}
	return val, nil
}

// SocketStatus reads SNSR for sock.
func (c *ChipIO) SocketStatus(ctx context.Context, sock int) (apis.SocketStatus, error) {
	regs := sockRegTable[c.variant]
	v, err := c.readSocketRegister(ctx, sock, regs.snsr)
	return apis.SocketStatus(v), err
}

// SetMode writes SNMR for sock.
func (c *ChipIO) SetMode(ctx context.Context, sock int, proto apis.Protocol) error {
	return c.writeSocketRegister(ctx, sock, snmrOffset, byte(proto))
}

// SetPort writes SNPORT for sock.
func (c *ChipIO) SetPort(ctx context.Context, sock int, port uint16) error {
	regs := sockRegTable[c.variant]
	return c.writeTwoByteSockReg(ctx, sock, regs.snport, port)
}

// ReadSNIR / WriteSNIR expose the socket interrupt register so
// pkg/socket can detect SEND_OK/TIMEOUT/RECV/DISCON/CON edges.
func (c *ChipIO) ReadSNIR(ctx context.Context, sock int) (byte, error) {
	regs := sockRegTable[c.variant]
	return c.readSocketRegister(ctx, sock, regs.snir)
}

func (c *ChipIO) WriteSNIR(ctx context.Context, sock int, v byte) error {
	regs := sockRegTable[c.variant]
	return c.writeSocketRegister(ctx, sock, regs.snir, v)
}

// DestAddr / SetDestAddr expose SNDIPR/SNDPORT (the remote peer address
// a connecting or UDP-sending socket targets).
func (c *ChipIO) DestAddr(ctx context.Context, sock int) ([4]byte, uint16, error) {
	regs := sockRegTable[c.variant]
	var ip [4]byte
	for i := 0; i < 4; i++ {
		v, err := c.readSocketRegister(ctx, sock, regs.sndipr+uint16(i))
		if err != nil {
			return ip, 0, err
		}
		ip[i] = v
	}
	port, err := c.readTwoByteSockReg(ctx, sock, regs.sndport)
	return ip, port, err
}

func (c *ChipIO) SetDestAddr(ctx context.Context, sock int, ip [4]byte, port uint16) error {
	regs := sockRegTable[c.variant]
	for i, b := range ip {
		if err := c.writeSocketRegister(ctx, sock, regs.sndipr+uint16(i), b); err != nil {
			return err
		}
	}
	return c.writeTwoByteSockReg(ctx, sock, regs.sndport, port)
}

// RxReadPointer / SetRxReadPointer and TxWritePointer / SetTxWritePointer
// expose SNRX_RD and SNTX_WR, the 16-bit free-running ring pointers
// used by socket reads and writes.
func (c *ChipIO) RxReadPointer(ctx context.Context, sock int) (uint16, error) {
	regs := sockRegTable[c.variant]
	return c.readTwoByteSockReg(ctx, sock, regs.snrxRd)
}

func (c *ChipIO) SetRxReadPointer(ctx context.Context, sock int, v uint16) error {
	regs := sockRegTable[c.variant]
	return c.writeTwoByteSockReg(ctx, sock, regs.snrxRd, v)
}

func (c *ChipIO) TxWritePointer(ctx context.Context, sock int) (uint16, error) {
	regs := sockRegTable[c.variant]
	return c.readTwoByteSockReg(ctx, sock, regs.sntxWr)
}

func (c *ChipIO) SetTxWritePointer(ctx context.Context, sock int, v uint16) error {
	regs := sockRegTable[c.variant]
	return c.writeTwoByteSockReg(ctx, sock, regs.sntxWr, v)
}

// ReadBuffer reads bytesToRead bytes from socket sock's RX ring buffer
// starting at the given free-running pointer, splitting the transfer
// in two if it wraps the buffer.
func (c *ChipIO) ReadBuffer(ctx context.Context, sock int, pointer uint16, bytesToRead int) ([]byte, error) {
	return c.transferBuffer(ctx, sock, pointer, bytesToRead, false, nil)
}

// WriteBuffer writes buffer to socket sock's TX ring buffer starting at
// the given free-running pointer, splitting the transfer in two if it
// wraps the buffer.
func (c *ChipIO) WriteBuffer(ctx context.Context, sock int, pointer uint16, buffer []byte) error {
	_, err := c.transferBuffer(ctx, sock, pointer, len(buffer), true, buffer)
	return err
}

// transferBuffer moves n bytes to/from socket sock's TX (write=true) or
// RX (write=false) ring buffer starting at the free-running pointer,
// splitting the access into two chip transfers when it wraps the
// buffer bank, exactly as the original's socket_read/socket_write do.
func (c *ChipIO) transferBuffer(ctx context.Context, sock int, pointer uint16, n int, write bool, in []byte) ([]byte, error) {
	tx := write
	hdr, bankRemaining := c.codec.bufferAddr(sock, pointer, tx)
	if int(bankRemaining) >= n {
		return c.doBufferTransfer(ctx, hdr, n, write, in)
	}
	first := int(bankRemaining)
	out1, err := c.doBufferTransfer(ctx, hdr, first, write, sliceOrNil(in, 0, first))
	if err != nil {
		return nil, err
	}
	hdr2, _ := c.codec.bufferAddr(sock, 0, tx)
	out2, err := c.doBufferTransfer(ctx, hdr2, n-first, write, sliceOrNil(in, first, n))
	if err != nil {
		return nil, err
	}
	if write {
		return nil, nil
	}
	return append(out1, out2...), nil
}

func sliceOrNil(b []byte, from, to int) []byte {
	if b == nil {
		return nil
	}
	return b[from:to]
}

func (c *ChipIO) doBufferTransfer(ctx context.Context, hdr frame, n int, write bool, in []byte) ([]byte, error) {
	if write {
		if err := c.bus.Transfer(ctx, hdr[:], in, true); err != nil {
			return nil, errors.Wrap(err, "writing socket buffer")
		}
		return nil, nil
	}
	buf := make([]byte, n)
	if err := c.bus.Transfer(ctx, hdr[:], buf, false); err != nil {
		return nil, errors.Wrap(err, "reading socket buffer")
	}
	return buf, nil
}

// ParseUDPHeader decodes an 8-byte UDP receive header per the active
// variant's layout.
func (c *ChipIO) ParseUDPHeader(hdr [8]byte) (ip [4]byte, port uint16, length uint16) {
	return c.codec.parseUDPHeader(hdr)
}

// Variant reports which chip this ChipIO is driving.
func (c *ChipIO) Variant() apis.ChipVariant { return c.variant }

// MaxSockets reports the number of hardware sockets.
func (c *ChipIO) MaxSockets() int { return c.variant.MaxSockets() }

// MACAddress reads SHAR.
func (c *ChipIO) MACAddress(ctx context.Context) ([6]byte, error) {
	var mac [6]byte
	b, err := c.ReadN(ctx, commonRegTable[c.variant].shar, 6)
	if err != nil {
		return mac, err
	}
	copy(mac[:], b)
	return mac, nil
}

// SetMACAddress writes SHAR.
func (c *ChipIO) SetMACAddress(ctx context.Context, mac [6]byte) error {
	if err := apis.ValidateMAC(mac[:]); err != nil {
		return err
	}
	return c.WriteN(ctx, commonRegTable[c.variant].shar, mac[:])
}

// IPAddress reads SIPR.
func (c *ChipIO) IPAddress(ctx context.Context) ([4]byte, error) {
	var ip [4]byte
	b, err := c.ReadN(ctx, commonRegTable[c.variant].sipr, 4)
	if err != nil {
		return ip, err
	}
	copy(ip[:], b)
	return ip, nil
}

// SetIfconfig writes SIPR, SUBR, and GAR in one call, matching the
// original's set_ip_address/set_subnet_mask/set_gateway_ip grouping.
func (c *ChipIO) SetIfconfig(ctx context.Context, ip, subnet, gateway [4]byte) error {
	regs := commonRegTable[c.variant]
	if err := c.WriteN(ctx, regs.sipr, ip[:]); err != nil {
		return err
	}
	if err := c.WriteN(ctx, regs.subr, subnet[:]); err != nil {
		return err
	}
	return c.WriteN(ctx, regs.gar, gateway[:])
}

// Ifconfig reads back SIPR, SUBR, GAR.
func (c *ChipIO) Ifconfig(ctx context.Context) (ip, subnet, gateway [4]byte, err error) {
	regs := commonRegTable[c.variant]
	b, err := c.ReadN(ctx, regs.sipr, 4)
	if err != nil {
		return
	}
	copy(ip[:], b)
	b, err = c.ReadN(ctx, regs.subr, 4)
	if err != nil {
		return
	}
	copy(subnet[:], b)
	b, err = c.ReadN(ctx, regs.gar, 4)
	if err != nil {
		return
	}
	copy(gateway[:], b)
	return
}

// LinkStatus reads the PHY link flag register; its bit position
// differs per variant, which is why this is not a generic readByte
// call at a shared address.
func (c *ChipIO) LinkStatus(ctx context.Context) (bool, error) {
	v, err := c.readByte(ctx, commonRegTable[c.variant].linkFlag)
	if err != nil {
		return false, err
	}
	switch c.variant {
	case apis.ChipW6100:
		return v&0x01 != 0, nil
	default:
		return v != 0, nil
	}
}

// RCR/SetRCR and RTR/SetRTR expose the retry-count and retry-time
// registers used by the chip's own TCP retransmission logic.
func (c *ChipIO) RCR(ctx context.Context) (byte, error) {
	return c.readByte(ctx, commonRegTable[c.variant].rcr)
}

func (c *ChipIO) SetRCR(ctx context.Context, v byte) error {
	return c.writeRaw(ctx, commonRegTable[c.variant].rcr, v)
}

func (c *ChipIO) RTR(ctx context.Context) (uint16, error) {
	b, err := c.ReadN(ctx, commonRegTable[c.variant].rtr, 2)
	if err != nil {
		return 0, err
	}
	return uint16(b[0])<<8 | uint16(b[1]), nil
}

func (c *ChipIO) SetRTR(ctx context.Context, v uint16) error {
	return c.WriteN(ctx, commonRegTable[c.variant].rtr, []byte{byte(v >> 8), byte(v)})
}
