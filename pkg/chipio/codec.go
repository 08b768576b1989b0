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

package chipio

import "github.com/wiznet-go/w5kstack/pkg/apis"

// frame is the 3-byte SPI header sent ahead of every register access.
type frame [3]byte

// variantCodec is a small table of chip-specific operations, one
// instance per apis.ChipVariant, used instead of scattering
// variant-tag string comparisons through the read/write paths.
type variantCodec struct {
	// registerFrame builds the header for a common-register access.
	registerFrame func(addr uint16, write bool) frame
	// socketRegisterFrame builds the header for a per-socket register
	// access, given the chip's channel base (only meaningful for
	// W5100S) and the socket number.
	socketRegisterFrame func(chBase uint16, sock int, addr uint16, write bool) frame
	// bufferAddr returns the header for a streaming buffer access
	// (tx=true selects the socket's TX buffer, tx=false its RX buffer)
	// at the given free-running 16-bit pointer, plus the number of
	// bytes remaining before the ring wraps and the caller must split
	// the transfer in two. W5500/W6100 select the buffer bank through
	// the control byte and let the chip handle address wrap internally,
	// so bankRemaining is always sockSize (never triggers a split).
	// W5100S addresses a flat per-socket window and must split
	// manually, so bankRemaining reflects the real distance to the
	// window boundary.
	bufferAddr func(sock int, pointer uint16, tx bool) (hdr frame, bankRemaining uint16)
	// parseUDPHeader decodes the 8-byte UDP receive header into the
	// sender's address, port, and payload length. Byte layout differs
	// between W6100 and the other two variants.
	parseUDPHeader func(hdr [8]byte) (ip [4]byte, port uint16, length uint16)
}

func w5500LikeFrame(addr uint16, write bool, ctrlBase byte) frame {
	ctrl := ctrlBase
	if write {
		ctrl |= 0x04
	}
	return frame{byte(addr >> 8), byte(addr & 0xFF), ctrl}
}

var w5500Codec = variantCodec{
	registerFrame: func(addr uint16, write bool) frame {
		return w5500LikeFrame(addr, write, 0x00)
	},
	socketRegisterFrame: func(_ uint16, sock int, addr uint16, write bool) frame {
		ctrlBase := byte(sock<<5) + 0x08
		return w5500LikeFrame(addr, write, ctrlBase)
	},
	bufferAddr: func(sock int, pointer uint16, tx bool) (frame, uint16) {
		if tx {
			offset := pointer & sockMask
			addr := offset + uint16(sock)*sockSize + 0x8000
			ctrl := byte(sock<<5) + 0x14
			return frame{byte(addr >> 8), byte(addr & 0xFF), ctrl}, sockSize
		}
		ctrl := byte(sock<<5) + 0x18
		return frame{byte(pointer >> 8), byte(pointer & 0xFF), ctrl}, sockSize
	},
	parseUDPHeader: func(hdr [8]byte) (ip [4]byte, port uint16, length uint16) {
		copy(ip[:], hdr[0:4])
		port = uint16(hdr[4])<<8 | uint16(hdr[5])
		length = uint16(hdr[6])<<8 | uint16(hdr[7])
		return ip, port, length
	},
}

// w6100Codec shares W5500's three-byte control-byte framing for
// general, per-socket, and buffer registers; only the UDP receive
// header layout differs (an 11-bit length field occupies different
// header bytes).
var w6100Codec = variantCodec{
	registerFrame:       w5500Codec.registerFrame,
	socketRegisterFrame: w5500Codec.socketRegisterFrame,
	bufferAddr:          w5500Codec.bufferAddr,
	parseUDPHeader: func(hdr [8]byte) (ip [4]byte, port uint16, length uint16) {
		copy(ip[:], hdr[3:7])
		port = uint16(hdr[6])<<8 | uint16(hdr[7])
		length = (uint16(hdr[0])<<8 | uint16(hdr[1])) & 0x07FF
		return ip, port, length
	},
}

var w5100sCodec = variantCodec{
	registerFrame: func(addr uint16, write bool) frame {
		opcode := byte(0x0F)
		if write {
			opcode = 0xF0
		}
		return frame{opcode, byte(addr >> 8), byte(addr & 0xFF)}
	},
	socketRegisterFrame: func(chBase uint16, sock int, addr uint16, write bool) frame {
		wireAddr := chBase + uint16(sock)*chSize + addr
		opcode := byte(0x0F)
		if write {
			opcode = 0xF0
		}
		return frame{opcode, byte(wireAddr >> 8), byte(wireAddr & 0xFF)}
	},
	bufferAddr: func(sock int, pointer uint16, tx bool) (frame, uint16) {
		base := uint16(0x4000)
		if !tx {
			base = 0x6000
		}
		offset := pointer & sockMask
		addr := offset + uint16(sock)*sockSize + base
		opcode := byte(0x0F)
		if tx {
			opcode = 0xF0
		}
		return frame{opcode, byte(addr >> 8), byte(addr & 0xFF)}, sockSize - offset
	},
	parseUDPHeader: w5500Codec.parseUDPHeader,
}

var codecTable = map[apis.ChipVariant]*variantCodec{
	apis.ChipW5100S: &w5100sCodec,
	apis.ChipW5500:  &w5500Codec,
	apis.ChipW6100:  &w6100Codec,
}
