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

// commonRegs holds the addresses of registers that exist once per
// chip, indexed by variant. The three variants disagree on almost
// every address, which is why this is a table rather than a shared
// constant block.
type commonRegs struct {
	mr        uint16
	gar       uint16
	subr      uint16
	versionr  uint16
	shar      uint16
	sipr      uint16
	linkFlag  uint16
	rcr       uint16
	rtr       uint16
}

var commonRegTable = map[apis.ChipVariant]commonRegs{
	apis.ChipW5100S: {
		mr: 0x0000, gar: 0x0001, subr: 0x0005, versionr: 0x0080,
		shar: 0x0009, sipr: 0x000F, linkFlag: 0x003C, rcr: 0x0019, rtr: 0x0017,
	},
	apis.ChipW5500: {
		mr: 0x0000, gar: 0x0001, subr: 0x0005, versionr: 0x0039,
		shar: 0x0009, sipr: 0x000F, linkFlag: 0x002E, rcr: 0x001B, rtr: 0x0019,
	},
	apis.ChipW6100: {
		mr: 0x0000, gar: 0x4130, subr: 0x4134, versionr: 0x0000,
		shar: 0x4120, sipr: 0x4138, linkFlag: 0x3000, rcr: 0x4204, rtr: 0x4200,
	},
}

// sockRegs holds the per-socket register offsets, indexed by variant.
// SNMR is deliberately outside this table: all three variants place it
// at offset 0x0000 of the per-socket register block.
type sockRegs struct {
	sncr    uint16
	snir    uint16
	snsr    uint16
	snport  uint16
	sndipr  uint16
	sndport uint16
	snrxRsr uint16
	snrxRd  uint16
	sntxFsr uint16
	sntxWr  uint16
}

const snmrOffset uint16 = 0x0000

var sockRegTable = map[apis.ChipVariant]sockRegs{
	apis.ChipW5100S: {
		sncr: 0x0001, snir: 0x0002, snsr: 0x0003, snport: 0x0004,
		sndipr: 0x000C, sndport: 0x0010, snrxRsr: 0x0026, snrxRd: 0x0028,
		sntxFsr: 0x0020, sntxWr: 0x0024,
	},
	apis.ChipW5500: {
		sncr: 0x0001, snir: 0x0002, snsr: 0x0003, snport: 0x0004,
		sndipr: 0x000C, sndport: 0x0010, snrxRsr: 0x0026, snrxRd: 0x0028,
		sntxFsr: 0x0020, sntxWr: 0x0024,
	},
	apis.ChipW6100: {
		sncr: 0x0010, snir: 0x0020, snsr: 0x0030, snport: 0x0114,
		sndipr: 0x0120, sndport: 0x0140, snrxRsr: 0x0224, snrxRd: 0x0228,
		sntxFsr: 0x0204, sntxWr: 0x020C,
	},
}

// Socket command codes, written to SNCR; the register self-clears once
// the chip has processed the command. Exported for use by pkg/socket.
const (
	CmdOpen    byte = 0x01
	CmdListen  byte = 0x02
	CmdConnect byte = 0x04
	CmdDiscon  byte = 0x08
	CmdClose   byte = 0x10
	CmdSend    byte = 0x20
	CmdSendMac byte = 0x21
	CmdRecv    byte = 0x40
)

// Socket interrupt bits, read from / cleared via SNIR. Exported for use
// by pkg/socket.
const (
	SnirSendOK  byte = 0x10
	SnirTimeout byte = 0x08
	SnirRecv    byte = 0x04
	SnirDiscon  byte = 0x02
	SnirCon     byte = 0x01
)

// mrReset is the Mode Register soft-reset bit, common to W5100S/W5500.
const mrReset byte = 0x80

// sockSize is the per-socket TX/RX buffer size shared by all variants,
// and sockMask isolates the ring-buffer offset from the free-running
// 16-bit read/write pointers.
const (
	sockSize uint16 = 0x0800
	sockMask uint16 = 0x07FF
	chSize   uint16 = 0x0100
)
