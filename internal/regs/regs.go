// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package regs holds the register map of the Zappy gateware.
package regs // import "github.com/go-lpc/zappy/internal/regs"

const (
	// physical addresses, as seen from the soft-core.
	CSR_BASE  = 0xe000_0000
	CSR_SPAN  = 0x0000_1000
	RING_BASE = 0x3000_0000

	MEM_DEPTH = 8192 // default depth of the sample ring, in 32b words
)

// monitor: dual channel acquisition engine.
const (
	MONITOR_BASE = 0x000

	MONITOR_ACQUIRE            = MONITOR_BASE + 0x00
	MONITOR_DEPTH              = MONITOR_BASE + 0x04
	MONITOR_DONE               = MONITOR_BASE + 0x08
	MONITOR_INT_ENA            = MONITOR_BASE + 0x0c
	MONITOR_PERIOD             = MONITOR_BASE + 0x10
	MONITOR_OVERRUN            = MONITOR_BASE + 0x14
	MONITOR_PRESAMPLE          = MONITOR_BASE + 0x18
	MONITOR_CUR_MAIN           = MONITOR_BASE + 0x1c
	MONITOR_CUR_FEEDBACK       = MONITOR_BASE + 0x20
	MONITOR_DELTA              = MONITOR_BASE + 0x24
	MONITOR_ENERGY_ACCUMULATOR = MONITOR_BASE + 0x28 // 40b, low word first
	MONITOR_ENERGY_THRESHOLD   = MONITOR_BASE + 0x30 // 40b, low word first
	MONITOR_ENERGY_CONTROL     = MONITOR_BASE + 0x38
	MONITOR_ABORT              = MONITOR_BASE + 0x3c
	MONITOR_EV_STATUS          = MONITOR_BASE + 0x40
	MONITOR_EV_PENDING         = MONITOR_BASE + 0x44
	MONITOR_EV_ENABLE          = MONITOR_BASE + 0x48
)

// energy_control fields.
const (
	ENERGY_CONTROL_ENABLE = 1 << 0
	ENERGY_CONTROL_RESET  = 1 << 1
)

// zappio: safety interlock, trigger gating and HV DAC.
const (
	ZAPPIO_BASE = 0x100

	ZAPPIO_NOPLATE         = ZAPPIO_BASE + 0x00
	ZAPPIO_ROW             = ZAPPIO_BASE + 0x04
	ZAPPIO_COL             = ZAPPIO_BASE + 0x08
	ZAPPIO_OVERRIDE_SAFETY = ZAPPIO_BASE + 0x0c
	ZAPPIO_SCRAM_STATUS    = ZAPPIO_BASE + 0x10
	ZAPPIO_HV_ENGAGE       = ZAPPIO_BASE + 0x14
	ZAPPIO_CAP             = ZAPPIO_BASE + 0x18
	ZAPPIO_DISCHARGE       = ZAPPIO_BASE + 0x1c
	ZAPPIO_TRIGGERMODE     = ZAPPIO_BASE + 0x20
	ZAPPIO_TRIGGERSOFT     = ZAPPIO_BASE + 0x24
	ZAPPIO_TRIGGERCLEAR    = ZAPPIO_BASE + 0x28
	ZAPPIO_TRIGGERSTATUS   = ZAPPIO_BASE + 0x2c
	ZAPPIO_MAXDELTA        = ZAPPIO_BASE + 0x30
	ZAPPIO_MAXDELTA_ENA    = ZAPPIO_BASE + 0x34
	ZAPPIO_MAXDELTA_RESET  = ZAPPIO_BASE + 0x38
	ZAPPIO_MAXDELTA_SCRAM  = ZAPPIO_BASE + 0x3c
	ZAPPIO_MB_UNPLUGGED    = ZAPPIO_BASE + 0x40
	ZAPPIO_MK_UNPLUGGED    = ZAPPIO_BASE + 0x44
	ZAPPIO_L25_POS         = ZAPPIO_BASE + 0x48
	ZAPPIO_L25_OPEN        = ZAPPIO_BASE + 0x4c
	ZAPPIO_HV_SETTING      = ZAPPIO_BASE + 0x50
	ZAPPIO_HV_UPDATE       = ZAPPIO_BASE + 0x54
	ZAPPIO_HV_READY        = ZAPPIO_BASE + 0x58
	ZAPPIO_INTERLOCK_MASK  = ZAPPIO_BASE + 0x5c
)

// interlock_mask fields: extra conditions folded into the SCRAM decision.
const (
	INTERLOCK_MB_UNPLUGGED = 1 << 0
	INTERLOCK_MK_UNPLUGGED = 1 << 1
	INTERLOCK_L25_CLOSED   = 1 << 2
)

// vmon: HV supply voltage monitor.
const (
	VMON_BASE = 0x200

	VMON_ACQUIRE = VMON_BASE + 0x00
	VMON_DATA    = VMON_BASE + 0x04
	VMON_VALID   = VMON_BASE + 0x08
)

// Mode describes how software may access a register.
type Mode string

const (
	RW Mode = "rw" // storage, written by software
	RO Mode = "ro" // status, written by the gateware
	WO Mode = "wo" // strobe, the write itself is the event
	EV Mode = "ev" // status, software writes are delivered as strobes (e.g. write-1-to-clear)
)

// Desc describes one register.
type Desc struct {
	Name  string
	Addr  int64
	Bits  int    // registers wider than 32b span two words, low word first
	Mode  Mode
	Pulse uint32 // bits that only read as set for the tick following a write
}

// Words returns the number of 32b words spanned by the register.
func (d Desc) Words() int {
	return (d.Bits + 31) / 32
}

// Map is the register map of the Zappy gateware.
var Map = []Desc{
	{"monitor_acquire", MONITOR_ACQUIRE, 1, WO, 0},
	{"monitor_depth", MONITOR_DEPTH, 16, RW, 0},
	{"monitor_done", MONITOR_DONE, 1, RO, 0},
	{"monitor_int_ena", MONITOR_INT_ENA, 1, RW, 0},
	{"monitor_period", MONITOR_PERIOD, 32, RW, 0},
	{"monitor_overrun", MONITOR_OVERRUN, 32, RO, 0},
	{"monitor_presample", MONITOR_PRESAMPLE, 16, RW, 0},
	{"monitor_cur_main", MONITOR_CUR_MAIN, 12, RO, 0},
	{"monitor_cur_feedback", MONITOR_CUR_FEEDBACK, 12, RO, 0},
	{"monitor_delta", MONITOR_DELTA, 16, RO, 0},
	{"monitor_energy_accumulator", MONITOR_ENERGY_ACCUMULATOR, 40, RO, 0},
	{"monitor_energy_threshold", MONITOR_ENERGY_THRESHOLD, 40, RW, 0},
	{"monitor_energy_control", MONITOR_ENERGY_CONTROL, 2, RW, ENERGY_CONTROL_RESET},
	{"monitor_abort", MONITOR_ABORT, 1, WO, 0},
	{"monitor_ev_status", MONITOR_EV_STATUS, 1, RO, 0},
	{"monitor_ev_pending", MONITOR_EV_PENDING, 1, EV, 0},
	{"monitor_ev_enable", MONITOR_EV_ENABLE, 1, RW, 0},

	{"zappio_noplate", ZAPPIO_NOPLATE, 4, RO, 0},
	{"zappio_row", ZAPPIO_ROW, 4, RW, 0},
	{"zappio_col", ZAPPIO_COL, 12, RW, 0},
	{"zappio_override_safety", ZAPPIO_OVERRIDE_SAFETY, 1, RW, 0},
	{"zappio_scram_status", ZAPPIO_SCRAM_STATUS, 1, RO, 0},
	{"zappio_hv_engage", ZAPPIO_HV_ENGAGE, 1, RW, 0},
	{"zappio_cap", ZAPPIO_CAP, 1, RW, 0},
	{"zappio_discharge", ZAPPIO_DISCHARGE, 1, RW, 0},
	{"zappio_triggermode", ZAPPIO_TRIGGERMODE, 1, RW, 0},
	{"zappio_triggersoft", ZAPPIO_TRIGGERSOFT, 1, RW, 0},
	{"zappio_triggerclear", ZAPPIO_TRIGGERCLEAR, 1, WO, 0},
	{"zappio_triggerstatus", ZAPPIO_TRIGGERSTATUS, 1, RO, 0},
	{"zappio_maxdelta", ZAPPIO_MAXDELTA, 16, RW, 0},
	{"zappio_maxdelta_ena", ZAPPIO_MAXDELTA_ENA, 1, RW, 0},
	{"zappio_maxdelta_reset", ZAPPIO_MAXDELTA_RESET, 1, WO, 0},
	{"zappio_maxdelta_scram", ZAPPIO_MAXDELTA_SCRAM, 1, RO, 0},
	{"zappio_mb_unplugged", ZAPPIO_MB_UNPLUGGED, 1, RO, 0},
	{"zappio_mk_unplugged", ZAPPIO_MK_UNPLUGGED, 1, RO, 0},
	{"zappio_l25_pos", ZAPPIO_L25_POS, 1, RO, 0},
	{"zappio_l25_open", ZAPPIO_L25_OPEN, 1, RO, 0},
	{"zappio_hv_setting", ZAPPIO_HV_SETTING, 16, RW, 0},
	{"zappio_hv_update", ZAPPIO_HV_UPDATE, 1, WO, 0},
	{"zappio_hv_ready", ZAPPIO_HV_READY, 1, RO, 0},
	{"zappio_interlock_mask", ZAPPIO_INTERLOCK_MASK, 3, RW, 0},

	{"vmon_acquire", VMON_ACQUIRE, 1, WO, 0},
	{"vmon_data", VMON_DATA, 12, RO, 0},
	{"vmon_valid", VMON_VALID, 1, RO, 0},
}

// Lookup returns the description of the named register.
func Lookup(name string) (Desc, bool) {
	for _, d := range Map {
		if d.Name == name {
			return d, true
		}
	}
	return Desc{}, false
}
