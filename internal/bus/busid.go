// File: internal/bus/busid.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// BusID is the 32-bit process identity: four 8-bit fields, area.zone.func.inst.

package bus

import (
	"fmt"
	"strconv"
	"strings"
)

// BusID identifies a bus endpoint.
type BusID uint32

// NewBusID packs four 8-bit fields into a BusID.
func NewBusID(area, zone, fn, inst uint8) BusID {
	return BusID(uint32(area)<<24 | uint32(zone)<<16 | uint32(fn)<<8 | uint32(inst))
}

// Area returns the top field.
func (b BusID) Area() uint8 { return uint8(b >> 24) }

// Zone returns the second field.
func (b BusID) Zone() uint8 { return uint8(b >> 16) }

// Func returns the third field.
func (b BusID) Func() uint8 { return uint8(b >> 8) }

// Inst returns the bottom field.
func (b BusID) Inst() uint8 { return uint8(b) }

// String renders the human "a.z.f.i" form.
func (b BusID) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", b.Area(), b.Zone(), b.Func(), b.Inst())
}

// ParseBusID parses the human "a.z.f.i" form back into a BusID.
func ParseBusID(s string) (BusID, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return 0, fmt.Errorf("bus: invalid busid %q: want a.z.f.i", s)
	}
	var fields [4]uint8
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 10, 8)
		if err != nil {
			return 0, fmt.Errorf("bus: invalid busid %q: %w", s, err)
		}
		fields[i] = uint8(v)
	}
	return NewBusID(fields[0], fields[1], fields[2], fields[3]), nil
}
