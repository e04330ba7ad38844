package protocol

import (
	"encoding/binary"
	"fmt"
)

// This codec is a stable, hand-rolled little-endian binary encoding rather
// than encoding/gob or JSON: the wire format only has to agree between two
// builds of the same tachd binary launched in the same session, and a
// fixed field layout is cheaper to encode/decode per message than a
// self-describing format, which matters on the dispatch hot path.

// encoder accumulates a little-endian byte stream.
type encoder struct {
	buf []byte
}

func (e *encoder) u8(v byte) {
	e.buf = append(e.buf, v)
}

func (e *encoder) u32(v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	e.buf = append(e.buf, tmp[:]...)
}

func (e *encoder) u64(v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	e.buf = append(e.buf, tmp[:]...)
}

func (e *encoder) bool(v bool) {
	if v {
		e.u8(1)
	} else {
		e.u8(0)
	}
}

func (e *encoder) str(s string) {
	e.u32(uint32(len(s)))
	e.buf = append(e.buf, s...)
}

func (e *encoder) fixtures(fs []Fixture) {
	e.u32(uint32(len(fs)))
	for _, f := range fs {
		e.str(f.Name)
		e.u8(byte(f.Scope))
	}
}

// decoder walks a little-endian byte stream, tracking the first error hit.
type decoder struct {
	buf []byte
	pos int
	err error
}

func (d *decoder) need(n int) bool {
	if d.err != nil {
		return false
	}
	if d.pos+n > len(d.buf) {
		d.err = fmt.Errorf("protocol: short buffer: need %d bytes at offset %d, have %d", n, d.pos, len(d.buf))
		return false
	}
	return true
}

func (d *decoder) u8() byte {
	if !d.need(1) {
		return 0
	}
	v := d.buf[d.pos]
	d.pos++
	return v
}

func (d *decoder) u32() uint32 {
	if !d.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(d.buf[d.pos:])
	d.pos += 4
	return v
}

func (d *decoder) u64() uint64 {
	if !d.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(d.buf[d.pos:])
	d.pos += 8
	return v
}

func (d *decoder) bool() bool {
	return d.u8() != 0
}

func (d *decoder) str() string {
	n := d.u32()
	if !d.need(int(n)) {
		return ""
	}
	s := string(d.buf[d.pos : d.pos+int(n)])
	d.pos += int(n)
	return s
}

func (d *decoder) fixtures() []Fixture {
	n := d.u32()
	if d.err != nil || n == 0 {
		return nil
	}
	out := make([]Fixture, 0, n)
	for i := uint32(0); i < n; i++ {
		name := d.str()
		scope := FixtureScope(d.u8())
		if d.err != nil {
			return nil
		}
		out = append(out, Fixture{Name: name, Scope: scope})
	}
	return out
}

// EncodeTestPayload serializes a TestPayload to its wire form.
func EncodeTestPayload(p TestPayload) []byte {
	e := &encoder{}
	e.u64(p.TestID)
	e.str(p.FilePath)
	e.str(p.TestName)
	e.bool(p.IsAsync)
	e.fixtures(p.Fixtures)
	e.u32(uint32(int32(p.LogFD)))
	e.str(p.DebugSocketPath)
	return e.buf
}

// DecodeTestPayload deserializes a TestPayload from its wire form.
func DecodeTestPayload(buf []byte) (TestPayload, error) {
	d := &decoder{buf: buf}
	p := TestPayload{}
	p.TestID = d.u64()
	p.FilePath = d.str()
	p.TestName = d.str()
	p.IsAsync = d.bool()
	p.Fixtures = d.fixtures()
	p.LogFD = int32(d.u32())
	p.DebugSocketPath = d.str()
	if d.err != nil {
		return TestPayload{}, d.err
	}
	return p, nil
}

// EncodeTestResult serializes a TestResult to its wire form.
func EncodeTestResult(r TestResult) []byte {
	e := &encoder{}
	e.u64(r.TestID)
	e.u8(byte(r.Status))
	e.u64(r.DurationNS)
	e.str(TruncateMessage(r.Message))
	return e.buf
}

// DecodeTestResult deserializes a TestResult from its wire form.
func DecodeTestResult(buf []byte) (TestResult, error) {
	d := &decoder{buf: buf}
	r := TestResult{}
	r.TestID = d.u64()
	r.Status = Status(d.u8())
	r.DurationNS = d.u64()
	r.Message = d.str()
	if d.err != nil {
		return TestResult{}, d.err
	}
	return r, nil
}
