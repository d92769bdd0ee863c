// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package evtstore

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/go-lpc/zappy/internal/crc16"
	"github.com/go-lpc/zappy/zap"
)

const (
	evHeader  = 0xe0 // event header marker
	evTrailer = 0xe1 // event trailer marker

	smpHeader  = 0xe4 // samples header marker
	smpTrailer = 0xe3 // samples trailer marker

	version = 1

	flagDeltaScram = 1 << 0
	flagCutoff     = 1 << 1
)

// Event is one zap, with its configuration and acquired waveforms.
type Event struct {
	ID     uint64 // assigned by the store
	Time   time.Time
	Config zap.ZapConfig
	Result zap.Result
}

// Encoder writes events to an output stream.
// Encoder computes the CRC-16 checksum of each event on the fly and
// appends it at the end of the event.
type Encoder struct {
	w   io.Writer
	buf []byte
	err error
	crc crc16.Hash16
}

// NewEncoder returns a new Encoder that writes to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{
		w:   w,
		buf: make([]byte, 8),
		crc: crc16.New(nil),
	}
}

func (enc *Encoder) crcw(p []byte) {
	_, _ = enc.crc.Write(p) // can not fail.
}

// Encode writes the event to the stream, followed by its CRC-16 checksum.
func (enc *Encoder) Encode(evt *Event) error {
	if evt == nil {
		return nil
	}

	enc.crc.Reset()

	enc.writeU8(evHeader)
	if enc.err != nil {
		return fmt.Errorf("evtstore: could not write event header marker: %w", enc.err)
	}
	enc.writeU8(version)
	enc.writeU64(uint64(evt.Time.UnixNano()))

	cfg := &evt.Config
	enc.writeU8(cfg.Row)
	enc.writeU8(cfg.Col)
	enc.writeU32(cfg.Voltage)
	enc.writeU16(cfg.Depth)
	enc.writeU16(cfg.Presample)
	enc.writeU32(cfg.Period)
	enc.writeU16(cfg.MaxDelta)
	enc.writeU64(math.Float64bits(cfg.Energy))
	enc.writeBool(cfg.Override)

	res := &evt.Result
	enc.writeU64(res.Energy)
	enc.writeU64(math.Float64bits(res.Joules))
	enc.writeU32(res.Overrun)
	var flags uint8
	if res.DeltaScram {
		flags |= flagDeltaScram
	}
	if res.Cutoff {
		flags |= flagCutoff
	}
	enc.writeU8(flags)
	enc.writeU64(uint64(res.Duration))

	enc.writeU8(smpHeader)
	enc.writeU32(uint32(len(res.Samples)))
	for _, smp := range res.Samples {
		enc.writeU16(smp.Main)
		enc.writeU16(smp.Feedback)
	}
	enc.writeU8(smpTrailer)
	enc.writeU8(evTrailer)

	crc := enc.crc.Sum16()
	enc.writeU16(crc)

	if enc.err != nil {
		return fmt.Errorf("evtstore: could not encode event: %w", enc.err)
	}
	return nil
}

func (enc *Encoder) write(p []byte) {
	if enc.err != nil {
		return
	}
	_, enc.err = enc.w.Write(p)
	enc.crcw(p)
}

func (enc *Encoder) writeBool(v bool) {
	switch v {
	case true:
		enc.writeU8(1)
	default:
		enc.writeU8(0)
	}
}

func (enc *Encoder) writeU8(v uint8) {
	enc.buf[0] = v
	enc.write(enc.buf[:1])
}

func (enc *Encoder) writeU16(v uint16) {
	binary.BigEndian.PutUint16(enc.buf[:2], v)
	enc.write(enc.buf[:2])
}

func (enc *Encoder) writeU32(v uint32) {
	binary.BigEndian.PutUint32(enc.buf[:4], v)
	enc.write(enc.buf[:4])
}

func (enc *Encoder) writeU64(v uint64) {
	binary.BigEndian.PutUint64(enc.buf[:8], v)
	enc.write(enc.buf[:8])
}

// Decoder reads and validates events from an input stream.
type Decoder struct {
	r   io.Reader
	buf []byte
	err error
	crc crc16.Hash16
}

// NewDecoder returns a new Decoder that reads from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{
		r:   r,
		buf: make([]byte, 8),
		crc: crc16.New(nil),
	}
}

// Decode reads the next event from the stream.
// Decode returns io.EOF when the stream holds no more events.
func (dec *Decoder) Decode(evt *Event) error {
	dec.crc.Reset()

	v := dec.readU8()
	if dec.err != nil {
		if dec.err == io.EOF {
			return io.EOF
		}
		return fmt.Errorf("evtstore: could not read event header marker: %w", dec.err)
	}
	if v != evHeader {
		return fmt.Errorf("evtstore: invalid event header marker (got=0x%x, want=0x%x)", v, evHeader)
	}
	if v := dec.readU8(); dec.err == nil && v != version {
		return fmt.Errorf("evtstore: invalid event version (got=%d, want=%d)", v, version)
	}

	evt.Time = time.Unix(0, int64(dec.readU64())).UTC()

	cfg := &evt.Config
	cfg.Row = dec.readU8()
	cfg.Col = dec.readU8()
	cfg.Voltage = dec.readU32()
	cfg.Depth = dec.readU16()
	cfg.Presample = dec.readU16()
	cfg.Period = dec.readU32()
	cfg.MaxDelta = dec.readU16()
	cfg.Energy = math.Float64frombits(dec.readU64())
	cfg.Override = dec.readU8() == 1

	res := &evt.Result
	res.Energy = dec.readU64()
	res.Joules = math.Float64frombits(dec.readU64())
	res.Overrun = dec.readU32()
	flags := dec.readU8()
	res.DeltaScram = flags&flagDeltaScram != 0
	res.Cutoff = flags&flagCutoff != 0
	res.Duration = time.Duration(dec.readU64())
	if dec.err != nil {
		return fmt.Errorf("evtstore: could not read event header: %w", dec.err)
	}

	if v := dec.readU8(); dec.err == nil && v != smpHeader {
		return fmt.Errorf("evtstore: invalid samples header marker (got=0x%x, want=0x%x)", v, smpHeader)
	}
	n := int(dec.readU32())
	if dec.err != nil {
		return fmt.Errorf("evtstore: could not read samples header: %w", dec.err)
	}
	if n > math.MaxUint16 {
		return fmt.Errorf("evtstore: invalid number of samples %d", n)
	}
	res.Samples = make([]zap.SamplePair, n)
	for i := range res.Samples {
		res.Samples[i] = zap.SamplePair{
			Seq:      uint32(i),
			Main:     dec.readU16(),
			Feedback: dec.readU16(),
		}
	}
	if dec.err != nil {
		return fmt.Errorf("evtstore: could not read samples: %w", dec.err)
	}
	if v := dec.readU8(); dec.err == nil && v != smpTrailer {
		return fmt.Errorf("evtstore: invalid samples trailer marker (got=0x%x, want=0x%x)", v, smpTrailer)
	}
	if v := dec.readU8(); dec.err == nil && v != evTrailer {
		return fmt.Errorf("evtstore: invalid event trailer marker (got=0x%x, want=0x%x)", v, evTrailer)
	}

	want := dec.crc.Sum16()
	dec.read(dec.buf[:2])
	if dec.err != nil {
		return fmt.Errorf("evtstore: could not read event trailer: %w", dec.err)
	}
	if got := binary.BigEndian.Uint16(dec.buf[:2]); got != want {
		return fmt.Errorf("evtstore: inconsistent CRC: recv=0x%04x, comp=0x%04x", got, want)
	}
	return nil
}

func (dec *Decoder) read(p []byte) {
	if dec.err != nil {
		return
	}
	_, dec.err = io.ReadFull(dec.r, p)
}

func (dec *Decoder) crcr(p []byte) []byte {
	dec.read(p)
	if dec.err == nil {
		_, _ = dec.crc.Write(p) // can not fail.
	}
	return p
}

func (dec *Decoder) readU8() uint8 {
	return dec.crcr(dec.buf[:1])[0]
}

func (dec *Decoder) readU16() uint16 {
	return binary.BigEndian.Uint16(dec.crcr(dec.buf[:2]))
}

func (dec *Decoder) readU32() uint32 {
	return binary.BigEndian.Uint32(dec.crcr(dec.buf[:4]))
}

func (dec *Decoder) readU64() uint64 {
	return binary.BigEndian.Uint64(dec.crcr(dec.buf[:8]))
}
