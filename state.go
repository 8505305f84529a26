package hazard

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/golang/snappy"
)

// maxStateEntries bounds the retired blocks ReadState accepts for one handle.
const maxStateEntries = 1 << 26

// State is a debug snapshot of a domain, as written by WriteState.
// Retired entries carry no Memory, backends cannot be persisted.
type State struct {
	Threshold int
	Slots     int
	Handles   int
	Retired   map[int][]Retired
}

// WriteState writes a snapshot of the domain configuration and of every handle's retired blocks.
// It fails with ErrBusy if any handle is acquired.
func (p *Pointers) WriteState(out io.Writer) (int, error) {
	if p.closed() {
		return 0, ErrClosed
	}
	if n := p.users.Load(); n > 0 {
		return 0, errors.Wrapf(ErrBusy, "cannot write state with %d handles acquired", n)
	}
	written := 0

	// write metadata: threshold, hazard slots per handle, handles created
	n, err := fmt.Fprintf(out, "threshold %d\nslots %d\nhandles %d\n", p.threshold, p.reg.slots, p.reg.created.Load())
	written += n
	if err != nil {
		return written, err
	}

	var buf []byte
	for i := range p.handles {
		h := p.handles[i].Load()
		if h == nil {
			continue
		}
		// each retired block is stored as addr, size, align
		sz := 24 * len(h.retired)
		if cap(buf) < sz {
			buf = make([]byte, sz)
		} else {
			buf = buf[:sz]
		}
		o := 0
		for _, r := range h.retired {
			binary.LittleEndian.PutUint64(buf[o:], uint64(r.Addr))
			binary.LittleEndian.PutUint64(buf[o+8:], uint64(r.Layout.Size))
			binary.LittleEndian.PutUint64(buf[o+16:], uint64(r.Layout.Align))
			o += 24
		}
		block := snappy.Encode(nil, buf)
		n, err := fmt.Fprintf(out, "handle %d\nretired %d\nsize %d\n", i, len(h.retired), len(block))
		written += n
		if err != nil {
			return written, err
		}
		n, err = out.Write(block)
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

// ReadState parses a snapshot previously written with WriteState.
func ReadState(data io.Reader) (*State, error) {
	var (
		reader  = bufio.NewReader(data)
		state   = &State{Retired: make(map[int][]Retired)}
		handle  = -1
		retired = -1
		readBuf []byte
	)
	for {
		line, err := reader.ReadBytes('\n')
		if err == io.EOF && len(line) == 0 {
			return state, nil
		}
		if err != nil {
			return nil, errors.Wrap(err, "corrupted state")
		}
		// trim \n
		line = line[:len(line)-1]
		space := bytes.IndexByte(line, ' ')
		if space < 0 {
			return nil, errors.Newf("corrupted state, bad line %q", line)
		}
		v, err := strconv.Atoi(string(line[space+1:]))
		if err != nil {
			return nil, errors.Wrapf(err, "corrupted state, bad line %q", line)
		}
		if v < 0 {
			return nil, errors.Newf("corrupted state, negative value in line %q", line)
		}

		switch string(line[:space]) {
		case "threshold":
			state.Threshold = v
		case "slots":
			state.Slots = v
		case "handles":
			state.Handles = v
		case "handle":
			handle = v
		case "retired":
			if v > maxStateEntries {
				return nil, errors.Newf("corrupted state, %d retired blocks for handle %d", v, handle)
			}
			retired = v
		case "size":
			if handle < 0 || retired < 0 {
				return nil, errors.New("corrupted state, size header before handle")
			}
			if v > snappy.MaxEncodedLen(24*retired) {
				return nil, errors.Newf("corrupted state, block of %d bytes for %d retired blocks", v, retired)
			}
			if cap(readBuf) >= v {
				readBuf = readBuf[:v]
			} else {
				readBuf = make([]byte, v)
			}
			if _, err := io.ReadFull(reader, readBuf); err != nil {
				return nil, errors.Wrapf(err, "corrupted state, reading handle %d", handle)
			}
			if n, err := snappy.DecodedLen(readBuf); err != nil || n != 24*retired {
				return nil, errors.Newf("corrupted state, handle %d block does not hold %d retired blocks", handle, retired)
			}
			raw, err := snappy.Decode(nil, readBuf)
			if err != nil {
				return nil, errors.Wrapf(err, "corrupted state, decompressing handle %d", handle)
			}
			if len(raw)%24 != 0 || len(raw)/24 != retired {
				return nil, errors.Newf("corrupted state, handle %d has %d bytes for %d blocks", handle, len(raw), retired)
			}
			entries := make([]Retired, retired)
			for i := range entries {
				o := 24 * i
				entries[i] = Retired{
					Addr: uintptr(binary.LittleEndian.Uint64(raw[o:])),
					Layout: Layout{
						Size:  uintptr(binary.LittleEndian.Uint64(raw[o+8:])),
						Align: uintptr(binary.LittleEndian.Uint64(raw[o+16:])),
					},
				}
			}
			state.Retired[handle] = entries
			handle, retired = -1, -1
		default:
			return nil, errors.Newf("corrupted state, unknown key %q", line[:space])
		}
	}
}
