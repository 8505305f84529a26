package hazard

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/jayloop/table"
)

// Admin provides some debug and admin functions for use by a CLI or terminal.
// It takes a writer and a slice with the command and arguments.
func (p *Pointers) Admin(out io.Writer, argv []string) {
	if len(argv) == 0 {
		fmt.Fprint(out, "available commands for hazard pointers:\ninfo\nhandles\nhazards\n")
		return
	}
	if p.closed() {
		fmt.Fprint(out, "Domain is closed\n")
		return
	}
	switch argv[0] {
	case "info":
		t := table.New("NAME", "VALUE")
		stats := make(map[string]interface{})
		p.Stats(stats)
		for _, k := range []string{"record_bytes", "registry_bytes"} {
			stats[k] = humanize.IBytes(uint64(stats[k].(int)))
		}
		for k, v := range stats {
			t.Row(k, v)
		}
		t.Sort(0)
		t.Print(out)

	case "handles":
		type row struct {
			id      int
			active  bool
			hazards []string
		}
		var rows []row
		for it := p.reg.iterator(); it.Next(); {
			r := it.record()
			rw := row{id: int(r.id), active: r.active.Load() == 1}
			for i := 0; i < p.reg.slots; i++ {
				if v := r.slot(i).Load(); v != 0 {
					rw.hazards = append(rw.hazards, fmt.Sprintf("%d:%#x", i, v))
				}
			}
			rows = append(rows, rw)
		}
		sort.Slice(rows, func(i, j int) bool { return rows[i].id < rows[j].id })
		t := table.New("HANDLE", "STATUS", "PENDING", "HAZARDS")
		t.FormatHeader(table.Format(table.Yellow))
		for _, rw := range rows {
			status := "free"
			if rw.active {
				status = "acquired"
			}
			pending := int64(0)
			if h := p.handles[rw.id].Load(); h != nil {
				pending = h.pending.Load()
			}
			t.Row(rw.id, status, pending, strings.Join(rw.hazards, " "))
		}
		t.Print(out)

	case "hazards":
		n := 0
		for it := p.NewHazardIterator(); it.Next(); n++ {
			fmt.Fprintf(out, "handle %d slot %d: %#x\n", it.Handle(), it.Slot(), it.Value())
		}
		if n == 0 {
			fmt.Fprint(out, "No published hazards\n")
		}

	default:
		fmt.Fprintf(out, "Unknown command '%s'\n", argv[0])
	}
}
