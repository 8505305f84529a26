// Command hazardctl is an interactive console for exercising and inspecting a hazard pointer domain.
// It stresses a lock-free stack with concurrent goroutines and prints the domain stats and hazards.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chzyer/readline"
	"github.com/cloudfoundry/gosigar"
	humanize "github.com/dustin/go-humanize"

	"github.com/jayloop/hazard"
	"github.com/jayloop/hazard/lfstack"
)

var options struct {
	threshold int
	handles   int
	slots     int
	arena     int
	verbose   bool
}

func argParse() {
	flag.IntVar(&options.threshold, "threshold", 64,
		"retirements between two reclamation passes of a handle")
	flag.IntVar(&options.handles, "handles", 2*runtime.NumCPU(),
		"maximum number of handles acquired at the same time")
	flag.IntVar(&options.slots, "slots", 2,
		"hazard slots per handle")
	flag.IntVar(&options.arena, "arena", 0,
		"allocate stack nodes from an arena with this many slots, 0 uses the heap")
	flag.BoolVar(&options.verbose, "v", false,
		"log reclamation passes")
	flag.Parse()
}

type console struct {
	hp    *hazard.Pointers
	arena *hazard.ArenaMemory
	stack *lfstack.Stack
	out   io.Writer
}

func main() {
	argParse()
	if options.verbose {
		hazard.LogComponents("all")
	}

	c := &console{out: os.Stdout}
	var mem hazard.Memory
	if options.arena > 0 {
		arena, err := hazard.NewArenaMemory(lfstack.NodeLayout.Size, 0, options.arena)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		c.arena, mem = arena, arena
	}
	hp, err := hazard.NewPointers(options.threshold, &hazard.Options{
		MaxHandles:     options.handles,
		SlotsPerHandle: options.slots,
		Memory:         mem,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	c.hp = hp
	c.stack = lfstack.New(hp, nil)

	rl, err := readline.NewEx(&readline.Config{
		Prompt: "hazard> ",
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem("stress"),
			readline.PcItem("admin",
				readline.PcItem("info"),
				readline.PcItem("handles"),
				readline.PcItem("hazards"),
			),
			readline.PcItem("mem"),
			readline.PcItem("dump"),
			readline.PcItem("inspect"),
			readline.PcItem("help"),
			readline.PcItem("quit"),
		),
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				break
			}
			continue
		} else if err == io.EOF {
			break
		}
		argv := strings.Fields(line)
		if len(argv) == 0 {
			continue
		}
		if argv[0] == "quit" || argv[0] == "exit" {
			break
		}
		c.run(argv)
	}
	c.close()
}

func (c *console) run(argv []string) {
	switch argv[0] {
	case "help":
		fmt.Fprint(c.out, `commands:
  stress [goroutines] [ops]   push and pop concurrently on the stack
  admin [info|handles|hazards]
  mem                         process and system memory
  dump <file>                 write the domain state
  inspect <file>              read a state file
  quit
`)
	case "stress":
		goroutines, ops := runtime.NumCPU(), 100000
		if len(argv) > 1 {
			goroutines, _ = strconv.Atoi(argv[1])
		}
		if len(argv) > 2 {
			ops, _ = strconv.Atoi(argv[2])
		}
		c.stress(goroutines, ops)
	case "admin":
		c.hp.Admin(c.out, argv[1:])
	case "mem":
		c.mem()
	case "dump":
		if len(argv) < 2 {
			fmt.Fprintln(c.out, "usage: dump <file>")
			return
		}
		c.dump(argv[1])
	case "inspect":
		if len(argv) < 2 {
			fmt.Fprintln(c.out, "usage: inspect <file>")
			return
		}
		c.inspect(argv[1])
	default:
		fmt.Fprintf(c.out, "Unknown command '%s', try help\n", argv[0])
	}
}

func (c *console) stress(goroutines, ops int) {
	if goroutines <= 0 || ops <= 0 {
		fmt.Fprintln(c.out, "goroutines and ops must be positive")
		return
	}
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed error
		perG   = ops / goroutines
	)
	start := time.Now()
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			err := c.hp.Do(func(h *hazard.Handle) error {
				for i := 0; i < perG; i++ {
					if i%2 == 0 {
						if err := c.stack.Push(h, uint64(g*perG+i)); err != nil {
							return err
						}
						continue
					}
					if _, _, err := c.stack.Pop(h); err != nil {
						return err
					}
				}
				return nil
			})
			if err != nil {
				mu.Lock()
				if failed == nil {
					failed = err
				}
				mu.Unlock()
			}
		}(g)
	}
	wg.Wait()
	elapsed := time.Since(start)
	if failed != nil {
		fmt.Fprintf(c.out, "stress failed: %v\n", failed)
	}
	total := uint64(perG * goroutines)
	fmt.Fprintf(c.out, "%s ops by %d goroutines in %v (%s ops/s), stack length %s\n",
		humanize.Comma(int64(total)), goroutines, elapsed.Round(time.Millisecond),
		humanize.Comma(int64(float64(total)/elapsed.Seconds())), humanize.Comma(int64(c.stack.Len())))
	c.hp.Admin(c.out, []string{"info"})
}

func (c *console) mem() {
	pm := sigar.ProcMem{}
	if err := pm.Get(os.Getpid()); err != nil {
		fmt.Fprintf(c.out, "process memory: %v\n", err)
	} else {
		fmt.Fprintf(c.out, "process: size %s, resident %s, shared %s\n",
			humanize.IBytes(pm.Size), humanize.IBytes(pm.Resident), humanize.IBytes(pm.Share))
	}
	sm := sigar.Mem{}
	if err := sm.Get(); err == nil {
		fmt.Fprintf(c.out, "system: total %s, used %s, free %s\n",
			humanize.IBytes(sm.Total), humanize.IBytes(sm.Used), humanize.IBytes(sm.Free))
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	fmt.Fprintf(c.out, "go heap: in use %s, objects %s\n",
		humanize.IBytes(ms.HeapInuse), humanize.Comma(int64(ms.HeapObjects)))
	if c.arena != nil {
		fmt.Fprintf(c.out, "arena: %d of %d slots allocated, %s mapped\n",
			c.arena.Allocated(), c.arena.Capacity(), humanize.IBytes(uint64(c.arena.Mapped())))
	} else if heap, ok := c.hp.Memory().(*hazard.HeapMemory); ok {
		blocks, bytes := heap.Live()
		fmt.Fprintf(c.out, "heap backend: %s blocks, %s\n", humanize.Comma(int64(blocks)), humanize.IBytes(uint64(bytes)))
	}
}

func (c *console) dump(path string) {
	f, err := os.Create(path)
	if err != nil {
		fmt.Fprintln(c.out, err)
		return
	}
	defer f.Close()
	n, err := c.hp.WriteState(f)
	if err != nil {
		fmt.Fprintf(c.out, "dump failed: %v\n", err)
		return
	}
	fmt.Fprintf(c.out, "%s written to %s\n", humanize.IBytes(uint64(n)), path)
}

func (c *console) inspect(path string) {
	f, err := os.Open(path)
	if err != nil {
		fmt.Fprintln(c.out, err)
		return
	}
	defer f.Close()
	state, err := hazard.ReadState(f)
	if err != nil {
		fmt.Fprintln(c.out, err)
		return
	}
	fmt.Fprintf(c.out, "threshold %d, %d slots per handle, %d handles\n", state.Threshold, state.Slots, state.Handles)
	for id := 0; id < state.Handles; id++ {
		retired, ok := state.Retired[id]
		if !ok {
			continue
		}
		var bytes uint64
		for _, r := range retired {
			bytes += uint64(r.Layout.Size)
		}
		fmt.Fprintf(c.out, "handle %d: %d retired blocks, %s\n", id, len(retired), humanize.IBytes(bytes))
	}
}

func (c *console) close() {
	if err := c.hp.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "close: %v\n", err)
	}
	if c.arena != nil {
		c.arena.Close()
	}
}
