// Kettle CLI - drives the memory core with a multi-threaded allocation
// workload and reports allocator and collector statistics
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"
	"golang.org/x/sync/errgroup"

	"github.com/chazu/kettle/manifest"
	"github.com/chazu/kettle/vm"
	"github.com/chazu/kettle/vm/heapdump"
	"github.com/chazu/kettle/vm/memory"
)

var log = commonlog.GetLogger("kettle")

func main() {
	configDir := flag.String("config", ".", "Directory to search upwards for kettle.toml")
	verbose := flag.Bool("v", false, "Verbose output")
	threads := flag.Int("threads", 4, "Number of mutator threads")
	objects := flag.Int("objects", 1000, "Objects each thread keeps reachable per cycle")
	cycles := flag.Int("cycles", 3, "Allocation rounds per thread, each ending in a collection")
	dump := flag.Bool("dump", false, "Save a heap snapshot after the workload")
	list := flag.Bool("list", false, "List saved heap snapshots and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: kettle [options]\n\n")
		fmt.Fprintf(os.Stderr, "Runs an allocation workload against the VM memory core.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  kettle -threads 8 -objects 10000   # Bigger workload\n")
		fmt.Fprintf(os.Stderr, "  kettle -dump                       # Save a snapshot to the dump database\n")
		fmt.Fprintf(os.Stderr, "  kettle -list                       # Show saved snapshots\n")
	}
	flag.Parse()

	verbosity := 0
	if *verbose {
		verbosity = 2
	}
	commonlog.Configure(verbosity, nil)

	m, err := manifest.FindAndLoad(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if m == nil {
		m = manifest.Default()
	} else if *verbose {
		fmt.Printf("Loaded %s from %s\n", manifest.FileName, m.Dir)
	}

	if *list {
		if err := listSnapshots(m.DatabasePath()); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if *threads < 1 || *objects < 1 || *cycles < 1 {
		fmt.Fprintf(os.Stderr, "Error: -threads, -objects and -cycles must be positive\n")
		os.Exit(2)
	}

	v, err := vm.NewVM(m.VMConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer v.Shutdown()

	if err := runWorkload(v, *threads, *objects, *cycles); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	printStats(v)

	if *dump {
		if err := saveSnapshot(v, m.DatabasePath()); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}
}

// ---------------------------------------------------------------------------
// Workload
// ---------------------------------------------------------------------------

func runWorkload(v *vm.VM, threads, objects, cycles int) error {
	node, err := v.DefineClass(vm.NewClassBuilder("kettle/Node", v.ObjectClass).
		Field("next", vm.TypeReference).
		Field("value", vm.TypeLong).
		Build(), vm.BootstrapLoader)
	if err != nil {
		return err
	}

	var g errgroup.Group
	for i := 0; i < threads; i++ {
		i := i
		g.Go(func() error {
			return runWorker(v, node, i, objects, cycles)
		})
	}
	return g.Wait()
}

// runWorker builds a linked list of objects nodes per cycle, allocating one
// unreachable node for every reachable one, then collects.
func runWorker(v *vm.VM, node *vm.Class, id, objects, cycles int) (err error) {
	th, err := v.NewThread(fmt.Sprintf("worker-%d", id))
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: %w", th.Name(), memory.RecoverFault(r))
			log.Errorf("%s", err)
			retireFaulted(v, th)
			return
		}
		th.Exit()
	}()

	locals, err := th.Storage().NewLocals(1)
	if err != nil {
		return err
	}
	defer locals.Free()

	nextField, _ := node.FieldOffset("next")
	valueField, _ := node.FieldOffset("value")
	next := v.Model.FieldOffset(nextField)
	value := v.Model.FieldOffset(valueField)

	for c := 0; c < cycles; c++ {
		locals.SetRef(0, vm.Null)
		for n := 0; n < objects; n++ {
			kept, err := v.Model.NewInstance(node)
			if err != nil {
				return err
			}
			v.Model.WriteValue(kept, value, vm.LongValue(int64(n)))
			v.Model.WriteReference(kept, next, locals.Ref(0))
			locals.SetRef(0, kept)

			if _, err := v.Model.NewInstance(node); err != nil {
				return err
			}
			if n%64 == 0 {
				th.Poll()
			}
		}

		stats, err := v.Collect(th)
		if err != nil {
			return err
		}
		log.Infof("%s cycle %d: freed %d objects", th.Name(), c, stats.Freed)

		if got := listLength(v, locals.Ref(0), next); got != objects {
			return fmt.Errorf("%s: list has %d nodes after collection, want %d", th.Name(), got, objects)
		}
	}
	return nil
}

// retireFaulted detaches a thread that died on a fault and releases its
// arena, whatever frames it still had live.
func retireFaulted(v *vm.VM, th *vm.Thread) {
	v.Threads.Detach(th)
	if st := th.Storage(); st != nil {
		st.Discard()
	}
}

func listLength(v *vm.VM, head vm.Object, next int) int {
	n := 0
	for o := head; !vm.IsNull(o); o = v.Model.ReadReference(o, next) {
		n++
	}
	return n
}

// ---------------------------------------------------------------------------
// Reporting
// ---------------------------------------------------------------------------

func printStats(v *vm.VM) {
	as := v.Allocator.Stats()
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "collector\t%s\n", v.Collector.Name())
	fmt.Fprintf(w, "live objects\t%d\n", v.Model.Objects().Len())
	fmt.Fprintf(w, "heap blocks\t%d (%d bytes)\n", as.HeapBlocks, as.HeapBytes)
	fmt.Fprintf(w, "direct blocks\t%d (%d bytes)\n", as.DirectBlocks, as.DirectBytes)
	fmt.Fprintf(w, "allocations\t%d\n", as.Allocs)
	fmt.Fprintf(w, "frees\t%d\n", as.Frees)
	if ms, ok := v.Collector.(*vm.MarkSweep); ok {
		fmt.Fprintf(w, "gc cycles\t%d\n", ms.Cycles())
		if last := ms.LastStats(); last != nil {
			fmt.Fprintf(w, "last cycle\t%s: freed %d, live %d, pause %s\n", last.Cycle, last.Freed, last.Live, last.Pause)
		}
	}
	w.Flush()
}

func saveSnapshot(v *vm.VM, path string) error {
	store, err := heapdump.Open(path)
	if err != nil {
		return err
	}
	defer store.Close()

	snap := heapdump.Capture(v)
	if err := store.Save(snap); err != nil {
		return err
	}
	fmt.Printf("Saved snapshot %s (%d objects, %d bytes) to %s\n", snap.ID, len(snap.Objects), snap.Bytes(), path)
	return nil
}

func listSnapshots(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		fmt.Println("No snapshots.")
		return nil
	}
	store, err := heapdump.Open(path)
	if err != nil {
		return err
	}
	defer store.Close()

	sums, err := store.List()
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "ID\tTAKEN\tCOLLECTOR\tOBJECTS\tHEAP\n")
	for _, s := range sums {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", s.ID, s.TakenAt.Format("2006-01-02 15:04:05"), s.Collector, s.Objects, manifest.Size(s.HeapBytes))
	}
	return w.Flush()
}
