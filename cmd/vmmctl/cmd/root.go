/*
Copyright © 2025 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/blacktop/go-vmmem"
	"github.com/spf13/cobra"
)

var (
	hostPages  uint32
	guestPages uint32
	swapSlots  uint32
)

var rootCmd = &cobra.Command{
	Use:   "vmmctl",
	Short: "Exercise and inspect the guest memory manager",
	Long: `vmmctl builds an in-process host arena, swap file, and sharing table,
then runs guest memory workloads against them. Useful for smoke testing
and for watching paging, sharing, and checkpoint behavior.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().Uint32Var(&hostPages, "host-pages", 4096, "machine pages in the host arena")
	rootCmd.PersistentFlags().Uint32Var(&guestPages, "guest-pages", 1024, "guest physical pages per VM")
	rootCmd.PersistentFlags().Uint32Var(&swapSlots, "swap-slots", 1024, "slots in the swap file")
}

// testbed bundles the shared services a workload runs against.
type testbed struct {
	arena *vmmem.HostArena
	swap  *vmmem.FileSwapEngine
	table *vmmem.PageShareTable
	dir   string
}

func newTestbed() (*testbed, error) {
	arena, err := vmmem.NewHostArena(vmmem.ArenaConfig{NumPages: hostPages})
	if err != nil {
		return nil, err
	}
	dir, err := os.MkdirTemp("", "vmmctl")
	if err != nil {
		arena.Close()
		return nil, err
	}
	swap, err := vmmem.NewFileSwapEngine(filepath.Join(dir, "guest.swp"), swapSlots, arena)
	if err != nil {
		arena.Close()
		os.RemoveAll(dir)
		return nil, err
	}
	return &testbed{
		arena: arena,
		swap:  swap,
		table: vmmem.NewPageShareTable(arena, 0),
		dir:   dir,
	}, nil
}

func (tb *testbed) newVM(name string, id vmmem.VMID) (*vmmem.VM, error) {
	return vmmem.NewVM(vmmem.Config{
		ID:           id,
		Name:         name,
		NumPhysPages: guestPages,
		Allocator:    tb.arena,
		Mapper:       tb.arena,
		Sharing:      tb.table,
		Swap:         tb.swap,
	})
}

func (tb *testbed) Close() {
	tb.swap.Close()
	tb.arena.Close()
	os.RemoveAll(tb.dir)
}

func fillPage(vm *vmmem.VM, arena *vmmem.HostArena, ppn vmmem.PPN, pattern byte) error {
	mpn, err := vm.PageFault(ppn, true, vmmem.SourceMonitor)
	if err != nil {
		return fmt.Errorf("fault ppn %#x: %w", ppn, err)
	}
	data, release := arena.Map(mpn)
	for i := range data {
		data[i] = pattern
	}
	release()
	return nil
}
