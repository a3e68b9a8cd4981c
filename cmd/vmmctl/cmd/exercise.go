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
	"encoding/json"
	"fmt"
	"os"

	"github.com/blacktop/go-vmmem"
	"github.com/spf13/cobra"
)

var (
	exerciseTouch uint32
	exerciseSwap  uint32
	exerciseJSON  bool
)

func init() {
	exerciseCmd.Flags().Uint32Var(&exerciseTouch, "touch", 256, "guest pages to dirty")
	exerciseCmd.Flags().Uint32Var(&exerciseSwap, "swap", 64, "pages to swap out and fault back")
	exerciseCmd.Flags().BoolVar(&exerciseJSON, "json", false, "print metrics as JSON")
	rootCmd.AddCommand(exerciseCmd)
}

var exerciseCmd = &cobra.Command{
	Use:   "exercise",
	Short: "Run a paging and sharing workload and report metrics",
	Long: `Run two guests against shared host services: dirty pages with a mix
of unique and duplicate contents, fold the duplicates through the
sharing table, push pages through the swap file, and fault everything
back in, verifying contents along the way.`,
	RunE: runExercise,
}

func runExercise(cmd *cobra.Command, args []string) error {
	vmmem.ResetMetrics()

	tb, err := newTestbed()
	if err != nil {
		return err
	}
	defer tb.Close()

	vmA, err := tb.newVM("guest-a", 1)
	if err != nil {
		return err
	}
	defer vmA.Close()
	vmB, err := tb.newVM("guest-b", 2)
	if err != nil {
		return err
	}
	defer vmB.Close()

	touch := exerciseTouch
	if touch > vmA.NumPhysPages() {
		touch = vmA.NumPhysPages()
	}

	// half duplicates across the two guests, half unique to each
	for i := uint32(0); i < touch; i++ {
		ppn := vmmem.PPN(i)
		if err := fillPage(vmA, tb.arena, ppn, byte(i%8)); err != nil {
			return err
		}
		if err := fillPage(vmB, tb.arena, ppn, byte(i%16)); err != nil {
			return err
		}
	}
	for _, vm := range []*vmmem.VM{vmA, vmB} {
		for i := uint32(0); i < touch; i++ {
			if _, err := vm.SharePage(vmmem.PPN(i)); err != nil &&
				err != vmmem.ErrExists && err != vmmem.ErrNotFound {
				return fmt.Errorf("share: %w", err)
			}
		}
	}

	if _, err := vmA.SwapOutPages(exerciseSwap); err != nil && err != vmmem.ErrNoResources {
		return fmt.Errorf("swap out: %w", err)
	}

	// fault everything back, breaking shares with writes
	for i := uint32(0); i < touch; i++ {
		mpn, err := vmA.PageFault(vmmem.PPN(i), true, vmmem.SourceMonitor)
		if err != nil {
			return fmt.Errorf("fault back ppn %#x: %w", i, err)
		}
		data, release := tb.arena.Map(mpn)
		ok := data[0] == byte(i%8)
		release()
		if !ok {
			return fmt.Errorf("ppn %#x contents corrupted", i)
		}
	}

	ua, ub := vmA.Usage(), vmB.Usage()
	fmt.Printf("guest-a: locked=%d shared=%d swapped=%d overhead=%d\n",
		ua.Locked, ua.Shared, ua.Swapped, ua.Overhead)
	fmt.Printf("guest-b: locked=%d shared=%d swapped=%d overhead=%d\n",
		ub.Locked, ub.Shared, ub.Swapped, ub.Overhead)
	fmt.Printf("share table: %d entries, %d hints\n", tb.table.EntryCount(), tb.table.HintCount())

	m := vmmem.GetMetrics()
	if exerciseJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(m)
	}
	fmt.Printf("metrics: faults=%d zerofills=%d shares=%d copies=%d swapouts=%d swapins=%d collisions=%d\n",
		m.Faults, m.ZeroFills, m.COWShares, m.COWCopies, m.SwapOuts, m.SwapIns, m.Collisions)
	return nil
}
