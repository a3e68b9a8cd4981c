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

	"github.com/blacktop/go-vmmem"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(checkCmd)
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Smoke test the memory manager against an in-process host",
	RunE: func(cmd *cobra.Command, args []string) error {
		good := color.New(color.FgGreen).SprintFunc()
		bad := color.New(color.FgRed).SprintFunc()

		step := func(name string, fn func() error) error {
			if err := fn(); err != nil {
				fmt.Printf("%s %s: %v\n", bad("FAIL"), name, err)
				return err
			}
			fmt.Printf("%s %s\n", good(" ok "), name)
			return nil
		}

		tb, err := newTestbed()
		if err != nil {
			return err
		}
		defer tb.Close()

		vm, err := tb.newVM("check", 1)
		if err != nil {
			return err
		}
		defer vm.Close()

		if err := step("zero-fill fault", func() error {
			mpn, err := vm.PageFault(0, false, vmmem.SourceMonitor)
			if err != nil {
				return err
			}
			data, release := tb.arena.Map(mpn)
			defer release()
			for _, b := range data {
				if b != 0 {
					return fmt.Errorf("fresh page not zeroed")
				}
			}
			return nil
		}); err != nil {
			return err
		}

		if err := step("content sharing", func() error {
			if err := fillPage(vm, tb.arena, 1, 0xAB); err != nil {
				return err
			}
			if err := fillPage(vm, tb.arena, 2, 0xAB); err != nil {
				return err
			}
			if _, err := vm.SharePage(1); err != nil {
				return err
			}
			shared, err := vm.SharePage(2)
			if err != nil {
				return err
			}
			if info, _ := vm.Query(1); info.MPN != shared {
				return fmt.Errorf("pages with identical contents not folded")
			}
			return nil
		}); err != nil {
			return err
		}

		if err := step("swap round trip", func() error {
			if err := fillPage(vm, tb.arena, 3, 0x5C); err != nil {
				return err
			}
			if n, err := vm.SwapOutPages(1); err != nil || n == 0 {
				return fmt.Errorf("swap-out failed (n=%d err=%v)", n, err)
			}
			return nil
		}); err != nil {
			return err
		}

		u := vm.Usage()
		fmt.Printf("usage: locked=%d shared=%d swapped=%d\n", u.Locked, u.Shared, u.Swapped)
		return nil
	},
}
