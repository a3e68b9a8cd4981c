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

	"github.com/blacktop/go-vmmem"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var checkpointOut string

func init() {
	checkpointCmd.Flags().StringVarP(&checkpointOut, "output", "o", "", "keep the checkpoint image at this path")
	rootCmd.AddCommand(checkpointCmd)
}

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Save a guest image and restore it into a second VM",
	RunE: func(cmd *cobra.Command, args []string) error {
		tb, err := newTestbed()
		if err != nil {
			return err
		}
		defer tb.Close()

		src, err := tb.newVM("cpt-src", 1)
		if err != nil {
			return err
		}
		defer src.Close()

		// a recognizable image: pattern pages plus some swapped ones
		for i := uint32(0); i < 32; i++ {
			if err := fillPage(src, tb.arena, vmmem.PPN(i), byte(i+1)); err != nil {
				return err
			}
		}
		if _, err := src.SwapOutPages(8); err != nil {
			return err
		}

		path := checkpointOut
		if path == "" {
			f, err := os.CreateTemp(tb.dir, "image")
			if err != nil {
				return err
			}
			path = f.Name()
			f.Close()
		}

		if err := src.CheckpointStart(); err != nil {
			return err
		}
		img, err := os.Create(path)
		if err != nil {
			return err
		}
		if err := src.CheckpointSave(img); err != nil {
			img.Close()
			return err
		}
		img.Close()
		if err := src.CheckpointStop(); err != nil {
			return err
		}

		dst, err := tb.newVM("cpt-dst", 2)
		if err != nil {
			return err
		}
		defer dst.Close()

		img, err = os.Open(path)
		if err != nil {
			return err
		}
		defer img.Close()
		if err := dst.CheckpointRestore(img); err != nil {
			return err
		}

		for i := uint32(0); i < 32; i++ {
			mpn, err := dst.PageFault(vmmem.PPN(i), false, vmmem.SourceMonitor)
			if err != nil {
				return err
			}
			data, release := tb.arena.Map(mpn)
			ok := data[0] == byte(i+1)
			release()
			if !ok {
				return fmt.Errorf("restored ppn %#x does not match saved image", i)
			}
		}

		color.Green("checkpoint round trip verified (%d pages, image %s)", dst.NumPhysPages(), path)
		return nil
	},
}
