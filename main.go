// Command tam runs a Triangle Abstract Machine program: a flat file of
// big-endian 32-bit instruction words produced by a Triangle compiler or
// hand-assembled test fixture.
package main

import (
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"tam/vm"
)

func main() {
	var trace bool

	root := &cobra.Command{
		Use:          "tam <prog_file>",
		Short:        "Triangle Abstract Machine emulator",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(args[0], trace)
		},
	}
	root.Flags().BoolVarP(&trace, "trace", "t", false, "print each instruction as it is executed")

	if err := root.Execute(); err != nil {
		logrus.WithError(err).Error("tam: program did not finish cleanly")
		os.Exit(1)
	}
}

// run reads the program file, constructs a VM, and drives it to
// completion. It is the only place outside the vm package that touches
// the filesystem — the VM itself only ever consumes a byte buffer.
func run(progFile string, trace bool) error {
	code, err := os.ReadFile(progFile)
	if err != nil {
		return errors.Wrapf(vm.ErrIO, "reading %s: %v", progFile, err)
	}

	var sink vm.TraceSink
	if trace {
		sink = vm.NewWriterTraceSink(os.Stdout)
	}

	machine := vm.New(sink)
	if err := machine.SetProgram(code); err != nil {
		return errors.Wrapf(err, "loading %s", progFile)
	}

	for {
		running, err := machine.Step()
		if err != nil {
			return errors.Wrapf(err, "at cp=%d", machine.Register(vm.CP))
		}
		if !running {
			return nil
		}
	}
}
