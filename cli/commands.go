package main

import (
	"debug/elf"
	"fmt"
	"io"
	"os"

	"github.com/ianlancetaylor/demangle"
	"github.com/olekukonko/tablewriter"
	"github.com/sliverarmory/ldso"
	"github.com/sliverarmory/ldso/memmod"
	"github.com/spf13/cobra"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <shared object>",
	Short: "Print the program headers, mapping and dynamic section of a module",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		l, err := memmod.ParseLayout(f)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		printLayout(out, l)

		rt, opts, err := newRuntime()
		if err != nil {
			return err
		}
		handle, err := rt.LoadFile(args[0], opts)
		if err != nil {
			return err
		}
		defer handle.Close()

		printModule(out, handle)
		return nil
	},
}

var exportsCmd = &cobra.Command{
	Use:   "exports <shared object>",
	Short: "List the symbols a module defines",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return listSymbols(cmd.OutOrStdout(), args[0], (*ldso.Handle).Exports)
	},
}

var importsCmd = &cobra.Command{
	Use:   "imports <shared object>",
	Short: "List the symbols a module expects from other modules",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return listSymbols(cmd.OutOrStdout(), args[0], (*ldso.Handle).Imports)
	},
}

var loadCmd = &cobra.Command{
	Use:   "load <shared object>...",
	Short: "Load modules in order, binding each against those before it",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, opts, err := newRuntime()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for i, path := range args {
			if i > 0 {
				// Only the first module honours --base.
				opts.Base = memmod.BaseStrategy{}
			}
			handle, err := rt.LoadFile(path, opts)
			if err != nil {
				return err
			}
			defer handle.Close()
			printModule(out, handle)
		}

		for _, name := range resolveNames {
			addr, ok := rt.Resolve(name)
			if !ok {
				fmt.Fprintf(out, "%s: unresolved\n", name)
				continue
			}
			fmt.Fprintf(out, "%s = %#x\n", name, addr)
		}
		return nil
	},
}

var resolveNames []string

func init() {
	loadCmd.Flags().StringSliceVar(&resolveNames, "resolve", nil, "Symbol names to resolve once every module is loaded")
	rootCmd.AddCommand(inspectCmd, exportsCmd, importsCmd, loadCmd)
}

func printLayout(w io.Writer, l *memmod.Layout) {
	fmt.Fprintf(w, "class:     %v\n", l.Header.Class)
	fmt.Fprintf(w, "data:      %v\n", l.Header.Data)
	fmt.Fprintf(w, "machine:   %v\n", l.Header.Machine)
	fmt.Fprintf(w, "type:      %v\n", l.Header.Type)
	fmt.Fprintf(w, "entry:     %#x\n", l.Header.Entry)
	fmt.Fprintf(w, "preferred: %#x\n", l.PreferredBase)
	fmt.Fprintf(w, "size:      %#x\n", l.ImageSize())
	if l.Interp != "" {
		fmt.Fprintf(w, "interp:    %s\n", l.Interp)
	}

	fmt.Fprintln(w)
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Type", "Offset", "VAddr", "FileSz", "MemSz", "Flags", "Align"})
	for _, p := range l.Progs {
		table.Append([]string{
			p.Type.String(),
			hexString(p.Off),
			hexString(p.Vaddr),
			hexString(p.Filesz),
			hexString(p.Memsz),
			p.Flags.String(),
			hexString(p.Align),
		})
	}
	table.Render()
	fmt.Fprintln(w)
}

func printModule(w io.Writer, handle *ldso.Handle) {
	m := handle.Module()
	dyn := m.Dynamic()

	fmt.Fprintf(w, "%s: [%#x, %#x) delta=%#x hash=%s relocated=%t\n", m.Name(), m.Base(), m.End(), m.Delta(), orNone(m.HashKind()), m.Relocated())
	for _, s := range m.Segments() {
		fmt.Fprintf(w, "  segment [%#x, %#x) %v\n", s.Start, s.End, s.Prot)
	}
	if dyn.Soname != "" {
		fmt.Fprintf(w, "  soname  %s\n", dyn.Soname)
	}
	for _, n := range dyn.Needed {
		fmt.Fprintf(w, "  needed  %s\n", n)
	}
	if dyn.Runpath != "" {
		fmt.Fprintf(w, "  runpath %s\n", dyn.Runpath)
	}
	if dyn.Rpath != "" {
		fmt.Fprintf(w, "  rpath   %s\n", dyn.Rpath)
	}
	if t, ok := m.TLS(); ok {
		fmt.Fprintf(w, "  tls     module=%d offset=%#x size=%#x align=%#x\n", t.ModuleID, t.Offset, t.BlockSize, t.Align)
	}
	if err := handle.Diagnostics(); err != nil {
		fmt.Fprintf(w, "  %v\n", err)
	}
}

func listSymbols(w io.Writer, path string, list func(*ldso.Handle) ([]memmod.Symbol, error)) error {
	rt, opts, err := newRuntime()
	if err != nil {
		return err
	}
	handle, err := rt.LoadFile(path, opts)
	if err != nil {
		return err
	}
	defer handle.Close()

	syms, err := list(handle)
	if err != nil {
		return err
	}
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Address", "Type", "Bind", "Name"})
	for _, sym := range syms {
		name := sym.Name
		if demangled {
			name = demangle.Filter(name)
		}
		addr := sym.Addr
		if sym.IsImport() {
			addr = 0
		}
		table.Append([]string{fmt.Sprintf("%#016x", addr), symType(sym.Type()), symBind(sym.Bind()), name})
	}
	table.Render()
	return nil
}

func hexString(v uint64) string {
	return fmt.Sprintf("%#x", v)
}

func symType(t elf.SymType) string {
	switch t {
	case elf.STT_FUNC:
		return "FUNC"
	case elf.STT_OBJECT:
		return "OBJECT"
	case elf.STT_TLS:
		return "TLS"
	case elf.STT_GNU_IFUNC:
		return "IFUNC"
	case elf.STT_NOTYPE:
		return "NOTYPE"
	}
	return t.String()
}

func symBind(b elf.SymBind) string {
	switch b {
	case elf.STB_GLOBAL:
		return "GLOBAL"
	case elf.STB_WEAK:
		return "WEAK"
	case elf.STB_LOCAL:
		return "LOCAL"
	}
	return b.String()
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
