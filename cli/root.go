package main

import (
	"debug/elf"
	"fmt"
	"os"
	"strconv"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/sliverarmory/ldso"
	"github.com/sliverarmory/ldso/memmod"
	"github.com/spf13/cobra"
	"github.com/xyproto/env/v2"
)

var (
	logLevel    string
	baseAddr    string
	separateBSS bool
	native      bool
	demangled   bool
)

var rootCmd = &cobra.Command{
	Use:          "ldso",
	Short:        "Map, relocate and inspect ELF shared objects without the system loader",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", env.Str("LDSO_LOG_LEVEL", "info"), "Log level: debug, info, warn or error")
	rootCmd.PersistentFlags().StringVar(&baseAddr, "base", env.Str("LDSO_BASE"), "Fixed load base for the first module (hex or decimal)")
	rootCmd.PersistentFlags().BoolVar(&separateBSS, "separate-bss", env.Bool("LDSO_SEPARATE_BSS"), "Reserve a guard page after each image")
	rootCmd.PersistentFlags().BoolVar(&native, "native", false, "Map into this process instead of a simulated address space")
	rootCmd.PersistentFlags().BoolVar(&demangled, "demangle", false, "Demangle C++ and Rust symbol names")
}

func newLogger() log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	switch logLevel {
	case "debug":
		return level.NewFilter(logger, level.AllowDebug())
	case "warn":
		return level.NewFilter(logger, level.AllowWarn())
	case "error":
		return level.NewFilter(logger, level.AllowError())
	default:
		return level.NewFilter(logger, level.AllowInfo())
	}
}

// newRuntime builds the runtime and load options shared by every command.
func newRuntime() (*ldso.Runtime, memmod.Options, error) {
	logger := newLogger()
	opts := ldso.DefaultOptions()
	opts.Logger = logger
	opts.Map.SeparateBSS = separateBSS
	if baseAddr != "" {
		v, err := strconv.ParseUint(baseAddr, 0, 64)
		if err != nil {
			return nil, opts, fmt.Errorf("parse --base: %w", err)
		}
		opts.Base = memmod.BaseStrategy{Addr: v, Fixed: true}
	}

	if !native {
		// Resolvers are not run in a simulated address space; an IFUNC
		// binds to its resolver's address.
		opts.Executor = memmod.ExecutorFunc(func(fn uint64) (uint64, error) { return fn, nil })
		return ldso.NewSimulated(logger), opts, nil
	}

	rt, err := ldso.NewNative(logger)
	if err != nil {
		return nil, opts, err
	}
	host, err := memmod.HostMachine()
	if err != nil {
		return nil, opts, err
	}
	opts.Machines = []elf.Machine{host}
	opts.Executor = memmod.NativeExecutor{}
	return rt, opts, nil
}
