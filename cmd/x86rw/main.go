package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/oisee/x86rewrite/pkg/config"
	"github.com/oisee/x86rewrite/pkg/rewriter"
	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "x86rw",
		Short: "x86-64 dynamic binary rewriter — runtime partial evaluation over a live process image",
	}

	rootCmd.AddCommand(newRewriteCmd(), newEmulateCmd(), newDecodePrintCmd(), newSetCapacityCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// common flags shared by rewrite/emulate: entry address and parameter
// capture states, per spec.md §6's par_state/par_name knob.
type commonFlags struct {
	entry       string
	paramsStr   string
	forceUnk    bool
	maxRecDepth int
}

func (f *commonFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.entry, "entry", "", "function entry address, hex (e.g. 0x401000)")
	cmd.Flags().StringVar(&f.paramsStr, "params", "", "comma-separated param values; prefix with ! to mark DYNAMIC (e.g. 3,!0,7)")
	cmd.Flags().BoolVar(&f.forceUnk, "force-unknown", false, "treat every param beyond --params as DYNAMIC instead of DEAD")
	cmd.Flags().IntVar(&f.maxRecDepth, "max-rec-depth", 0, "recorded as Config.MaxRecDepth (not read: CALL inlining depth is fixed at emu.MaxCallDepth)")
	cmd.MarkFlagRequired("entry")
}

func (f *commonFlags) build() (*rewriter.Rewriter, []uint64, error) {
	entry, err := parseHexAddr(f.entry)
	if err != nil {
		return nil, nil, fmt.Errorf("--entry: %w", err)
	}

	par, states, err := parseParams(f.paramsStr)
	if err != nil {
		return nil, nil, fmt.Errorf("--params: %w", err)
	}

	r := rewriter.NewRewriter()
	r.SetFunction(uintptr(entry))
	r.Config.ForceUnknown = f.forceUnk
	r.Config.Params = states
	if f.maxRecDepth > 0 {
		r.Config.MaxRecDepth = f.maxRecDepth
	}
	// makeDynamic/makeStatic intrinsics are bound to real symbol
	// addresses by an embedder that links against this package, not by
	// this CLI — it has no way to know where they live in a given
	// target binary.
	return r, par, nil
}

func newRewriteCmd() *cobra.Command {
	var cf commonFlags
	var returnOriginal bool
	var branchesKnown bool
	var verboseDecode, verboseEmuState, verboseEmuSteps, optVerbose bool
	var decodeCap, captureCap, codeCap int

	cmd := &cobra.Command{
		Use:   "rewrite",
		Short: "capture and relayout a function against the given parameters",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, par, err := cf.build()
			if err != nil {
				return err
			}
			defer r.Free()

			r.Config.ReturnOriginalOnFailure = returnOriginal
			r.Config.BranchesKnown = branchesKnown
			r.Verbose(verboseDecode, verboseEmuState, verboseEmuSteps)
			r.OptVerbose(optVerbose)
			if decodeCap > 0 || captureCap > 0 || codeCap > 0 {
				applyCapacity(r, decodeCap, captureCap, codeCap)
			}

			addr := r.Rewrite(par...)
			if addr == 0 {
				return fmt.Errorf("rewrite failed")
			}
			fmt.Printf("generated function at %#x (%d bytes)\n", addr, r.GeneratedSize())
			return nil
		},
	}
	cf.register(cmd)
	cmd.Flags().BoolVar(&returnOriginal, "return-original-on-failure", false, "fall back to the original entry address instead of 0")
	cmd.Flags().BoolVar(&branchesKnown, "branches-known", false, "recorded as Config.BranchesKnown (not read: an unresolved Jcc always forks)")
	cmd.Flags().BoolVar(&verboseDecode, "verbose-decode", false, "trace decoding/capture progress")
	cmd.Flags().BoolVar(&verboseEmuState, "verbose-emu-state", false, "trace entry-state construction")
	cmd.Flags().BoolVar(&verboseEmuSteps, "verbose-emu-steps", false, "no effect on rewrite: only emulate prints the per-instruction trace")
	cmd.Flags().BoolVar(&optVerbose, "opt-verbose", false, "no effect: layout prints no placement trace")
	cmd.Flags().IntVar(&decodeCap, "decode-cap", 0, "override decode instruction capacity (0 = default)")
	cmd.Flags().IntVar(&captureCap, "capture-cap", 0, "override capture CBB capacity (0 = default)")
	cmd.Flags().IntVar(&codeCap, "code-cap", 0, "override generated-code arena size in bytes (0 = default)")
	return cmd
}

func newEmulateCmd() *cobra.Command {
	var cf commonFlags
	var verboseEmuSteps bool

	cmd := &cobra.Command{
		Use:   "emulate",
		Short: "abstractly execute a function without generating code",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, par, err := cf.build()
			if err != nil {
				return err
			}
			r.Verbose(false, false, verboseEmuSteps)

			rax := r.Emulate(par...)
			fmt.Printf("RAX = %#x\n", rax)
			return nil
		},
	}
	cf.register(cmd)
	cmd.Flags().BoolVar(&verboseEmuSteps, "verbose-emu-steps", false, "trace every emulated instruction")
	return cmd
}

func newDecodePrintCmd() *cobra.Command {
	var addrStr string
	var count int

	cmd := &cobra.Command{
		Use:   "decode-print",
		Short: "disassemble count instructions starting at addr",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := parseHexAddr(addrStr)
			if err != nil {
				return fmt.Errorf("--addr: %w", err)
			}
			r := rewriter.NewRewriter()
			out, err := r.DecodePrint(uintptr(addr), count)
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	}
	cmd.Flags().StringVar(&addrStr, "addr", "", "address to start disassembling from, hex")
	cmd.Flags().IntVar(&count, "count", 10, "number of instructions to print")
	cmd.MarkFlagRequired("addr")
	return cmd
}

func newSetCapacityCmd() *cobra.Command {
	var decodeCap, captureCap, codeCap int

	cmd := &cobra.Command{
		Use:   "set-capacity",
		Short: "print the effective decode/capture/code capacities for the given overrides",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if decodeCap > 0 {
				cfg.DecodeCap = decodeCap
			}
			if captureCap > 0 {
				cfg.CaptureCap = captureCap
			}
			if codeCap > 0 {
				cfg.CodeCap = codeCap
			}
			fmt.Printf("decode-cap:  %d instructions/block\n", cfg.DecodeCap)
			fmt.Printf("capture-cap: %d CBBs\n", cfg.CaptureCap)
			fmt.Printf("code-cap:    %d bytes\n", cfg.CodeCap)
			return nil
		},
	}
	cmd.Flags().IntVar(&decodeCap, "decode-cap", 0, "override decode instruction capacity (0 = default)")
	cmd.Flags().IntVar(&captureCap, "capture-cap", 0, "override capture CBB capacity (0 = default)")
	cmd.Flags().IntVar(&codeCap, "code-cap", 0, "override generated-code arena size in bytes (0 = default)")
	return cmd
}

func applyCapacity(r *rewriter.Rewriter, decodeCap, captureCap, codeCap int) {
	if decodeCap > 0 {
		r.SetDecodingCapacity(decodeCap, 0)
	}
	if captureCap > 0 || codeCap > 0 {
		// SetCaptureCapacity overwrites both values, so a zero override
		// keeps the current setting.
		if captureCap <= 0 {
			captureCap = r.Config.CaptureCap
		}
		if codeCap <= 0 {
			codeCap = r.Config.CodeCap
		}
		r.SetCaptureCapacity(0, captureCap, codeCap)
	}
}

func parseHexAddr(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	if s == "" {
		return 0, fmt.Errorf("empty address")
	}
	return strconv.ParseUint(s, 16, 64)
}

// parseParams parses a comma-separated parameter list. Each term is a
// decimal or 0x-hex value, optionally prefixed with "!" to mark it
// DYNAMIC rather than STATIC (the default for any value the caller
// bothers to supply).
func parseParams(s string) ([]uint64, []config.ParamState, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil, nil
	}
	parts := strings.Split(s, ",")
	par := make([]uint64, 0, len(parts))
	states := make([]config.ParamState, 0, len(parts))
	for i, p := range parts {
		p = strings.TrimSpace(p)
		static := true
		if strings.HasPrefix(p, "!") {
			static = false
			p = p[1:]
		}
		var v uint64
		var err error
		if strings.HasPrefix(strings.ToLower(p), "0x") {
			v, err = parseHexAddr(p)
		} else {
			v, err = strconv.ParseUint(p, 10, 64)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("param %d (%q): %w", i, p, err)
		}
		par = append(par, v)
		states = append(states, config.ParamState{Name: fmt.Sprintf("p%d", i), Static: static})
	}
	return par, states, nil
}
