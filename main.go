// Completion: 100% - CLI interface complete, all flags working
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/xyproto/env/v2"
)

// A tiny self-contained toolchain for x86_64 Linux guests: a C-subset
// compiler, an AT&T/GAS assembler, a static ELF writer and a user-mode
// emulator.

const versionString = "helix 0.1.0"

// VerboseMode turns on stderr tracing throughout the pipeline. The
// HELIX_VERBOSE environment variable sets the default; -v overrides.
var VerboseMode bool

func main() {
	VerboseMode = env.Bool("HELIX_VERBOSE")

	root := &cobra.Command{
		Use:     "helix",
		Short:   "Compile, assemble and run x86-64 programs on a user-mode emulator",
		Version: versionString,
		Long: `helix takes a C-subset source file or an AT&T/GAS x86-64 assembly
file, builds a static ELF executable, and runs it on a built-in
user-mode emulator with an in-memory Linux syscall layer. The guest's
standard output streams to the terminal; its exit code becomes the
command's exit code.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().BoolVarP(&VerboseMode, "verbose", "v", VerboseMode, "trace every pipeline stage to stderr")

	var lang string
	var watch bool
	runCmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Compile and run a program on the emulator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmdRun(args[0], lang, watch)
		},
	}
	runCmd.Flags().StringVar(&lang, "lang", "", "source language: c or asm (default: from file extension)")
	runCmd.Flags().BoolVar(&watch, "watch", false, "re-run whenever the source file changes")

	var output string
	buildCmd := &cobra.Command{
		Use:   "build <file>",
		Short: "Build a static ELF executable without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmdBuild(args[0], lang, output)
		},
	}
	buildCmd.Flags().StringVar(&lang, "lang", "", "source language: c or asm (default: from file extension)")
	buildCmd.Flags().StringVarP(&output, "output", "o", "", "output path (default: source name without extension)")

	asmCmd := &cobra.Command{
		Use:   "asm <file.c>",
		Short: "Compile C to AT&T assembly and print it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmdAsm(args[0])
		},
	}

	root.AddCommand(runCmd, buildCmd, asmCmd)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// languageFor infers the source language from an explicit flag or the
// file extension.
func languageFor(path, flag string) (Language, error) {
	if flag != "" {
		return ParseLanguage(flag)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".c":
		return LangC, nil
	case ".s", ".asm":
		return LangASM, nil
	}
	return 0, fmt.Errorf("cannot infer language from %q; pass --lang c or --lang asm", path)
}

func cmdRun(path, langFlag string, watch bool) error {
	lang, err := languageFor(path, langFlag)
	if err != nil {
		return err
	}

	runOnce := func() (int, error) {
		source, err := os.ReadFile(path)
		if err != nil {
			return 1, err
		}
		tc := NewToolchain(NewFileStore(nil))
		tc.Stdout = func(data []byte) { os.Stdout.Write(data) }
		tc.Stderr = func(data []byte) { os.Stderr.Write(data) }
		result, err := tc.Run(lang, string(source))
		if err != nil {
			return 1, err
		}
		if VerboseMode {
			fmt.Fprintf(os.Stderr, "%d instructions, %d ms, rip=%s\n",
				result.InstructionCount, result.WallMS, result.Registers["rip"])
		}
		return result.ExitCode, nil
	}

	if !watch {
		code, err := runOnce()
		if err != nil {
			return err
		}
		os.Exit(code)
	}

	if _, err := runOnce(); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	// blocks until interrupted
	return WatchSource(path, func(changed string) {
		fmt.Fprintf(os.Stderr, "--- %s changed, re-running\n", changed)
		if _, err := runOnce(); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
	})
}

func cmdBuild(path, langFlag, output string) error {
	lang, err := languageFor(path, langFlag)
	if err != nil {
		return err
	}
	source, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	tc := NewToolchain(NewFileStore(nil))
	img, _, _, err := tc.Compile(lang, string(source))
	if err != nil {
		return err
	}
	if output == "" {
		output = strings.TrimSuffix(path, filepath.Ext(path))
		if output == path {
			output = path + ".elf"
		}
	}
	if err := os.WriteFile(output, img.Bytes, 0o755); err != nil {
		return err
	}
	fmt.Printf("wrote %s (%d bytes, entry 0x%x)\n", output, len(img.Bytes), img.Entry)
	return nil
}

func cmdAsm(path string) error {
	source, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	tc := NewToolchain(NewFileStore(nil))
	text, err := tc.EmitAssembly(string(source))
	if err != nil {
		return err
	}
	fmt.Print(text)
	return nil
}
