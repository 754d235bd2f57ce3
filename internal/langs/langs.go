// Package langs is a thin compile/run recipe lookup for the execute-code
// CLI verb. Compilation and sandboxing a general-purpose build toolchain
// is explicitly out of scope (the source spec's Non-goals exclude a full
// language-runtime matrix); this package exists only so execute-code has
// somewhere to turn a language tag into an argv, per SPEC_FULL §12.
package langs

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// Recipe describes how to turn a source file into a runnable command.
type Recipe struct {
	SourceFile string   // filename to write SourceBytes to, relative to the box's /box.
	Compile    []string // argv to compile SourceFile, run on the host before the box starts; empty for interpreted languages.
	Run        []string // argv to execute inside the box, returned unchanged by Prepare.
}

var registry = map[string]Recipe{
	"python3": {
		SourceFile: "main.py",
		Run:        []string{"/usr/bin/python3", "/box/main.py"},
	},
	"c": {
		SourceFile: "main.c",
		Compile:    []string{"/usr/bin/gcc", "-O2", "-o", "main", "main.c"},
		Run:        []string{"/box/main"},
	},
	"cpp": {
		SourceFile: "main.cpp",
		Compile:    []string{"/usr/bin/g++", "-O2", "-std=c++17", "-o", "main", "main.cpp"},
		Run:        []string{"/box/main"},
	},
	"go": {
		SourceFile: "main.go",
		Compile:    []string{"/usr/bin/go", "build", "-o", "main", "main.go"},
		Run:        []string{"/box/main"},
	},
}

// Lookup resolves a language tag to its Recipe.
func Lookup(tag string) (Recipe, error) {
	r, ok := registry[tag]
	if !ok {
		return Recipe{}, fmt.Errorf("langs: unknown language tag %q", tag)
	}
	return r, nil
}

// RequiredBinaries returns, for every registered language tag, the host
// binary execute-code needs to run or compile it (the compiler for
// compiled languages, the interpreter for interpreted ones) — used by
// `check-deps` to verify the host can actually serve every supported
// language, not just the sandbox's own primitives.
func RequiredBinaries() map[string]string {
	out := make(map[string]string, len(registry))
	for tag, r := range registry {
		if len(r.Compile) > 0 {
			out[tag] = r.Compile[0]
		} else {
			out[tag] = r.Run[0]
		}
	}
	return out
}

// Prepare writes sourceBytes into workDir per the recipe and, if the
// recipe has a Compile step, runs it on the host (outside any sandbox —
// see the package doc). It returns the argv to hand the supervisor.
func Prepare(tag string, sourceBytes []byte, workDir string) ([]string, error) {
	recipe, err := Lookup(tag)
	if err != nil {
		return nil, err
	}

	srcPath := filepath.Join(workDir, recipe.SourceFile)
	if err := os.WriteFile(srcPath, sourceBytes, 0o644); err != nil {
		return nil, fmt.Errorf("langs: write source: %w", err)
	}

	if len(recipe.Compile) > 0 {
		cmd := exec.Command(recipe.Compile[0], recipe.Compile[1:]...)
		cmd.Dir = workDir
		if out, err := cmd.CombinedOutput(); err != nil {
			return nil, fmt.Errorf("langs: compile failed: %w\n%s", err, out)
		}
	}

	return recipe.Run, nil
}
