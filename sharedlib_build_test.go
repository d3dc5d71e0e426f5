package ldso_test

import (
	"debug/elf"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

type sharedLibTarget struct {
	goarch    string
	zigTarget string
	machine   elf.Machine
	class     elf.Class
}

var sharedLibTargets = []sharedLibTarget{
	{goarch: "386", zigTarget: "x86-linux-gnu", machine: elf.EM_386, class: elf.ELFCLASS32},
	{goarch: "amd64", zigTarget: "x86_64-linux-gnu", machine: elf.EM_X86_64, class: elf.ELFCLASS64},
	{goarch: "arm", zigTarget: "arm-linux-gnueabihf", machine: elf.EM_ARM, class: elf.ELFCLASS32},
	{goarch: "arm64", zigTarget: "aarch64-linux-gnu", machine: elf.EM_AARCH64, class: elf.ELFCLASS64},
}

func buildCSharedLib(t *testing.T, outDir string, target sharedLibTarget) string {
	t.Helper()

	outputPath := filepath.Join(outDir, fmt.Sprintf("basic_linux-%s.so", target.goarch))
	sourcePath := filepath.Join("testdata", "c", "basic.c")

	cmd := exec.Command("zig", "cc", "-target", target.zigTarget, "-O2", "-g0", "-shared", "-fPIC", "-o", outputPath, sourcePath)
	cmd.Env = overrideEnv(os.Environ(), map[string]string{
		"ZIG_GLOBAL_CACHE_DIR": filepath.Join(os.TempDir(), "ldso-zig-global-cache"),
		"ZIG_LOCAL_CACHE_DIR":  filepath.Join(os.TempDir(), "ldso-zig-local-cache"),
	})
	output, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("build shared lib target=%s: %v\n%s", target.zigTarget, err, output)
	}
	return outputPath
}

func buildGoSharedLib(t *testing.T, outDir string, target sharedLibTarget) string {
	t.Helper()

	outputPath := filepath.Join(outDir, fmt.Sprintf("basic_go_linux-%s.so", target.goarch))
	cmd := exec.Command("go", "build", "-buildmode=c-shared", "-trimpath", "-o", outputPath, "./testdata/go/basic")
	cmd.Env = overrideEnv(os.Environ(), map[string]string{
		"GOOS":        "linux",
		"GOARCH":      target.goarch,
		"CGO_ENABLED": "1",
		"CC":          "zig cc -target " + target.zigTarget,
		"CXX":         "zig c++ -target " + target.zigTarget,
		"GOCACHE":     filepath.Join(os.TempDir(), "ldso-go-build-cache"),
	})
	output, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("build go shared lib target=%s: %v\n%s", target.zigTarget, err, output)
	}
	_ = os.Remove(strings.TrimSuffix(outputPath, ".so") + ".h")
	return outputPath
}

func overrideEnv(base []string, overrides map[string]string) []string {
	out := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		eq := strings.IndexByte(kv, '=')
		if eq <= 0 {
			continue
		}
		if _, drop := overrides[kv[:eq]]; drop {
			continue
		}
		out = append(out, kv)
	}
	for key, value := range overrides {
		out = append(out, key+"="+value)
	}
	return out
}

func requireCommand(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not found in PATH", name)
	}
}
