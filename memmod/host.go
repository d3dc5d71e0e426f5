package memmod

import (
	"debug/elf"
	"fmt"
	"runtime"
)

// HostMachine is the e_machine of code the current process can run.
func HostMachine() (elf.Machine, error) {
	switch runtime.GOARCH {
	case "386":
		return elf.EM_386, nil
	case "amd64":
		return elf.EM_X86_64, nil
	case "arm":
		return elf.EM_ARM, nil
	case "arm64":
		return elf.EM_AARCH64, nil
	default:
		return 0, fmt.Errorf("%w: unsupported host architecture %s", ErrWrongArchitecture, runtime.GOARCH)
	}
}
