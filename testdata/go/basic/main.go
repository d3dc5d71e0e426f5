package main

/*
#include <stdint.h>
*/
import "C"

import "os"

func markerPath() string {
	if env := os.Getenv("LDSO_MARKER"); env != "" {
		return env
	}
	return "/tmp/ldso_marker.txt"
}

//export StartW
func StartW() {
	_ = os.WriteFile(markerPath(), []byte("ok"), 0o600)
}

//export StartWStatus
func StartWStatus() C.int {
	StartW()
	return 1337
}

func main() {}
