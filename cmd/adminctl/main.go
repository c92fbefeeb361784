package main

import (
	"fmt"
	"os"

	"github.com/lmst/attendance-admin-client/internal/tools/adminctl"
)

func main() {
	if err := adminctl.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
