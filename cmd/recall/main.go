package main

import (
	"context"
	"os"

	"github.com/charmbracelet/fang"
)

// version is set via ldflags at build time
var version = "dev"

func main() {
	ctx := context.Background()

	sess := newSession()
	rootCmd := NewRootCmd(version, sess)
	err := fang.Execute(ctx, rootCmd)
	sess.close()
	if err != nil {
		os.Exit(1)
	}
}
