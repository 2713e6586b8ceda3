package main

import (
	"fmt"
	"os"
)

func main() {
	manager := NewManager()
	if err := manager.Run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "metricsrecorderd: %v\n", err)
		os.Exit(1)
	}
}
