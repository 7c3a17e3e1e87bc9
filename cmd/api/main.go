package main

import (
	"fmt"
	"os"

	"github.com/Lexiie/KangKlip/internal/app"
)

var version = "dev"

func main() {
	a, err := app.New(version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start kangklip: %v\n", err)
		os.Exit(1)
	}
	if err := a.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "kangklip exited: %v\n", err)
		os.Exit(1)
	}
}
