package main

import "fmt"

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=v0.1.0" ./cmd/mermend/
var version = "dev"

func printVersion() {
	fmt.Printf("mermend %s\n", version)
}
