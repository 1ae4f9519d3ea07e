// Package main is the single-binary entrypoint for tiresense.
package main

import "github.com/tiresense/tiresense/internal/cli"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
