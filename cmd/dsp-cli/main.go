/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package main

import (
	"github.com/johanix/dsp/cli/cmd"
)

func main() {
	cmd.Execute()
}
