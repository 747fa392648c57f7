// Command xdmactl builds simulated DMA platforms and drives transfers
// through them.
package main

import "github.com/sarchlab/xdma/xdmactl/cmd"

func main() {
	cmd.Execute()
}
