// Command updiprog programs AVR microcontrollers over the UPDI protocol.
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
