// The main package for the vantage executable.
package main

import "github.com/perimeterlabs/vantage/cmd"

func main() {
	cmd.Execute()
}
