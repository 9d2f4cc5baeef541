// The main package for the wikiprint executable.
package main

import (
	"github.com/wikiprint/wikiprint/cmd"
)

func main() {
	cmd.Execute()
}
