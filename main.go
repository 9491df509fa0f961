// The main package for the convprogress executable.
package main

import (
	"github.com/JakeFAU/conversion-progress/cmd"
)

func main() {
	cmd.Execute()
}
