package main

import (
	"github.com/xkilldash9x/pdfharvest/cmd"
)

func main() {
	cmd.Execute()
}
