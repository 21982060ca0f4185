package main

import (
	"mssql-writer/cmd"
)

func main() {
	cmd.Execute()
}
