package main

import "github.com/andresmejia3/stylizer/cmd"

func main() {
	cmd.Execute()
}
