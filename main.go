package main

import "empkg/internal/empkg"

func main() {
	empkg.Main()
}
