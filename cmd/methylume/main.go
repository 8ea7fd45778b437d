package main

import "github.com/methylume/methylume"

func main() {
	methylume.Main()
}
