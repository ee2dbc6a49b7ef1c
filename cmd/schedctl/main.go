package main

import (
	"log"

	"github.com/austindbirch/schedhook/cmd/schedctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
