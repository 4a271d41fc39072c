package main

import (
	"context"
	"log"
	"os"

	"github.com/clxdb/clxdb/cmd/clxd"
)

func main() {
	os.Exit(realMain())
}

func realMain() int {
	c := clxd.New()

	if err := c.Run(context.Background(), os.Args); err != nil {
		log.Printf("error running clxd: %s", err)

		return 1
	}

	return 0
}
