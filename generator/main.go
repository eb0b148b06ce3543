package main

import (
	"fmt"

	"github.com/yaron8/sysmon-collector/generator/bootstrap"
)

func main() {
	bootstrap, err := bootstrap.NewBootstrap()
	if err != nil {
		panic(fmt.Sprintf("Failed to create generator bootstrap: %v", err))
	}

	if err := bootstrap.Start(); err != nil {
		panic(err)
	}
}
