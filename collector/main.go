package main

import (
	"fmt"

	"github.com/yaron8/sysmon-collector/collector/bootstrap"
)

func main() {
	bootstrap, err := bootstrap.NewBootstrap()
	if err != nil {
		panic(fmt.Sprintf("Failed to create collector bootstrap: %v", err))
	}

	if err := bootstrap.Start(); err != nil {
		panic(fmt.Sprintf("Failed to run collector: %v", err))
	}
}
