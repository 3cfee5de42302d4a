package main

import (
	"os"

	appLog "homecal/internal/log"
)

func main() {
	defer appLog.Sync()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
