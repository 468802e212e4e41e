/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package main

import (
	"vmbuild/cmd"
	"vmbuild/internal/logging"

	"go.uber.org/zap"
)

func main() {
	if err := logging.InitLogger(); err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer func() {
		if err := logging.Sync(); err != nil {
			// stdout may not support fsync
			logging.Logger().Debug("failed to sync logger on exit", zap.Error(err))
		}
	}()

	cmd.Execute()
}
