package main

import "time"

// Flag structs decouple cobra from the command logic for testing.

type GlobalFlags struct {
	ConfigPath string
	LogLevel   string
}

type PathsFlags struct {
	JSON bool
}

type SweepFlags struct {
	Timeout time.Duration
}

const defaultSweepTimeout = 15 * time.Second
