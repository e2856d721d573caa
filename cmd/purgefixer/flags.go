package main

import "time"

// Flag structs to decouple cobra from logic for testing.

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
}

type ServeFlags struct {
	ConfigPath string
	Daemonize  bool
	LogFile    string
}

type CheckFlags struct {
	ConfigPath string
	JSON       bool
}

type SessionsFlags struct {
	ConfigPath string
	JSON       bool
}

type ConfigInitFlags struct {
	Output string
	Force  bool
}

// StatusFlags select what to read from a running daemon.
type StatusFlags struct {
	APIUrl     string
	APITimeout time.Duration
	Health     bool
	Sessions   bool
}
