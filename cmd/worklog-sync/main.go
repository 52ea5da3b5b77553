// Package main is the worklog-sync command: it mirrors a Monday.com board
// into a relational warehouse, once from the command line or on a schedule
// behind a small status API.
package main

import (
	"flag"
	"fmt"
	"os"
)

func main() {
	// glog backs fatal start-up errors in serve mode.
	_ = flag.Set("logtostderr", "true")

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
