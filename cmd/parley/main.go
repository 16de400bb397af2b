// SPDX-License-Identifier: GPL-3.0-or-later

// Command parley is a multi-threaded, modular TCP man-in-the-middle
// proxy with optional TLS termination on each side.
package main

import "github.com/gglessner/parley/cmd/parley/cmd"

func main() {
	cmd.Execute()
}
