// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	stdlog "log"
	"os"

	"camproxy"
)

// A deployment links its cloud driver here at build time with
// camproxy.RegisterDriver, so the core does not depend on one. This
// file registers no driver, so Run fails with "no cloud driver
// registered" once an env file is given.

func main() {
	if err := camproxy.Run(); err != nil {
		stdlog.Fatal(err)
	}
	os.Exit(0)
}
