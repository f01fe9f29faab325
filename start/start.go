// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	stdLog "log"

	"github.com/andrew-shulgin/nvr"

	_ "github.com/andrew-shulgin/nvr/addons/auth/basic"
	_ "github.com/andrew-shulgin/nvr/addons/mqtt"
	_ "github.com/andrew-shulgin/nvr/addons/status"
	_ "github.com/andrew-shulgin/nvr/addons/watchdog"
)

func main() {
	if err := nvr.Run(); err != nil {
		stdLog.Fatal(err)
	}
}
