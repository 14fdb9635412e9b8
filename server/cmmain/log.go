// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package cmmain

import "cyclesmarket.org/cmarket/cm"

var log = cm.Disabled

// UseLogger sets the package-wide logger.
func UseLogger(logger cm.Logger) {
	log = logger
}
