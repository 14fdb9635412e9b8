// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package bank

import "cyclesmarket.org/cmarket/cm"

var log = cm.Disabled

// UseLogger sets the logger for the bank package.
func UseLogger(logger cm.Logger) {
	log = logger
}
