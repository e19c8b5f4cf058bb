// Package dedupe provides a bounded, time-limited claim set used to run a side
// effect at most once per key, such as handing a completed login attempt to
// the session issuer.
package dedupe
