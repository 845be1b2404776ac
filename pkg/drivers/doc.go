// Package drivers contains the backends that perform the physical
// effect of node actions. A driver is selected by profile type; the
// fake driver backs tests and dry runs, the ssh driver manages plain
// hosts over SSH.
package drivers
