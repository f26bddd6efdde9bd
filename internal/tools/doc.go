// Package tools runs the external filesystem utilities (mkfs and friends)
// the volume manager and partition builder delegate to.
package tools
