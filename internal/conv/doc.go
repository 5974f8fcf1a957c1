// Package conv converts between integer widths with bounds checks. The save
// state format stores counts and sizes as uint32, so every narrowing
// conversion of host values goes through here.
package conv
