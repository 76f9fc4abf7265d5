// Package ui renders perfci's terminal output: phase lines, per-monitor
// tables and the end-of-execution summary, styled with Lip Gloss.
//
// Colors are ANSI codes so they follow the terminal theme. ConfigureColors
// drops to monochrome when output is not a terminal or NO_COLOR is set.
package ui
