package ui

// Unicode symbols for status indicators.
const (
	SymbolSuccess  = "✓" // Monitor collected
	SymbolFail     = "✗" // Phase failed
	SymbolPending  = "○" // Phase not attempted
	SymbolProgress = "◐" // Phase in progress
	SymbolComplete = "●" // Phase done
	SymbolSkipped  = "⊘" // Disabled or skipped
)
