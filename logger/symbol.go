package logger

import (
	"go.uber.org/zap"

	"github.com/teranos/chainpulse/sym"
)

// Instance logger wrappers attach a subsystem symbol as a structured field,
// keeping messages clean and logs queryable by symbol.
//
//	t.pulseLog = logger.AddPulseSymbol(baseLogger)

// AddPulseSymbol wraps a logger with the Pulse symbol (꩜)
func AddPulseSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return OrNop(l).With(FieldSymbol, sym.Pulse)
}

// AddPulseOpenSymbol wraps a logger with the PulseOpen symbol (✿)
func AddPulseOpenSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return OrNop(l).With(FieldSymbol, sym.PulseOpen)
}

// AddPulseCloseSymbol wraps a logger with the PulseClose symbol (❀)
func AddPulseCloseSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return OrNop(l).With(FieldSymbol, sym.PulseClose)
}

// AddChainSymbol wraps a logger with the Chain symbol (⛓)
func AddChainSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return OrNop(l).With(FieldSymbol, sym.Chain)
}

// AddLedgerSymbol wraps a logger with the Ledger symbol (≡)
func AddLedgerSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return OrNop(l).With(FieldSymbol, sym.Ledger)
}

// AddGateSymbol wraps a logger with the Gate symbol (⊘)
func AddGateSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return OrNop(l).With(FieldSymbol, sym.Gate)
}

// AddDBSymbol wraps a logger with the DB symbol (⊔)
func AddDBSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return OrNop(l).With(FieldSymbol, sym.DB)
}
