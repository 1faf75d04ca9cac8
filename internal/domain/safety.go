package domain

// BlockReason codes for a pre-buy rejection.
const (
	BlockReasonIlliquid = "ILLIQUID"
	BlockReasonHoneypot = "HONEYPOT"
	BlockReasonHighTax  = "HIGH_TAX"
)

// WarningSeverity grades a non-blocking safety warning.
type WarningSeverity string

const (
	WarningSeverityInfo WarningSeverity = "info"
	WarningSeverityHigh WarningSeverity = "high"
)

// SafetyWarning is attached to approved decisions for conditions worth
// surfacing but not worth blocking on.
type SafetyWarning struct {
	Kind     string
	Severity WarningSeverity
	Message  string
}

// SellProbe is the result of simulating a sell with a small probe amount.
//
// EstimatedTaxBps is derived from the round-trip loss of the probe, which
// conflates price impact with any actual transfer tax. It is a best-effort
// heuristic, not a guaranteed detector.
type SellProbe struct {
	CanSell         bool
	ProbeResolved   bool // a sell route existed for the probe
	EstimatedTaxBps int
	PriceImpactPct  float64
	GuardFlagged    bool // static risk scan corroborated a honeypot signal
	Note            string
}

// SafetyDecision is the single approve/block result applied before any buy.
// It is consumed once by the entry path and not persisted here.
type SafetyDecision struct {
	Approved    bool
	BlockReason string // set iff !Approved
	Message     string
	BuyRoute    *RouteQuote
	Probe       SellProbe
	Warnings    []SafetyWarning
}
