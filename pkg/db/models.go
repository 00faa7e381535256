package db

import "time"

// OrderAudit is one order attempt and its outcome.
type OrderAudit struct {
	ID            int64
	AccountID     string
	Exchange      string
	Symbol        string
	Side          string
	ClientOrderID string
	OrderID       string
	RequestedQty  float64
	FilledQty     float64
	AvgPrice      float64
	Status        string
	ErrorKind     string
	Partial       bool
	Reason        string // entry, exit, drain, forced_unwind
	CreatedAt     time.Time
}

// ReconcileAudit summarises one reconciliation run.
type ReconcileAudit struct {
	ID        int64
	AccountID string
	Exchange  string
	Adopted   int
	Dropped   int
	Adjusted  int
	Detail    string // JSON report
	CreatedAt time.Time
}

// TransitionAudit records a management state change.
type TransitionAudit struct {
	ID            int64
	AccountID     string
	FromState     string
	ToState       string
	PositionCount int
	Cap           int
	OverCap       int
	ForcedUnwind  bool
	CreatedAt     time.Time
}
